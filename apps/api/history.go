package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/auth"
	"github.com/mahaj/sitechat/pkg/chat"
	"github.com/mahaj/sitechat/pkg/httpx"
	"github.com/mahaj/sitechat/pkg/model"
)

const searchLimit = 50

type sendRequest struct {
	Text             string             `json:"text"`
	Attachments      []model.Attachment `json:"attachments"`
	ReplyToMessageID *int64             `json:"replyToMessageId"`
	MessageType      model.MessageType  `json:"messageType"`
	ClientNonce      string             `json:"clientNonce"`
}

type editRequest struct {
	Text string `json:"text"`
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

type searchResponse struct {
	Messages []model.Message `json:"messages"`
}

// history serves GET /api/channels/{id}/messages?cursor=&limit=. Pages run
// newest to oldest; pass nextCursor back as cursor for the following page.
func (s *server) history(w http.ResponseWriter, r *http.Request) {
	cursor, err := intQuery(r, "cursor")
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	page, err := s.messages.History(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()), cursor, int(limit))
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []model.Message{}
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (s *server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		httpx.Error(w, r, apperr.InvalidArgument("q is required"))
		return
	}
	msgs, err := s.messages.Search(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()), q, searchLimit)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	httpx.JSON(w, http.StatusOK, searchResponse{Messages: msgs})
}

func (s *server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	msg, err := s.messages.Send(r.Context(), chat.SendInput{
		ChannelID:        chi.URLParam(r, "id"),
		SenderID:         auth.UserID(r.Context()),
		Text:             req.Text,
		Type:             req.MessageType,
		AttachmentIDs:    attachmentIDs(req.Attachments),
		ReplyToMessageID: req.ReplyToMessageID,
		ClientNonce:      req.ClientNonce,
	})
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, msg)
}

// attachmentIDs keeps only the ids of uploaded attachments; everything
// else about a file comes from the upload record.
func attachmentIDs(atts []model.Attachment) []string {
	if len(atts) == 0 {
		return nil
	}
	ids := make([]string, len(atts))
	for i, a := range atts {
		ids[i] = a.ID
	}
	return ids
}

func (s *server) editMessage(w http.ResponseWriter, r *http.Request) {
	id, err := messageIDParam(r)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	var req editRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	msg, err := s.messages.Edit(r.Context(), id, auth.UserID(r.Context()), req.Text)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, msg)
}

func (s *server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := messageIDParam(r)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if err := s.messages.Delete(r.Context(), id, auth.UserID(r.Context())); err != nil {
		httpx.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) react(w http.ResponseWriter, r *http.Request) {
	id, err := messageIDParam(r)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	var req reactRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	msg, err := s.messages.React(r.Context(), id, auth.UserID(r.Context()), req.Emoji)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, msg)
}
