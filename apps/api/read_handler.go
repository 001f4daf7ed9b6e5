package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/sitechat/pkg/auth"
	"github.com/mahaj/sitechat/pkg/httpx"
	"github.com/mahaj/sitechat/pkg/model"
)

type readRequest struct {
	MessageID int64 `json:"messageId"`
}

// markRead serves POST /api/channels/{id}/read. A zero messageId marks the
// newest message read.
func (s *server) markRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if r.ContentLength != 0 {
		if err := httpx.Decode(r, &req); err != nil {
			httpx.Error(w, r, err)
			return
		}
	}
	rec, err := s.receipts.MarkRead(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()), req.MessageID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (s *server) listReceipts(w http.ResponseWriter, r *http.Request) {
	out, err := s.receipts.Receipts(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if out == nil {
		out = []model.ReadReceipt{}
	}
	httpx.JSON(w, http.StatusOK, out)
}
