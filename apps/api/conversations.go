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

type createChannelRequest struct {
	Type      model.ChannelType `json:"type"`
	Name      string            `json:"name"`
	Avatar    string            `json:"avatar"`
	MemberIDs []string          `json:"memberIds"`
	UserID    string            `json:"userId"`
}

type memberRequest struct {
	UserID string `json:"userId"`
}

func (s *server) listChannels(w http.ResponseWriter, r *http.Request) {
	out, err := s.registry.ListChannels(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	if out == nil {
		out = []chat.ChannelSummary{}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (s *server) createChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	me := auth.UserID(r.Context())

	var (
		c   *model.Channel
		err error
	)
	switch req.Type {
	case model.ChannelGroup:
		c, err = s.registry.CreateGroup(r.Context(), me, chat.CreateGroupInput{
			Name:      req.Name,
			Avatar:    req.Avatar,
			MemberIDs: req.MemberIDs,
		})
	case model.ChannelDirect:
		if req.UserID == "" {
			err = apperr.InvalidArgument("userId is required")
			break
		}
		c, err = s.registry.OpenDirect(r.Context(), me, req.UserID)
	default:
		err = apperr.InvalidArgument(`type must be "group" or "direct"`)
	}
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (s *server) getChannel(w http.ResponseWriter, r *http.Request) {
	c, err := s.registry.GetChannel(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (s *server) archiveChannel(w http.ResponseWriter, r *http.Request) {
	c, err := s.registry.Archive(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (s *server) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.registry.ListMembers(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, members)
}

func (s *server) addMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if req.UserID == "" {
		httpx.Error(w, r, apperr.InvalidArgument("userId is required"))
		return
	}
	if err := s.registry.AddMember(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()), req.UserID); err != nil {
		httpx.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) removeMember(w http.ResponseWriter, r *http.Request) {
	err := s.registry.RemoveMember(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()), chi.URLParam(r, "userId"))
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
