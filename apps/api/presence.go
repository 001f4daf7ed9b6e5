package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/sitechat/pkg/auth"
	"github.com/mahaj/sitechat/pkg/httpx"
)

type presenceResponse struct {
	Online []string `json:"online"`
}

// channelPresence lists the members of a channel that are connected to
// any gateway.
func (s *server) channelPresence(w http.ResponseWriter, r *http.Request) {
	members, err := s.registry.ListMembers(r.Context(), chi.URLParam(r, "id"), auth.UserID(r.Context()))
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	online := make([]string, 0, len(members))
	for _, m := range members {
		if s.presence.IsOnline(r.Context(), m.UserID) {
			online = append(online, m.UserID)
		}
	}
	httpx.JSON(w, http.StatusOK, presenceResponse{Online: online})
}
