package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/auth"
	"github.com/mahaj/sitechat/pkg/httpx"
	"github.com/mahaj/sitechat/pkg/model"
)

// directory looks users up in the platform's user service. Without a base
// URL every user resolves to a bare id.
type directory struct {
	base string
	http *http.Client
}

func newDirectory(base string) *directory {
	return &directory{base: base, http: &http.Client{Timeout: 5 * time.Second}}
}

func (d *directory) lookup(ctx context.Context, userID, token string) (*model.User, error) {
	if d.base == "" {
		return &model.User{ID: userID}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, apperr.Unavailable("user directory unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Unavailable("user directory failed", fmt.Errorf("status %d", resp.StatusCode))
	}
	var u model.User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, apperr.Unavailable("user directory failed", err)
	}
	if u.ID == "" {
		u.ID = userID
	}
	return &u, nil
}

func (s *server) user(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.BearerToken(r)
	u, err := s.directory.lookup(r.Context(), chi.URLParam(r, "id"), token)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, u)
}
