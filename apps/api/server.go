package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/attach"
	"github.com/mahaj/sitechat/pkg/auth"
	"github.com/mahaj/sitechat/pkg/chat"
	"github.com/mahaj/sitechat/pkg/httpx"
	"github.com/mahaj/sitechat/pkg/logger"
	"github.com/mahaj/sitechat/pkg/metrics"
	"github.com/mahaj/sitechat/pkg/model"
	"github.com/mahaj/sitechat/pkg/presence"
	"github.com/mahaj/sitechat/pkg/ratelimit"
)

type server struct {
	registry  *chat.Registry
	messages  *chat.Messages
	receipts  *chat.Receipts
	presence  presence.Presence
	tokens    *auth.Tokens
	files     *attach.Handler
	directory *directory
	sends     *ratelimit.Keyed
	log       zerolog.Logger

	// devLogin enables POST /login, which issues a token for any user id.
	devLogin    bool
	corsOrigins []string
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(s.log))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())
	if s.devLogin {
		r.Post("/login", s.login)
	}
	r.Get("/files/*", s.files.Serve)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.tokens.Middleware)

		r.Get("/channels", s.listChannels)
		r.Post("/channels", s.createChannel)
		r.Route("/channels/{id}", func(r chi.Router) {
			r.Get("/", s.getChannel)
			r.Delete("/", s.archiveChannel)
			r.Get("/members", s.listMembers)
			r.Post("/members", s.addMember)
			r.Delete("/members/{userId}", s.removeMember)
			r.Get("/presence", s.channelPresence)
			r.Get("/messages", s.history)
			r.Get("/messages/search", s.search)
			r.With(s.sends.Middleware(userKey)).Post("/messages", s.sendMessage)
			r.Post("/read", s.markRead)
			r.Get("/receipts", s.listReceipts)
		})
		r.Patch("/messages/{id}", s.editMessage)
		r.Delete("/messages/{id}", s.deleteMessage)
		r.Post("/messages/{id}/reactions", s.react)
		r.Post("/upload", s.files.Upload)
		r.Get("/users/{id}", s.user)
	})
	return r
}

func userKey(r *http.Request) string {
	return auth.UserID(r.Context())
}

type loginRequest struct {
	UserID string `json:"user_id"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (s *server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if req.UserID == "" {
		httpx.Error(w, r, apperr.InvalidArgument("user_id is required"))
		return
	}
	if !model.ValidUserID(req.UserID) {
		httpx.Error(w, r, apperr.InvalidArgument("user_id may not contain ':' or spaces"))
		return
	}
	token, err := s.tokens.Generate(req.UserID)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, loginResponse{Token: token})
}

func messageIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.InvalidArgument("invalid message id")
	}
	return id, nil
}

func intQuery(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, apperr.InvalidArgument("invalid " + name)
	}
	return n, nil
}

const shutdownTimeout = 10 * time.Second
