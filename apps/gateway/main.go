package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mahaj/sitechat/pkg/auth"
	"github.com/mahaj/sitechat/pkg/clock"
	"github.com/mahaj/sitechat/pkg/config"
	"github.com/mahaj/sitechat/pkg/db"
	"github.com/mahaj/sitechat/pkg/fanout"
	"github.com/mahaj/sitechat/pkg/httpx"
	"github.com/mahaj/sitechat/pkg/logger"
	"github.com/mahaj/sitechat/pkg/metrics"
	"github.com/mahaj/sitechat/pkg/presence"
	"github.com/mahaj/sitechat/pkg/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger.Init(cfg.Env, cfg.LogLevel)
	lg := logger.For("gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := db.Open(ctx, cfg)
	if err != nil {
		lg.Fatal().Err(err).Msg("open backends")
	}
	defer backends.Close()

	typingFrames := ratelimit.New(rate.Every(250*time.Millisecond), 8, 2*time.Minute)
	hub := NewHub(
		backends.Channels,
		backends.Events,
		backends.Presence,
		presence.NewTyping(clock.Real{}, cfg.TypingWindow),
		typingFrames,
		lg,
	)
	sub := fanout.NewSubscriber(backends.Events, fanout.AllChannels, hub.Deliver)
	g, gctx := errgroup.WithContext(ctx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if sub.State() != fanout.Subscribed {
			status = http.StatusServiceUnavailable
		}
		httpx.JSON(w, status, map[string]string{"status": "ok", "fanout": sub.State().String()})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Handle("/ws", newWSHandler(gctx, hub, auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL), cfg.CORSOrigins))

	httpSrv := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return sub.Run(gctx) })
	if sw, ok := backends.Presence.(presence.Sweeper); ok {
		g.Go(func() error {
			return sw.Run(gctx, func(ctx context.Context, userID string) { hub.announcePresence(ctx, userID, false) })
		})
	}
	g.Go(func() error {
		typingFrames.GC(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		lg.Info().Str("addr", cfg.GatewayAddr).Str("fanout", cfg.FanoutDriver).Msg("gateway listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		lg.Error().Err(err).Msg("gateway stopped")
		return
	}
	lg.Info().Msg("gateway stopped")
}
