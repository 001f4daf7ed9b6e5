package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mahaj/sitechat/pkg/attach"
	"github.com/mahaj/sitechat/pkg/auth"
	"github.com/mahaj/sitechat/pkg/chat"
	"github.com/mahaj/sitechat/pkg/clock"
	"github.com/mahaj/sitechat/pkg/config"
	"github.com/mahaj/sitechat/pkg/db"
	"github.com/mahaj/sitechat/pkg/logger"
	"github.com/mahaj/sitechat/pkg/ratelimit"
	"github.com/mahaj/sitechat/pkg/snowflake"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger.Init(cfg.Env, cfg.LogLevel)
	lg := logger.For("api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := db.Open(ctx, cfg)
	if err != nil {
		lg.Fatal().Err(err).Msg("open backends")
	}
	defer backends.Close()

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		lg.Fatal().Err(err).Msg("snowflake node")
	}

	files, err := openFiles(ctx, cfg, backends.Uploads)
	if err != nil {
		lg.Fatal().Err(err).Msg("open file storage")
	}

	deps := chat.Deps{
		Channels: backends.Channels,
		Messages: backends.Messages,
		Receipts: backends.Receipts,
		Uploads:  backends.Uploads,
		Events:   backends.Events,
		IDs:      node,
		Clock:    clock.Real{},
	}
	srv := &server{
		registry: chat.NewRegistry(deps),
		messages: chat.NewMessages(deps, chat.MessageOptions{
			PageSize:       cfg.HistoryPageSize,
			MaxAttachments: cfg.Upload.MaxFiles,
			EditWindow:     cfg.EditWindow,
		}),
		receipts:    chat.NewReceipts(deps),
		presence:    backends.Presence,
		tokens:      auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL),
		files:       files,
		directory:   newDirectory(cfg.UserDirectoryURL),
		sends:       ratelimit.New(rate.Every(200*time.Millisecond), 20, 2*time.Minute),
		log:         lg,
		devLogin:    cfg.IsDev(),
		corsOrigins: cfg.CORSOrigins,
	}

	httpSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info().Str("addr", cfg.APIAddr).Str("store", cfg.StoreDriver).Str("fanout", cfg.FanoutDriver).Msg("api listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		srv.sends.GC(gctx, time.Minute)
		return nil
	})

	if err := g.Wait(); err != nil {
		lg.Error().Err(err).Msg("api stopped")
		return
	}
	lg.Info().Msg("api stopped")
}

// openFiles uses object storage when S3 is configured and process memory
// otherwise.
func openFiles(ctx context.Context, cfg *config.Config, ledger attach.Ledger) (*attach.Handler, error) {
	limits := attach.Limits{MaxBytes: cfg.Upload.MaxBytes, MaxFiles: cfg.Upload.MaxFiles}
	if !cfg.S3.Enabled() {
		return attach.NewHandler(attach.NewMemoryStore(), ledger, limits), nil
	}
	store, err := attach.NewMinioStore(ctx, cfg.S3)
	if err != nil {
		return nil, err
	}
	h := attach.NewHandler(store, ledger, limits)
	if cfg.S3.PublicURL != "" {
		h.FilesPrefix = cfg.S3.PublicURL
	}
	return h, nil
}
