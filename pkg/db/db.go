// Package db opens the storage, broker and presence backends selected by
// configuration, so every service wires them the same way.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/sitechat/pkg/chat"
	"github.com/mahaj/sitechat/pkg/config"
	"github.com/mahaj/sitechat/pkg/fanout"
	"github.com/mahaj/sitechat/pkg/presence"
	"github.com/mahaj/sitechat/pkg/store/memory"
	"github.com/mahaj/sitechat/pkg/store/scylla"
)

type Backends struct {
	Channels chat.ChannelRepository
	Messages chat.MessageRepository
	Receipts chat.ReceiptRepository
	Uploads  chat.AttachmentRepository
	Events   fanout.Broadcaster
	Presence presence.Presence
	Redis    *redis.Client

	closers []func() error
}

// Open connects everything cfg asks for. On error, whatever was already
// opened is closed.
func Open(ctx context.Context, cfg *config.Config) (*Backends, error) {
	b := &Backends{}
	ok := false
	defer func() {
		if !ok {
			_ = b.Close()
		}
	}()

	switch cfg.StoreDriver {
	case "scylla":
		session, err := scylla.Connect(cfg.ScyllaHosts, cfg.ScyllaKeyspace)
		if err != nil {
			return nil, err
		}
		st := scylla.New(session)
		b.Channels, b.Messages, b.Receipts, b.Uploads = st, st, st, st
		b.closers = append(b.closers, func() error { st.Close(); return nil })
	default:
		st := memory.New()
		b.Channels, b.Messages, b.Receipts, b.Uploads = st, st, st, st
	}

	if cfg.FanoutDriver == "local" {
		local := fanout.NewLocal()
		b.Events = local
		b.Presence = presence.NewMemory()
		b.closers = append(b.closers, local.Close)
		ok = true
		return b, nil
	}

	rdb, err := OpenRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b.Redis = rdb
	b.closers = append(b.closers, rdb.Close)
	b.Presence = presence.NewRedis(b.Redis, presence.RedisOptions{TTL: cfg.PresenceTTL})

	switch cfg.FanoutDriver {
	case "kafka":
		k := fanout.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		b.Events = k
		b.closers = append(b.closers, k.Close)
	default:
		// Shares rdb, which is already on the close list.
		b.Events = fanout.NewRedis(rdb)
	}
	ok = true
	return b, nil
}

// OpenRedis connects and pings the configured redis.
func OpenRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	return rdb, nil
}

// Close releases backends in reverse order of opening.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
