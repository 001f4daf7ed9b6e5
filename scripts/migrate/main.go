package main

import (
	"context"
	"flag"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/sitechat/pkg/config"
	"github.com/mahaj/sitechat/pkg/logger"
	"github.com/mahaj/sitechat/pkg/store/scylla"
)

func main() {
	replication := flag.Int("replication", 1, "replication factor for a new keyspace")
	reset := flag.Bool("reset", false, "drop every table before creating them")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger.Init(cfg.Env, cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if *reset {
		if err := scylla.Drop(ctx, cfg.ScyllaHosts, cfg.ScyllaKeyspace); err != nil {
			log.Fatal().Err(err).Msg("drop tables")
		}
	}
	if err := scylla.Migrate(ctx, cfg.ScyllaHosts, cfg.ScyllaKeyspace, *replication); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}
	log.Info().Str("keyspace", cfg.ScyllaKeyspace).Msg("schema ready")
}
