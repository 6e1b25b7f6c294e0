package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/flexdeviser/e4s-index-system/internal/config"
	"github.com/flexdeviser/e4s-index-system/internal/durable"
	"github.com/flexdeviser/e4s-index-system/internal/kvstore"
	"github.com/flexdeviser/e4s-index-system/internal/reindex"
)

func newReindexCmd() *cobra.Command {
	var indexName string
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Run a one-shot full reindex of an index from the durable store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindex(cmd.Context(), indexName)
		},
	}
	cmd.Flags().StringVar(&indexName, "index", "", "index name to reindex")
	cmd.MarkFlagRequired("index")
	return cmd
}

func runReindex(ctx context.Context, indexName string) error {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Engine.PersistenceEnabled {
		return fmt.Errorf("reindex requires index.persistence.enabled=true")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, DialTimeout: cfg.RedisTimeout})
	defer rdb.Close()
	kv := kvstore.NewRedisClient(rdb, log)

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	store := durable.NewPostgres(pool, cfg.PersistenceSchema, log)

	runner := reindex.New(kv, store, log)
	jobID, err := runner.Start(indexName)
	if err != nil {
		return err
	}
	log.Info().Str("job", jobID).Str("index", indexName).Msg("reindex started")

	for {
		status, ok, err := runner.Status(ctx, indexName)
		if err != nil {
			return fmt.Errorf("poll status: %w", err)
		}
		if ok && status.Status != "running" {
			log.Info().Str("job", jobID).Str("status", status.Status).Str("detail", status.Detail).Msg("reindex finished")
			if status.Status == "failed" {
				return fmt.Errorf("reindex failed: %s", status.Detail)
			}
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}
