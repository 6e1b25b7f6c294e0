package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/flexdeviser/e4s-index-system/internal/config"
	"github.com/flexdeviser/e4s-index-system/internal/durable"
	"github.com/flexdeviser/e4s-index-system/internal/engine"
	"github.com/flexdeviser/e4s-index-system/internal/httpapi"
	"github.com/flexdeviser/e4s-index-system/internal/kvstore"
	"github.com/flexdeviser/e4s-index-system/internal/metrics"
	"github.com/flexdeviser/e4s-index-system/internal/reindex"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the indexd HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: cfg.RedisTimeout,
	})
	defer rdb.Close()
	kv := kvstore.NewRedisClient(rdb, log)

	var store durable.Store
	var reindexRunner *reindex.Runner
	if cfg.Engine.PersistenceEnabled {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		pg := durable.NewPostgres(pool, cfg.PersistenceSchema, log)
		store = pg
		reindexRunner = reindex.New(kv, store, log)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cfg.Engine.Metrics = m

	eng := engine.New(kv, store, cfg.Engine, log)
	defer eng.Close()

	stopMetrics := pollMetrics(eng, m)
	defer stopMetrics()

	srv := httpapi.New(eng, reindexRunner, log)
	router := srv.Router()
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-sigCh:
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// pollMetrics bridges the engine's pull-based GlobalStats into the metrics
// registry's push-based gauges (cache size, dirty set, pending durable).
// Counters and histograms (marks, flushes) are recorded inline by the engine
// and flusher themselves via the same *metrics.Registry.
func pollMetrics(eng *engine.Engine, m *metrics.Registry) func() {
	ticker := time.NewTicker(5 * time.Second)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st, err := eng.GlobalStats()
				if err != nil {
					continue
				}
				m.CacheSize.Set(float64(st.CacheSize))
				m.MemoryUsageBytes.Set(float64(st.MemoryUsageBytes))
				m.DirtyKVCount.Set(float64(st.DirtyKVCount))
				m.PendingDurable.Set(float64(st.PendingDurableCount))
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
