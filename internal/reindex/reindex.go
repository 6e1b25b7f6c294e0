// Package reindex is the admin reindex job runner: it walks the durable
// store for an index (or a single partition) and republishes the
// corresponding fast-store keys. Modeled on the teacher's
// background-goroutine-with-done-channel idiom (tocWriter/vfWriter in
// valuesstore.go), applied to a one-shot job instead of a periodic tick.
package reindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flexdeviser/e4s-index-system/internal/bitset"
	"github.com/flexdeviser/e4s-index-system/internal/durable"
	"github.com/flexdeviser/e4s-index-system/internal/epoch"
	"github.com/flexdeviser/e4s-index-system/internal/kvstore"
	"github.com/flexdeviser/e4s-index-system/internal/partition"
)

// ErrAlreadyRunning is returned by Start when a job for the index is
// already in flight.
var ErrAlreadyRunning = fmt.Errorf("reindex: job already running for this index")

// Runner drives reindex jobs; one Runner serves every index of one engine
// instance's backing stores.
type Runner struct {
	kv    kvstore.Client
	store durable.Store
	log   zerolog.Logger

	mu      sync.Mutex
	running map[string]bool
}

// New constructs a Runner. store must not be nil — reindex only makes sense
// when durable persistence is enabled.
func New(kv kvstore.Client, store durable.Store, log zerolog.Logger) *Runner {
	return &Runner{
		kv:      kv,
		store:   store,
		log:     log.With().Str("component", "reindex").Logger(),
		running: make(map[string]bool),
	}
}

// Start launches a full reindex of indexName in the background and returns
// its job ID immediately. ReindexFailed (spec.md §7) is captured in the
// status row, not returned here — the admin surface polls status instead.
func (r *Runner) Start(indexName string) (jobID string, err error) {
	r.mu.Lock()
	if r.running[indexName] {
		r.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	r.running[indexName] = true
	r.mu.Unlock()

	jobID = uuid.NewString()
	go r.run(jobID, indexName, nil, epoch.Day)
	return jobID, nil
}

// StartPartition reindexes a single (indexName, g, partition) slice: every
// entity's bitmap at that granularity/partition is republished. Used by the
// `reindex/partition` admin endpoint.
func (r *Runner) StartPartition(indexName string, g epoch.Granularity, p int32) (jobID string, err error) {
	r.mu.Lock()
	key := indexName + ":partition"
	if r.running[key] {
		r.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	r.running[key] = true
	r.mu.Unlock()

	jobID = uuid.NewString()
	pp := p
	go r.run(jobID, indexName, &pp, g)
	return jobID, nil
}

func (r *Runner) run(jobID, indexName string, onlyPartition *int32, g epoch.Granularity) {
	defer func() {
		r.mu.Lock()
		if onlyPartition != nil {
			delete(r.running, indexName+":partition")
		} else {
			delete(r.running, indexName)
		}
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	started := time.Now()
	_ = r.store.PutReindexStatus(ctx, durable.ReindexStatus{
		JobID: jobID, IndexName: indexName, Status: "running", StartedAt: started,
	})

	if err := r.reindexAll(ctx, indexName, onlyPartition, g); err != nil {
		r.log.Error().Err(err).Str("job", jobID).Str("index", indexName).Msg("reindex failed")
		done := time.Now()
		_ = r.store.PutReindexStatus(ctx, durable.ReindexStatus{
			JobID: jobID, IndexName: indexName, Status: "failed", Detail: err.Error(),
			StartedAt: started, CompletedAt: &done,
		})
		return
	}
	done := time.Now()
	_ = r.store.PutReindexStatus(ctx, durable.ReindexStatus{
		JobID: jobID, IndexName: indexName, Status: "completed",
		StartedAt: started, CompletedAt: &done,
	})
}

func (r *Runner) reindexAll(ctx context.Context, indexName string, onlyPartition *int32, filterG epoch.Granularity) error {
	entities, err := r.store.FindEntityIds(ctx, indexName)
	if err != nil {
		return fmt.Errorf("find entities: %w", err)
	}
	granularities := []epoch.Granularity{epoch.Day, epoch.Month, epoch.Year}
	if onlyPartition != nil {
		granularities = []epoch.Granularity{filterG}
	}
	for _, entityID := range entities {
		for _, g := range granularities {
			parts, err := r.store.FindPartitions(ctx, indexName, entityID, g)
			if err != nil {
				return fmt.Errorf("find partitions entity=%d g=%s: %w", entityID, g, err)
			}
			for _, p := range parts {
				if onlyPartition != nil && p != *onlyPartition {
					continue
				}
				if err := r.reindexOne(ctx, indexName, entityID, g, p); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *Runner) reindexOne(ctx context.Context, indexName string, entityID int64, g epoch.Granularity, p int32) error {
	raw, ok, err := r.store.GetBitmap(ctx, indexName, entityID, g, p)
	if err != nil {
		return fmt.Errorf("get bitmap entity=%d g=%s p=%d: %w", entityID, g, p, err)
	}
	if !ok {
		return nil
	}
	// Validate before republishing so a corrupt durable row doesn't
	// overwrite a good fast-store copy with garbage.
	if _, err := bitset.Deserialize(raw); err != nil {
		r.log.Warn().Err(err).Int64("entity", entityID).Str("g", g.String()).Int32("partition", p).Msg("skipping corrupt durable row during reindex")
		return nil
	}
	key := partition.Key(indexName, g, entityID, p)
	if err := r.kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Status returns the most recent status row for indexName.
func (r *Runner) Status(ctx context.Context, indexName string) (durable.ReindexStatus, bool, error) {
	return r.store.GetReindexStatus(ctx, indexName)
}
