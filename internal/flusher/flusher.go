// Package flusher implements the write-behind pipeline (C8): a dirty-KV set
// and a pending-durable map, drained by a single periodic background task,
// plus a synchronous path when write-behind is disabled. Modeled on the
// teacher's tocWriter/vfWriter background goroutines and the
// signal-then-wait-on-done-channel shutdown handshake in
// valuesstore.go (Close sends nils down pendingVWRChans, then waits on
// tocWriterDoneChan).
package flusher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flexdeviser/e4s-index-system/internal/bitset"
	"github.com/flexdeviser/e4s-index-system/internal/durable"
	"github.com/flexdeviser/e4s-index-system/internal/epoch"
	"github.com/flexdeviser/e4s-index-system/internal/kvstore"
	"github.com/flexdeviser/e4s-index-system/internal/metrics"
)

// CacheReader is the minimal view of C7 the flusher needs to read a key's
// current bitset on a tick; a missing key is skipped (best-effort).
type CacheReader interface {
	Get(key string) (*bitset.Bitset, bool)
	MarkClean(key string)
}

// DurableTarget identifies the (indexName, entityID, granularity, partition)
// a coalesced bitset write belongs to.
type DurableTarget struct {
	IndexName   string
	EntityID    int64
	Granularity epoch.Granularity
	Partition   int32
}

const shutdownGrace = 5 * time.Second

// Flusher owns the dirty-KV set and pending-durable map for one engine
// instance.
type Flusher struct {
	kv       kvstore.Client
	store    durable.Store
	cache    CacheReader
	log      zerolog.Logger
	metrics  *metrics.Registry
	interval time.Duration

	durableEnabled bool
	asyncDurable   bool

	mu            sync.Mutex
	dirtyKV       map[string]struct{}
	pendingDurable map[DurableTarget]*bitset.Bitset

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	wg       sync.WaitGroup
}

// Config bundles C8's tunables, mirroring the §6 configuration keys.
type Config struct {
	FlushInterval  time.Duration // 0 disables write-behind
	DurableEnabled bool
	AsyncDurable   bool
	Metrics        *metrics.Registry // optional; nil disables metric recording
}

// New constructs a Flusher and, if cfg.FlushInterval > 0, starts its single
// background tick goroutine.
func New(kv kvstore.Client, store durable.Store, cache CacheReader, cfg Config, log zerolog.Logger) *Flusher {
	f := &Flusher{
		kv:             kv,
		store:          store,
		cache:          cache,
		log:            log.With().Str("component", "flusher").Logger(),
		metrics:        cfg.Metrics,
		interval:       cfg.FlushInterval,
		durableEnabled: cfg.DurableEnabled,
		asyncDurable:   cfg.AsyncDurable,
		dirtyKV:        make(map[string]struct{}),
		pendingDurable: make(map[DurableTarget]*bitset.Bitset),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}, 1),
	}
	if f.interval > 0 {
		f.wg.Add(1)
		go f.run()
	}
	return f
}

// observeFlush records a flush attempt's outcome and duration, if metrics
// are wired.
func (f *Flusher) observeFlush(target string, start time.Time, err error) {
	if f.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	f.metrics.FlushesTotal.WithLabelValues(target, outcome).Inc()
	f.metrics.FlushDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
}

// WriteBehindEnabled reports whether a background tick is running. When
// false, every mark path must flush synchronously instead of calling
// MarkKVDirty/SubmitDurable.
func (f *Flusher) WriteBehindEnabled() bool {
	return f.interval > 0
}

// MarkKVDirty records key as having unflushed changes for the fast store.
// Only meaningful when WriteBehindEnabled; synchronous callers flush
// directly via SyncSet instead.
func (f *Flusher) MarkKVDirty(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirtyKV[key] = struct{}{}
}

// SubmitDurable coalesces b into the pending durable map entry for target
// via union, per spec.md §4.8/§9 (write amplification traded for fewer
// writes; merges are commutative so arrival order never matters).
func (f *Flusher) SubmitDurable(target DurableTarget, b *bitset.Bitset) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.pendingDurable[target]
	if !ok {
		f.pendingDurable[target] = b.Clone()
		return
	}
	existing.Union(b)
}

// SyncSet writes key's bitset to the fast store immediately. Used both for
// the flushIntervalMs==0 synchronous path and for forced flush-on-evict of
// a dirty entry.
func (f *Flusher) SyncSet(ctx context.Context, key string, b *bitset.Bitset) error {
	data, err := b.Serialize()
	if err != nil {
		return err
	}
	return f.kv.Set(ctx, key, data)
}

// SyncUpsertDurable writes target's bitset to the durable store immediately.
// Used for the synchronous (non-async-durable) path.
func (f *Flusher) SyncUpsertDurable(ctx context.Context, target DurableTarget, b *bitset.Bitset) error {
	data, err := b.Serialize()
	if err != nil {
		return err
	}
	return f.store.UpsertBitmap(ctx, target.IndexName, target.EntityID, target.Granularity, target.Partition, data)
}

// DispatchAsyncDurable fires a one-off best-effort upsert for target,
// matching spec.md §4.8(b): flushIntervalMs==0 but async-durable is on.
// Out-of-order application across goroutines is tolerated because upserts
// are whole-partition replacements derived from monotonically-growing
// bitsets; a later-arriving, earlier-computed write can only ever lose
// information it never had, never corrupt the newer state, because the
// in-cache bitset under the per-key lock is already a superset by the time
// any dispatch reads it.
func (f *Flusher) DispatchAsyncDurable(target DurableTarget, b *bitset.Bitset) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := f.SyncUpsertDurable(ctx, target, b); err != nil {
			f.log.Warn().Err(err).Str("index", target.IndexName).Int64("entity", target.EntityID).Msg("async durable upsert failed; durable store is recovery surface, dropping")
		}
	}()
}

// run is the single background tick goroutine, started iff interval > 0.
func (f *Flusher) run() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.tick()
		case <-f.stopCh:
			f.tick()
			f.doneCh <- struct{}{}
			return
		}
	}
}

// tick snapshots both pending sets and drains them. Errors are logged and
// retried on the next tick (spec.md §7: best-effort background flush).
func (f *Flusher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	f.mu.Lock()
	dirtyKeys := make([]string, 0, len(f.dirtyKV))
	for k := range f.dirtyKV {
		dirtyKeys = append(dirtyKeys, k)
	}
	pending := f.pendingDurable
	f.pendingDurable = make(map[DurableTarget]*bitset.Bitset)
	f.mu.Unlock()

	for _, key := range dirtyKeys {
		b, ok := f.cache.Get(key)
		if !ok {
			// Evicted between dirtying and this tick; nothing to flush.
			f.mu.Lock()
			delete(f.dirtyKV, key)
			f.mu.Unlock()
			continue
		}
		start := time.Now()
		err := f.SyncSet(ctx, key, b)
		f.observeFlush("kv", start, err)
		if err != nil {
			f.log.Warn().Err(err).Str("key", key).Msg("kv flush failed, retrying next tick")
			continue
		}
		f.cache.MarkClean(key)
		f.mu.Lock()
		delete(f.dirtyKV, key)
		f.mu.Unlock()
	}

	if !f.durableEnabled {
		return
	}
	for target, b := range pending {
		start := time.Now()
		err := f.SyncUpsertDurable(ctx, target, b)
		f.observeFlush("durable", start, err)
		if err != nil {
			f.log.Warn().Err(err).Str("index", target.IndexName).Int64("entity", target.EntityID).Msg("durable flush failed, re-coalescing")
			f.mu.Lock()
			if existing, ok := f.pendingDurable[target]; ok {
				existing.Union(b)
			} else {
				f.pendingDurable[target] = b
			}
			f.mu.Unlock()
		}
	}
}

// Close performs one final flush, then stops the background task within a
// bounded grace period. Safe to call once.
func (f *Flusher) Close() {
	f.stopOnce.Do(func() {
		if f.interval > 0 {
			close(f.stopCh)
			select {
			case <-f.doneCh:
			case <-time.After(shutdownGrace):
				f.log.Warn().Msg("flusher shutdown grace period exceeded; remaining dirty entries conceded to durable store")
			}
		} else {
			f.tick()
		}
		waitCh := make(chan struct{})
		go func() {
			f.wg.Wait()
			close(waitCh)
		}()
		select {
		case <-waitCh:
		case <-time.After(shutdownGrace):
		}
	})
}

// DirtyKVCount and PendingDurableCount back the engine's extended stats.
func (f *Flusher) DirtyKVCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dirtyKV)
}

func (f *Flusher) PendingDurableCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pendingDurable)
}
