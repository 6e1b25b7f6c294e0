package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"github.com/flexdeviser/e4s-index-system/internal/bitset"
	"github.com/flexdeviser/e4s-index-system/internal/durable"
	"github.com/flexdeviser/e4s-index-system/internal/epoch"
	"github.com/flexdeviser/e4s-index-system/internal/kvstore"
	"github.com/flexdeviser/e4s-index-system/internal/metrics"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *kvstore.Fake, *durable.Fake) {
	t.Helper()
	kv := kvstore.NewFake()
	store := durable.NewFake()
	e := New(kv, store, cfg, zerolog.Nop())
	t.Cleanup(func() { e.Close() })
	return e, kv, store
}

func syncConfig() Config {
	return Config{CacheMaxSize: 100, PersistenceEnabled: true, FlushIntervalMs: 0, AsyncWrite: false}
}

func TestCreateListDeleteIndex(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, syncConfig())

	if err := e.CreateIndex(ctx, "meters"); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	// idempotent
	if err := e.CreateIndex(ctx, "meters"); err != nil {
		t.Fatalf("CreateIndex (second call): %v", err)
	}

	names, err := e.ListIndexes(ctx)
	if err != nil || len(names) != 1 || names[0] != "meters" {
		t.Fatalf("ListIndexes = %v, %v, want [meters]", names, err)
	}

	ok, err := e.IndexExists(ctx, "meters")
	if err != nil || !ok {
		t.Fatalf("IndexExists = %v, %v, want true", ok, err)
	}

	if err := e.DeleteIndex(ctx, "meters"); err != nil {
		t.Fatalf("DeleteIndex: %v", err)
	}
	ok, err = e.IndexExists(ctx, "meters")
	if err != nil || ok {
		t.Fatalf("IndexExists after delete = %v, %v, want false", ok, err)
	}
}

func TestCreateIndexInvalidName(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, syncConfig())
	err := e.CreateIndex(ctx, "bad name!")
	if !errors.Is(err, ErrNameInvalid) {
		t.Fatalf("expected ErrNameInvalid, got %v", err)
	}
}

func TestMarkAndExistsRoundTripDay(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, syncConfig())
	e.CreateIndex(ctx, "meters")

	v := uint32(epoch.ToEpoch(1704153600000, epoch.Day)) // 2024-01-02 UTC
	if err := e.Mark(ctx, "meters", 1, epoch.Day, v); err != nil {
		t.Fatalf("Mark: %v", err)
	}
	ok, err := e.Exists(ctx, "meters", 1, epoch.Day, v)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v, want true", ok, err)
	}
	ok, err = e.Exists(ctx, "meters", 1, epoch.Day, v+1)
	if err != nil || ok {
		t.Fatalf("Exists(v+1) = %v, %v, want false", ok, err)
	}
}

func TestMarkBatchGroupsByPartition(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, syncConfig())
	e.CreateIndex(ctx, "meters")

	// 0 and 179 share partition 0 (size 180); 180 starts partition 1.
	if err := e.MarkBatch(ctx, "meters", 1, epoch.Day, []uint32{0, 179, 180}); err != nil {
		t.Fatalf("MarkBatch: %v", err)
	}
	for _, v := range []uint32{0, 179, 180} {
		ok, err := e.Exists(ctx, "meters", 1, epoch.Day, v)
		if err != nil || !ok {
			t.Fatalf("Exists(%d) = %v, %v, want true", v, ok, err)
		}
	}
}

func TestPartitionBoundaryFindPrevNext(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, syncConfig())
	e.CreateIndex(ctx, "meters")

	// 179 is the last value of partition 0; 180 is the first of partition 1.
	if err := e.Mark(ctx, "meters", 1, epoch.Day, 179); err != nil {
		t.Fatal(err)
	}
	if err := e.Mark(ctx, "meters", 1, epoch.Day, 180); err != nil {
		t.Fatal(err)
	}

	prev, ok, err := e.FindPrev(ctx, "meters", 1, epoch.Day, 180)
	if err != nil || !ok || prev != 179 {
		t.Fatalf("FindPrev(180) = %d, %v, %v, want 179, true (cross-partition)", prev, ok, err)
	}
	next, ok, err := e.FindNext(ctx, "meters", 1, epoch.Day, 179)
	if err != nil || !ok || next != 180 {
		t.Fatalf("FindNext(179) = %d, %v, %v, want 180, true (cross-partition)", next, ok, err)
	}
}

func TestFindPrevNextStrictInequalitySameValue(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, syncConfig())
	e.CreateIndex(ctx, "meters")
	e.Mark(ctx, "meters", 1, epoch.Day, 50)

	// v itself is present but must never be returned.
	if _, ok, _ := e.FindPrev(ctx, "meters", 1, epoch.Day, 50); ok {
		t.Fatal("FindPrev(50) should not return 50 itself")
	}
	if _, ok, _ := e.FindNext(ctx, "meters", 1, epoch.Day, 50); ok {
		t.Fatal("FindNext(50) should not return 50 itself")
	}
}

func TestFindPrevAtOrigin(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, syncConfig())
	e.CreateIndex(ctx, "meters")
	e.Mark(ctx, "meters", 1, epoch.Day, 0)

	if _, ok, err := e.FindPrev(ctx, "meters", 1, epoch.Day, 0); err != nil || ok {
		t.Fatalf("FindPrev(0) = %v, %v, want false (no earlier partition)", ok, err)
	}
}

func TestRegistryWarmBackOnLoad(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewFake()
	store := durable.NewFake()

	// Seed durable store directly, bypassing CreateIndex, to simulate data
	// that predates this process.
	store.UpsertBitmap(ctx, "legacy", 1, epoch.Day, 0, mustSerialize(t, 5))

	e := New(kv, store, syncConfig(), zerolog.Nop())
	defer e.Close()

	names, err := e.ListIndexes(ctx)
	if err != nil || len(names) != 1 || names[0] != "legacy" {
		t.Fatalf("ListIndexes after warm-back = %v, %v, want [legacy]", names, err)
	}

	ok, err := e.Exists(ctx, "legacy", 1, epoch.Day, 5)
	if err != nil || !ok {
		t.Fatalf("Exists after durable load = %v, %v, want true", ok, err)
	}
}

func TestCloseIsDurable(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewFake()
	store := durable.NewFake()
	cfg := Config{CacheMaxSize: 100, PersistenceEnabled: true, FlushIntervalMs: 20, AsyncWrite: false}
	e := New(kv, store, cfg, zerolog.Nop())

	e.CreateIndex(ctx, "meters")
	if err := e.Mark(ctx, "meters", 1, epoch.Day, 5); err != nil {
		t.Fatal(err)
	}
	if e.cache.Size() == 0 {
		t.Fatal("expected the mark to populate the cache before Close")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok, _ := store.GetBitmap(ctx, "meters", 1, epoch.Day, 0); !ok {
		t.Fatal("Close should have drained the dirty durable write before returning")
	}
	if e.cache.Size() != 0 {
		t.Fatalf("Close should clear the cache, got size %d", e.cache.Size())
	}

	if err := e.Mark(ctx, "meters", 1, epoch.Day, 6); !errors.Is(err, ErrClosed) {
		t.Fatalf("operations after Close should return ErrClosed, got %v", err)
	}
}

func TestEvictEntityFlushesDirtyBeforeRemoval(t *testing.T) {
	ctx := context.Background()
	cfg := Config{CacheMaxSize: 100, PersistenceEnabled: false, FlushIntervalMs: 60_000, AsyncWrite: true}
	e, kv, _ := newTestEngine(t, cfg)
	e.CreateIndex(ctx, "meters")

	if err := e.Mark(ctx, "meters", 1, epoch.Day, 5); err != nil {
		t.Fatal(err)
	}
	// With write-behind enabled and a long interval, the mark is still only
	// dirty in-cache; nothing has reached the fast store yet.
	if err := e.EvictEntity(ctx, "meters", 1); err != nil {
		t.Fatalf("EvictEntity: %v", err)
	}
	if _, ok, _ := kv.Get(ctx, "e4s:index:meters:day:1:0"); !ok {
		t.Fatal("EvictEntity should have flushed the dirty entry before dropping it from cache")
	}
}

func TestEntityCountAndStats(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t, syncConfig())
	e.CreateIndex(ctx, "meters")
	e.Mark(ctx, "meters", 1, epoch.Day, 1)
	e.Mark(ctx, "meters", 2, epoch.Day, 1)

	n, err := e.EntityCount(ctx, "meters")
	if err != nil || n != 2 {
		t.Fatalf("EntityCount = %d, %v, want 2", n, err)
	}

	st, err := e.StatsFor(ctx, "meters", true)
	if err != nil {
		t.Fatalf("StatsFor: %v", err)
	}
	if st.EntityCount != 2 {
		t.Fatalf("Stats.EntityCount = %d, want 2", st.EntityCount)
	}
	if st.CacheSize < 2 {
		t.Fatalf("Stats.CacheSize = %d, want >= 2", st.CacheSize)
	}
}

func mustSerialize(t *testing.T, vs ...uint32) []byte {
	t.Helper()
	b := bitset.New()
	b.AddAll(vs)
	data, err := b.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return data
}

func TestWriteBehindDeferredFlush(t *testing.T) {
	ctx := context.Background()
	cfg := Config{CacheMaxSize: 100, PersistenceEnabled: true, FlushIntervalMs: 30, AsyncWrite: false}
	e, kv, store := newTestEngine(t, cfg)
	e.CreateIndex(ctx, "meters")

	if err := e.Mark(ctx, "meters", 1, epoch.Day, 5); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		_, fastOK, _ := kv.Get(ctx, "e4s:index:meters:day:1:0")
		_, durOK, _ := store.GetBitmap(ctx, "meters", 1, epoch.Day, 0)
		if fastOK && durOK {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected background tick to flush both fast and durable stores")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBackendErrClassifiesFatalVsTransient(t *testing.T) {
	fatal := backendErr(fmt.Errorf("wrap: %w", kvstore.ErrFatal))
	if !errors.Is(fatal, ErrFatalBackend) {
		t.Fatalf("expected ErrFatalBackend, got %v", fatal)
	}
	if errors.Is(fatal, ErrTransientBackend) {
		t.Fatalf("fatal cause should not also classify as transient: %v", fatal)
	}

	transient := backendErr(errors.New("connection reset"))
	if !errors.Is(transient, ErrTransientBackend) {
		t.Fatalf("expected ErrTransientBackend, got %v", transient)
	}
	if errors.Is(transient, ErrFatalBackend) {
		t.Fatalf("plain cause should not classify as fatal: %v", transient)
	}
}

func TestMarkRecordsMarksTotalMetric(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cfg := syncConfig()
	cfg.Metrics = m
	e, _, _ := newTestEngine(t, cfg)
	e.CreateIndex(ctx, "meters")

	if err := e.MarkBatch(ctx, "meters", 1, epoch.Day, []uint32{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	var metric dto.Metric
	if err := m.MarksTotal.WithLabelValues(epoch.Day.String()).Write(&metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if metric.GetCounter().GetValue() != 3 {
		t.Fatalf("MarksTotal(day) = %v, want 3", metric.GetCounter().GetValue())
	}
}
