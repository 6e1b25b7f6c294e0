package durable

import (
	"context"
	"testing"

	"github.com/flexdeviser/e4s-index-system/internal/epoch"
)

func TestFakeUpsertGetDelete(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	if _, ok, err := f.GetBitmap(ctx, "m", 1, epoch.Day, 0); err != nil || ok {
		t.Fatalf("GetBitmap on empty store = %v, %v", ok, err)
	}
	if err := f.UpsertBitmap(ctx, "m", 1, epoch.Day, 0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("UpsertBitmap: %v", err)
	}
	data, ok, err := f.GetBitmap(ctx, "m", 1, epoch.Day, 0)
	if err != nil || !ok || len(data) != 3 {
		t.Fatalf("GetBitmap after upsert = %v, %v, %v", data, ok, err)
	}
	if err := f.DeleteBitmap(ctx, "m", 1, epoch.Day, 0); err != nil {
		t.Fatalf("DeleteBitmap: %v", err)
	}
	if _, ok, _ := f.GetBitmap(ctx, "m", 1, epoch.Day, 0); ok {
		t.Fatal("bitmap should be gone after delete")
	}
}

func TestFakeCountAndDistinct(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.UpsertBitmap(ctx, "m", 1, epoch.Day, 0, []byte{1})
	f.UpsertBitmap(ctx, "m", 1, epoch.Month, 0, []byte{1})
	f.UpsertBitmap(ctx, "m", 2, epoch.Day, 0, []byte{1})
	f.UpsertBitmap(ctx, "other", 1, epoch.Day, 0, []byte{1})

	n, err := f.CountByIndexName(ctx, "m")
	if err != nil || n != 3 {
		t.Fatalf("CountByIndexName = %d, %v, want 3", n, err)
	}
	entities, err := f.DistinctEntities(ctx, "m")
	if err != nil || len(entities) != 2 {
		t.Fatalf("DistinctEntities = %v, %v, want 2 entries", entities, err)
	}
	names, err := f.DistinctIndexNames(ctx)
	if err != nil || len(names) != 2 {
		t.Fatalf("DistinctIndexNames = %v, %v, want 2 entries", names, err)
	}
}

func TestFakeDeleteByIndexName(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.UpsertBitmap(ctx, "m", 1, epoch.Day, 0, []byte{1})
	f.UpsertBitmap(ctx, "other", 1, epoch.Day, 0, []byte{1})

	if err := f.DeleteByIndexName(ctx, "m"); err != nil {
		t.Fatalf("DeleteByIndexName: %v", err)
	}
	n, _ := f.CountByIndexName(ctx, "m")
	if n != 0 {
		t.Fatalf("CountByIndexName after delete = %d, want 0", n)
	}
	n, _ = f.CountByIndexName(ctx, "other")
	if n != 1 {
		t.Fatalf("unrelated index should be untouched, got count %d", n)
	}
}

func TestFakeReindexStatus(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	if _, ok, err := f.GetReindexStatus(ctx, "m"); err != nil || ok {
		t.Fatalf("GetReindexStatus before Put = %v, %v", ok, err)
	}
	s := ReindexStatus{JobID: "j1", IndexName: "m", Status: "running"}
	if err := f.PutReindexStatus(ctx, s); err != nil {
		t.Fatalf("PutReindexStatus: %v", err)
	}
	got, ok, err := f.GetReindexStatus(ctx, "m")
	if err != nil || !ok || got.JobID != "j1" {
		t.Fatalf("GetReindexStatus = %+v, %v, %v", got, ok, err)
	}
}

func TestFindPartitions(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.UpsertBitmap(ctx, "m", 1, epoch.Day, 0, []byte{1})
	f.UpsertBitmap(ctx, "m", 1, epoch.Day, 2, []byte{1})
	f.UpsertBitmap(ctx, "m", 1, epoch.Month, 0, []byte{1})

	parts, err := f.FindPartitions(ctx, "m", 1, epoch.Day)
	if err != nil || len(parts) != 2 || parts[0] != 0 || parts[1] != 2 {
		t.Fatalf("FindPartitions = %v, %v, want [0 2]", parts, err)
	}
}
