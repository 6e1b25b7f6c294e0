package durable

import (
	"context"
	"sort"
	"sync"

	"github.com/flexdeviser/e4s-index-system/internal/epoch"
)

type partitionKey struct {
	indexName string
	entityID  int64
	g         epoch.Granularity
	partition int32
}

// Fake is an in-memory Store used by engine tests in place of a live
// Postgres instance.
type Fake struct {
	mu       sync.Mutex
	rows     map[partitionKey][]byte
	statuses map[string]ReindexStatus
}

// NewFake returns an empty in-memory Store.
func NewFake() *Fake {
	return &Fake{rows: map[partitionKey][]byte{}, statuses: map[string]ReindexStatus{}}
}

func (f *Fake) GetBitmap(_ context.Context, indexName string, entityID int64, g epoch.Granularity, partition int32) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.rows[partitionKey{indexName, entityID, g, partition}]
	return v, ok, nil
}

func (f *Fake) UpsertBitmap(_ context.Context, indexName string, entityID int64, g epoch.Granularity, partition int32, bitmap []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[partitionKey{indexName, entityID, g, partition}] = bitmap
	return nil
}

func (f *Fake) DeleteBitmap(_ context.Context, indexName string, entityID int64, g epoch.Granularity, partition int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, partitionKey{indexName, entityID, g, partition})
	return nil
}

func (f *Fake) DeleteByIndexName(_ context.Context, indexName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.rows {
		if k.indexName == indexName {
			delete(f.rows, k)
		}
	}
	return nil
}

func (f *Fake) CountByIndexName(_ context.Context, indexName string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k := range f.rows {
		if k.indexName == indexName {
			n++
		}
	}
	return n, nil
}

func (f *Fake) DistinctEntities(ctx context.Context, indexName string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[int64]struct{}{}
	for k := range f.rows {
		if k.indexName == indexName {
			seen[k.entityID] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *Fake) FindEntityIds(ctx context.Context, indexName string) ([]int64, error) {
	return f.DistinctEntities(ctx, indexName)
}

func (f *Fake) FindPartitions(_ context.Context, indexName string, entityID int64, g epoch.Granularity) ([]int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int32
	for k := range f.rows {
		if k.indexName == indexName && k.entityID == entityID && k.g == g {
			out = append(out, k.partition)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (f *Fake) DistinctIndexNames(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]struct{}{}
	for k := range f.rows {
		seen[k.indexName] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) PutReindexStatus(_ context.Context, s ReindexStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[s.IndexName] = s
	return nil
}

func (f *Fake) GetReindexStatus(_ context.Context, indexName string) (ReindexStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[indexName]
	return s, ok, nil
}
