package kvstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory Client used by engine tests and by the flusher's own
// unit tests in place of a live Redis instance.
type Fake struct {
	mu    sync.Mutex
	data  map[string][]byte
	sets  map[string]map[string]struct{}
}

// NewFake returns an empty in-memory Client.
func NewFake() *Fake {
	return &Fake{data: map[string][]byte{}, sets: map[string]map[string]struct{}{}}
}

func (f *Fake) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (f *Fake) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	f.data[key] = cp
	return nil
}

func (f *Fake) Delete(_ context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *Fake) SetAdd(_ context.Context, setKey, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[setKey]
	if !ok {
		s = map[string]struct{}{}
		f.sets[setKey] = s
	}
	s[member] = struct{}{}
	return nil
}

func (f *Fake) SetRemove(_ context.Context, setKey, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sets[setKey]; ok {
		delete(s, member)
	}
	return nil
}

func (f *Fake) SetIsMember(_ context.Context, setKey, member string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[setKey]
	if !ok {
		return false, nil
	}
	_, ok = s[member]
	return ok, nil
}

func (f *Fake) SetMembers(_ context.Context, setKey string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sets[setKey]
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) ScanKeys(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}
