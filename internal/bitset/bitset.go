// Package bitset provides the compressed, sorted set of non-negative 32-bit
// integers each PartitionBitset is built from. It is a thin, strict-
// inequality-aware wrapper over github.com/RoaringBitmap/roaring/v2.
package bitset

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// ErrCorrupt is returned by Deserialize when the bytes do not decode to a
// valid roaring bitmap. Callers (internal/engine) treat this as the
// CorruptBitset error kind from spec.md §7.
var ErrCorrupt = errors.New("bitset: corrupt serialized form")

// Bitset is a compressed set of non-negative 32-bit integers.
type Bitset struct {
	bm *roaring.Bitmap
}

// New returns an empty Bitset.
func New() *Bitset {
	return &Bitset{bm: roaring.New()}
}

// Contains reports whether v is a member, in O(log n) or better.
func (b *Bitset) Contains(v uint32) bool {
	return b.bm.Contains(v)
}

// Add inserts v. Idempotent.
func (b *Bitset) Add(v uint32) {
	b.bm.Add(v)
}

// AddAll inserts every value in vs. Equivalent to calling Add in sequence.
func (b *Bitset) AddAll(vs []uint32) {
	b.bm.AddMany(vs)
}

// PrevOf returns the largest member strictly less than v, and true, or
// (0, false) if none exists. v itself, even if present, is never returned.
func (b *Bitset) PrevOf(v uint32) (uint32, bool) {
	if v == 0 {
		return 0, false
	}
	rank := b.bm.Rank(v - 1) // count of members <= v-1, i.e. strictly < v
	if rank == 0 {
		return 0, false
	}
	val, err := b.bm.Select(uint32(rank - 1))
	if err != nil {
		return 0, false
	}
	return val, true
}

// NextOf returns the smallest member strictly greater than v, and true, or
// (0, false) if none exists. v itself, even if present, is never returned.
func (b *Bitset) NextOf(v uint32) (uint32, bool) {
	card := b.bm.GetCardinality()
	rank := b.bm.Rank(v) // count of members <= v
	if rank >= card {
		return 0, false
	}
	val, err := b.bm.Select(uint32(rank))
	if err != nil {
		return 0, false
	}
	return val, true
}

// Max returns the greatest member, used by cross-partition navigation which
// wants "the previous partition's greatest member" exactly, not merely
// something less than an arbitrary sentinel.
func (b *Bitset) Max() (uint32, bool) {
	card := b.bm.GetCardinality()
	if card == 0 {
		return 0, false
	}
	val, err := b.bm.Select(uint32(card - 1))
	if err != nil {
		return 0, false
	}
	return val, true
}

// Min returns the smallest member, used by cross-partition navigation's
// "next partition's smallest member".
func (b *Bitset) Min() (uint32, bool) {
	if b.bm.IsEmpty() {
		return 0, false
	}
	val, err := b.bm.Select(0)
	if err != nil {
		return 0, false
	}
	return val, true
}

// Cardinality is the number of members, O(1).
func (b *Bitset) Cardinality() uint64 {
	return b.bm.GetCardinality()
}

// SizeInBytes is an approximate retained in-memory size, O(1).
func (b *Bitset) SizeInBytes() uint64 {
	return b.bm.GetSizeInBytes()
}

// ToArray returns every member in ascending order.
func (b *Bitset) ToArray() []uint32 {
	return b.bm.ToArray()
}

// Union merges other's members into b (used by the write-behind flusher to
// coalesce repeated writes into the pending durable map).
func (b *Bitset) Union(other *Bitset) {
	b.bm.Or(other.bm)
}

// Clone returns an independent copy, safe to mutate without affecting b.
func (b *Bitset) Clone() *Bitset {
	return &Bitset{bm: b.bm.Clone()}
}

// Serialize returns a byte form stable across versions; deserialize(serialize(b))
// is set-equal to b.
func (b *Bitset) Serialize() ([]byte, error) {
	return b.bm.MarshalBinary()
}

// Deserialize is the inverse of Serialize. A malformed payload yields
// ErrCorrupt; callers are expected to substitute an empty Bitset and log
// once, per spec.md §7's CorruptBitset handling.
func Deserialize(data []byte) (*Bitset, error) {
	bm := roaring.New()
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &Bitset{bm: bm}, nil
}
