// Package partition maps epoch values to the fixed-size storage/locking
// units ("partitions") the engine operates on, and derives the canonical
// KVKey string identity for a partition bitset. Pure functions, no I/O.
package partition

import (
	"fmt"

	"github.com/flexdeviser/e4s-index-system/internal/epoch"
)

// sizes is the fixed, backward-incompatible partition width table.
// Changing any value here changes the on-disk/on-wire layout of every
// existing PartitionBitset.
var sizes = map[epoch.Granularity]int32{
	epoch.Day:   180,
	epoch.Month: 6,
	epoch.Year:  1,
}

// Size returns the partition width for g.
func Size(g epoch.Granularity) int32 {
	return sizes[g]
}

// Of returns the partition number containing epoch value v under g.
// v is always non-negative (EpochValue's domain), so truncating division
// is exact floor division.
func Of(v int32, g epoch.Granularity) int32 {
	return v / sizes[g]
}

// Offset returns the in-partition offset of v under g (always 0 for YEAR).
func Offset(v int32, g epoch.Granularity) int32 {
	sz := sizes[g]
	return v - Of(v, g)*sz
}

// Start returns the smallest epoch value that belongs to partition p under g.
func Start(p int32, g epoch.Granularity) int32 {
	return p * sizes[g]
}

// Key returns the canonical KVKey / lock-table identity for a partition.
func Key(indexName string, g epoch.Granularity, entityID int64, p int32) string {
	return fmt.Sprintf("e4s:index:%s:%s:%d:%d", indexName, g.String(), entityID, p)
}

// KeyForValue is Key(indexName, g, entityID, Of(v, g)).
func KeyForValue(indexName string, g epoch.Granularity, entityID int64, v int32) string {
	return Key(indexName, g, entityID, Of(v, g))
}

// PrevPartitionKey returns the key of the partition immediately before the
// one containing v, or ("", false) when v's partition is already 0.
func PrevPartitionKey(indexName string, g epoch.Granularity, entityID int64, v int32) (string, bool) {
	p := Of(v, g)
	if p <= 0 {
		return "", false
	}
	return Key(indexName, g, entityID, p-1), true
}

// NextPartitionKey returns the key of the partition immediately after the
// one containing v. Always defined (no upper bound on partition numbers).
func NextPartitionKey(indexName string, g epoch.Granularity, entityID int64, v int32) string {
	return Key(indexName, g, entityID, Of(v, g)+1)
}

// IndexPrefix returns the KV-store key prefix that owns every key belonging
// to indexName, used by deleteIndex's prefix scan.
func IndexPrefix(indexName string) string {
	return fmt.Sprintf("e4s:index:%s:", indexName)
}

// GranularityPrefix returns the prefix that owns every key of indexName at
// granularity g, used by entityCount's coarse DAY-key proxy.
func GranularityPrefix(indexName string, g epoch.Granularity) string {
	return fmt.Sprintf("e4s:index:%s:%s:", indexName, g.String())
}
