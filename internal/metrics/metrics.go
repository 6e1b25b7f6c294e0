// Package metrics exposes process-level counters/gauges for the engine's
// cache, dirty set, and flush pipeline, backing the process-local
// "memoryUsageBytes"/"cacheSize" surface of the `stats` operation with
// scrape-able gauges. No teacher analogue; wired per SPEC_FULL.md §3 so the
// engine isn't limited to its own pull-based Stats call for observability.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric this module exports.
type Registry struct {
	CacheSize        prometheus.Gauge
	MemoryUsageBytes prometheus.Gauge
	DirtyKVCount     prometheus.Gauge
	PendingDurable   prometheus.Gauge
	FlushesTotal     *prometheus.CounterVec
	FlushDuration    *prometheus.HistogramVec
	MarksTotal       *prometheus.CounterVec
}

// New registers every metric against reg and returns the bundle.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "e4s_index", Name: "cache_entries", Help: "Entries currently held in the hot cache.",
		}),
		MemoryUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "e4s_index", Name: "cache_memory_bytes", Help: "Approximate retained size of cached bitsets.",
		}),
		DirtyKVCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "e4s_index", Name: "dirty_kv_entries", Help: "KVKeys with unflushed fast-store writes.",
		}),
		PendingDurable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "e4s_index", Name: "pending_durable_entries", Help: "Coalesced durable-store writes awaiting the next flush tick.",
		}),
		FlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e4s_index", Name: "flushes_total", Help: "Flush attempts by target and outcome.",
		}, []string{"target", "outcome"}),
		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "e4s_index", Name: "flush_duration_seconds", Help: "Duration of each flush attempt, by target.",
		}, []string{"target"}),
		MarksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "e4s_index", Name: "marks_total", Help: "Values marked, by granularity.",
		}, []string{"granularity"}),
	}
	reg.MustRegister(m.CacheSize, m.MemoryUsageBytes, m.DirtyKVCount, m.PendingDurable, m.FlushesTotal, m.FlushDuration, m.MarksTotal)
	return m
}
