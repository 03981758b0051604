package models

import (
	"time"

	"go.uber.org/atomic"
)

// PoolStats is a point-in-time snapshot of connection pool state, safe to
// serialize onto a health endpoint.
type PoolStats struct {
	TotalConnections  int           `json:"total_connections"`
	ActiveConnections int           `json:"active_connections"`
	IdleConnections   int           `json:"idle_connections"`
	TotalQueries      int64         `json:"total_queries"`
	CacheHits         int64         `json:"cache_hits"`
	CacheMisses       int64         `json:"cache_misses"`
	AvgQueryTime      time.Duration `json:"avg_query_time_ns"`
	Errors            int64         `json:"errors"`
	LastHealthCheck   time.Time     `json:"last_health_check"`
	Healthy           bool          `json:"healthy"`
}

// CacheStats is a point-in-time snapshot of cache backend counters. All
// fields except Entries and SizeBytes accumulate monotonically.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Deletes   int64 `json:"deletes"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
	SizeBytes int64 `json:"size_bytes"`
	Entries   int64 `json:"entries"`
}

// TaskStats is a point-in-time snapshot of scheduler counters.
// Completed+Failed+Cancelled never exceeds Total; the remainder is
// pending or running work.
type TaskStats struct {
	Total         int64         `json:"total"`
	Completed     int64         `json:"completed"`
	Failed        int64         `json:"failed"`
	Cancelled     int64         `json:"cancelled"`
	Retried       int64         `json:"retried"`
	TotalExecTime time.Duration `json:"total_exec_time_ns"`
}

// CacheMetrics holds the live counters behind CacheStats.
type CacheMetrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Sets      atomic.Int64
	Deletes   atomic.Int64
	Evictions atomic.Int64
	Expired   atomic.Int64
	SizeBytes atomic.Int64
	Entries   atomic.Int64
}

// Snapshot copies the live counters into a plain CacheStats value.
func (m *CacheMetrics) Snapshot() CacheStats {
	return CacheStats{
		Hits:      m.Hits.Load(),
		Misses:    m.Misses.Load(),
		Sets:      m.Sets.Load(),
		Deletes:   m.Deletes.Load(),
		Evictions: m.Evictions.Load(),
		Expired:   m.Expired.Load(),
		SizeBytes: m.SizeBytes.Load(),
		Entries:   m.Entries.Load(),
	}
}
