// Package config holds the configuration for the hearth runtime: connection
// pool, cache, and task scheduler settings plus the shared logger.
package config

import (
	"runtime"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/hearth/pkg/serialization"
)

// Config is the top-level configuration consumed by hearth.New.
type Config struct {
	Pool      PoolConfig
	Cache     CacheConfig
	Scheduler SchedulerConfig
	Logger    *zap.Logger
}

// PoolConfig controls the connection pool.
type PoolConfig struct {
	MinConnections int
	MaxConnections int

	// MaxIdleConnections bounds how many connections are kept idle after
	// a burst; releases beyond it close the connection instead of
	// queueing it. 0 means MaxConnections.
	MaxIdleConnections int

	// AcquireTimeout bounds the wait for an idle connection before the pool
	// either grows or reports exhaustion.
	AcquireTimeout time.Duration

	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration

	// QueryCacheSize is the byte budget for the pool's query-result cache.
	// 0 disables the cache.
	QueryCacheSize int64
	QueryCacheTTL  time.Duration

	// Breaker guards connection creation so a dead backing store does not
	// trigger a creation storm.
	Breaker gobreaker.Settings
}

// CacheConfig controls the cache backend and service layer.
type CacheConfig struct {
	// MaxEntries and MaxBytes bound the in-memory backend. Eviction is
	// strict LRU until both budgets are satisfied.
	MaxEntries int
	MaxBytes   int64

	DefaultTTL time.Duration

	// SweepInterval drives the background reclamation of expired entries
	// nobody reads again. 0 disables the sweep; correctness does not
	// depend on it.
	SweepInterval time.Duration

	// Negative-lookup filter: when enabled, reads for keys that were never
	// written skip the backend entirely.
	EnableNegativeFilter    bool
	FilterExpectedItems     uint
	FilterFalsePositiveRate float64

	Serialization serialization.Codec

	// Resilience settings for remote (redis) backends.
	Breaker       gobreaker.Settings
	RetryAttempts int
	RetryBaseWait time.Duration
	RetryMaxWait  time.Duration
}

// SchedulerConfig controls the background task scheduler.
type SchedulerConfig struct {
	Workers int

	// Per-task execution timeout. 0 means no timeout.
	TaskTimeout time.Duration

	DefaultMaxRetries int
	DefaultBaseDelay  time.Duration
	DefaultMultiplier float64

	// RecentLimit caps the RecentTasks listing.
	RecentLimit int
}

// NewConfig returns a Config populated with production defaults.
func NewConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MinConnections:      2,
			MaxConnections:      10,
			AcquireTimeout:      5 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			HealthCheckTimeout:  3 * time.Second,
			QueryCacheSize:      32 * 1024 * 1024,
			QueryCacheTTL:       time.Minute,
			Breaker:             gobreaker.Settings{Name: "pool-create"},
		},
		Cache: CacheConfig{
			MaxEntries:              10_000,
			MaxBytes:                256 * 1024 * 1024,
			DefaultTTL:              5 * time.Minute,
			SweepInterval:           time.Minute,
			EnableNegativeFilter:    false,
			FilterExpectedItems:     100_000,
			FilterFalsePositiveRate: 0.01,
			Serialization:           serialization.JSON(),
			Breaker:                 gobreaker.Settings{Name: "cache-remote"},
			RetryAttempts:           3,
			RetryBaseWait:           100 * time.Millisecond,
			RetryMaxWait:            time.Second,
		},
		Scheduler: SchedulerConfig{
			Workers:           runtime.NumCPU(),
			TaskTimeout:       0,
			DefaultMaxRetries: 3,
			DefaultBaseDelay:  time.Second,
			DefaultMultiplier: 2.0,
			RecentLimit:       100,
		},
		Logger: zap.NewNop(),
	}
}
