package hearth

import (
	"goflare.io/hearth/internal/cache"
	"goflare.io/hearth/internal/models"
	"goflare.io/hearth/internal/pool"
	"goflare.io/hearth/internal/scheduler"
)

// Aliases exposing the component APIs at the library boundary.
type (
	// Conn is one backing-store connection handle.
	Conn = pool.Conn
	// Factory creates backing-store connections for the pool.
	Factory = pool.Factory
	// PoolHandle is a scoped acquisition of one pooled connection.
	PoolHandle = pool.Handle

	// Priority orders ready tasks.
	Priority = scheduler.Priority
	// TaskStatus is the task lifecycle state.
	TaskStatus = scheduler.Status
	// TaskFunc is the unit of scheduled work.
	TaskFunc = scheduler.Func
	// TaskSnapshot is the caller-visible view of a task.
	TaskSnapshot = scheduler.Snapshot
	// SubmitOption customizes one task submission.
	SubmitOption = scheduler.SubmitOption

	// PoolStats, CacheStats, and TaskStats are JSON-serializable
	// snapshots for a health or metrics endpoint.
	PoolStats  = models.PoolStats
	CacheStats = models.CacheStats
	TaskStats  = models.TaskStats
)

const (
	PriorityLow      = scheduler.PriorityLow
	PriorityNormal   = scheduler.PriorityNormal
	PriorityHigh     = scheduler.PriorityHigh
	PriorityCritical = scheduler.PriorityCritical

	StatusPending   = scheduler.StatusPending
	StatusRunning   = scheduler.StatusRunning
	StatusRetrying  = scheduler.StatusRetrying
	StatusCompleted = scheduler.StatusCompleted
	StatusFailed    = scheduler.StatusFailed
	StatusCancelled = scheduler.StatusCancelled

	// NoExpiry as a TTL stores a cache entry without an expiry time.
	NoExpiry = cache.NoExpiry
)

// Submission options, re-exported from the scheduler.
var (
	WithPriority     = scheduler.WithPriority
	WithMaxRetries   = scheduler.WithMaxRetries
	WithBackoff      = scheduler.WithBackoff
	WithDependencies = scheduler.WithDependencies
)

// CacheKey derives a deterministic cache key from a prefix and call
// arguments; see the cache service layer for the hashing rules.
func CacheKey(prefix string, args ...any) string {
	return cache.Key(prefix, args...)
}
