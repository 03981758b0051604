package hearth

import (
	"goflare.io/hearth/internal/pool"
	"goflare.io/hearth/internal/scheduler"
)

// Sentinel errors surfaced by the runtime's components. Cache misses are
// not errors; getters report them as a boolean.
var (
	ErrPoolExhausted     = pool.ErrPoolExhausted
	ErrPoolClosed        = pool.ErrPoolClosed
	ErrRecoveryFailed    = pool.ErrRecoveryFailed
	ErrPoolNotStarted    = pool.ErrNotStarted
	ErrSchedulerClosed   = scheduler.ErrSchedulerClosed
	ErrUnknownDependency = scheduler.ErrUnknownDependency
	ErrDependencyFailed  = scheduler.ErrDependencyFailed
)
