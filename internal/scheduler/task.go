// Package scheduler implements the background task scheduler: a stable
// priority queue, a fixed worker pool, exponential-backoff retries, and
// dependency gating through completion signals.
package scheduler

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSchedulerClosed is returned by Submit after Stop.
	ErrSchedulerClosed = errors.New("scheduler closed")
	// ErrUnknownDependency is recorded when a task depends on an id the
	// scheduler has never seen.
	ErrUnknownDependency = errors.New("unknown dependency task id")
	// ErrDependencyFailed is recorded when a dependency ends in a
	// terminal state other than completed.
	ErrDependencyFailed = errors.New("dependency did not complete")
)

// Priority orders ready tasks. Higher runs first; ties break FIFO by
// submission order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status is the task lifecycle state. Completed, Failed, and Cancelled
// are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Func is the unit of work. Failures are captured into the task, never
// returned to the submitter.
type Func func(ctx context.Context) (any, error)

// Result records one finished execution.
type Result struct {
	Success bool          `json:"success"`
	Value   any           `json:"value,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// task is the scheduler's internal record. All mutable fields are
// guarded by the scheduler's bookkeeping mutex; done is closed exactly
// once, on reaching a terminal state.
type task struct {
	id   string
	name string
	fn   Func

	priority   Priority
	status     Status
	retryCount int
	maxRetries int
	baseDelay  time.Duration
	multiplier float64

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	result       *Result
	errorHistory []string

	progressPct float64
	progressMsg string

	dependsOn []string
	done      chan struct{}
}

// Snapshot is the caller-visible view of a task.
type Snapshot struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Priority     string    `json:"priority"`
	Status       Status    `json:"status"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	Result       *Result   `json:"result,omitempty"`
	ErrorHistory []string  `json:"error_history,omitempty"`
	ProgressPct  float64   `json:"progress_pct"`
	ProgressMsg  string    `json:"progress_msg,omitempty"`
	DependsOn    []string  `json:"depends_on,omitempty"`
}

// snapshotLocked copies the task. Caller holds the scheduler mutex.
func (t *task) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:          t.id,
		Name:        t.name,
		Priority:    t.priority.String(),
		Status:      t.status,
		RetryCount:  t.retryCount,
		MaxRetries:  t.maxRetries,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
		ProgressPct: t.progressPct,
		ProgressMsg: t.progressMsg,
	}
	if t.result != nil {
		r := *t.result
		s.Result = &r
	}
	s.ErrorHistory = append(s.ErrorHistory, t.errorHistory...)
	s.DependsOn = append(s.DependsOn, t.dependsOn...)
	return s
}

// SubmitOption customizes one submission.
type SubmitOption func(*task)

// WithPriority sets the task's priority band.
func WithPriority(p Priority) SubmitOption {
	return func(t *task) { t.priority = p }
}

// WithMaxRetries bounds retry attempts after the initial failure.
func WithMaxRetries(n int) SubmitOption {
	return func(t *task) {
		if n >= 0 {
			t.maxRetries = n
		}
	}
}

// WithBackoff sets the base delay and multiplier for retry backoff.
func WithBackoff(base time.Duration, multiplier float64) SubmitOption {
	return func(t *task) {
		if base > 0 {
			t.baseDelay = base
		}
		if multiplier >= 1 {
			t.multiplier = multiplier
		}
	}
}

// WithDependencies gates execution until every listed task completes.
func WithDependencies(ids ...string) SubmitOption {
	return func(t *task) { t.dependsOn = append(t.dependsOn, ids...) }
}
