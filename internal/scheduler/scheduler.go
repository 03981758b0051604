package scheduler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/hearth/config"
	"goflare.io/hearth/internal/models"
)

// Scheduler decouples deferrable work from the request path. Tasks are
// executed by a fixed worker pool in priority order; failures retry with
// exponential backoff and are absorbed into task state, never thrown
// back at the submitter.
type Scheduler struct {
	cfg    config.SchedulerConfig
	logger *zap.Logger
	tracer trace.Tracer

	queue *taskQueue

	mu     sync.Mutex
	tasks  map[string]*task
	timers map[string]*time.Timer

	started bool
	closed  bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	total     atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	retried   atomic.Int64
	execNanos atomic.Int64
}

// New creates a Scheduler. Call Start before submitting.
func New(cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	if cfg.DefaultBaseDelay <= 0 {
		cfg.DefaultBaseDelay = time.Second
	}
	if cfg.DefaultMultiplier < 1 {
		cfg.DefaultMultiplier = 2.0
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 100
	}

	return &Scheduler{
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("hearth/scheduler"),
		queue:  newTaskQueue(),
		tasks:  make(map[string]*task),
		timers: make(map[string]*time.Timer),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker pool. A second call is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	if s.started {
		return nil
	}
	s.started = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.logger.Info("scheduler started", zap.Int("workers", s.cfg.Workers))
	return nil
}

// Stop closes intake and waits for workers to drain the queue. Parked
// and retrying tasks are abandoned in place; there is no durability.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	close(s.stopCh)

	s.queue.close()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Submit registers fn and enqueues it, or parks it until its
// dependencies complete. It returns the task id immediately.
func (s *Scheduler) Submit(ctx context.Context, name string, fn Func, opts ...SubmitOption) (string, error) {
	_, span := s.tracer.Start(ctx, "scheduler.Submit", trace.WithAttributes(attribute.String("task", name)))
	defer span.End()

	t := &task{
		id:         uuid.NewString(),
		name:       name,
		fn:         fn,
		priority:   PriorityNormal,
		status:     StatusPending,
		maxRetries: s.cfg.DefaultMaxRetries,
		baseDelay:  s.cfg.DefaultBaseDelay,
		multiplier: s.cfg.DefaultMultiplier,
		createdAt:  time.Now(),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	s.mu.Lock()
	if s.closed || !s.started {
		s.mu.Unlock()
		return "", ErrSchedulerClosed
	}
	var deps []*task
	for _, depID := range t.dependsOn {
		dep, ok := s.tasks[depID]
		if !ok {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrUnknownDependency, depID)
		}
		deps = append(deps, dep)
	}
	s.tasks[t.id] = t
	s.mu.Unlock()

	s.total.Inc()

	if len(deps) > 0 {
		go s.watchDependencies(t, deps)
	} else {
		s.queue.push(t)
	}

	s.logger.Debug("task submitted",
		zap.String("task_id", t.id),
		zap.String("task", t.name),
		zap.Stringer("priority", t.priority))
	return t.id, nil
}

// watchDependencies enqueues t exactly when every dependency reaches a
// terminal state, waking on their completion signals instead of polling.
// A dependency that ends failed or cancelled fails t immediately.
func (s *Scheduler) watchDependencies(t *task, deps []*task) {
	for _, dep := range deps {
		select {
		case <-dep.done:
		case <-t.done:
			// Dependent was cancelled while parked.
			return
		case <-s.stopCh:
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.status != StatusPending {
		return
	}
	for _, dep := range deps {
		if dep.status != StatusCompleted {
			t.errorHistory = append(t.errorHistory,
				fmt.Sprintf("%v: %s is %s", ErrDependencyFailed, dep.id, dep.status))
			s.finishLocked(t, StatusFailed, &Result{
				Success: false,
				Error:   fmt.Sprintf("%v: %s", ErrDependencyFailed, dep.id),
			})
			return
		}
	}
	s.queue.push(t)
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		t, ok := s.queue.pop()
		if !ok {
			return
		}

		s.mu.Lock()
		if t.status != StatusPending {
			// Cancelled while queued.
			s.mu.Unlock()
			continue
		}
		t.status = StatusRunning
		t.startedAt = time.Now()
		s.mu.Unlock()

		s.run(ctx, t)
	}
}

// run executes one attempt. Panics and errors become task state; a
// worker never crashes.
func (s *Scheduler) run(ctx context.Context, t *task) {
	runCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.TaskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
	}

	start := time.Now()
	value, err := s.invoke(runCtx, t)
	elapsed := time.Since(start)
	if cancel != nil {
		cancel()
	}
	s.execNanos.Add(elapsed.Nanoseconds())

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.finishLocked(t, StatusCompleted, &Result{Success: true, Value: value, Elapsed: elapsed})
		return
	}

	t.errorHistory = append(t.errorHistory, err.Error())
	if t.retryCount < t.maxRetries {
		t.retryCount++
		t.status = StatusRetrying
		s.retried.Inc()
		delay := time.Duration(float64(t.baseDelay) * math.Pow(t.multiplier, float64(t.retryCount-1)))
		s.scheduleRetryLocked(t, delay)
		s.logger.Warn("task failed, retrying",
			zap.String("task_id", t.id),
			zap.String("task", t.name),
			zap.Int("retry", t.retryCount),
			zap.Duration("delay", delay),
			zap.Error(err))
		return
	}

	s.finishLocked(t, StatusFailed, &Result{Success: false, Error: err.Error(), Elapsed: elapsed})
	s.logger.Error("task failed permanently",
		zap.String("task_id", t.id),
		zap.String("task", t.name),
		zap.Int("attempts", t.retryCount+1),
		zap.Error(err))
}

func (s *Scheduler) invoke(ctx context.Context, t *task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.fn(ctx)
}

// scheduleRetryLocked arms the delayed re-enqueue. The task keeps its
// priority but receives a new queue sequence when the timer fires, so it
// re-enters at the back of its priority band. Caller holds s.mu.
func (s *Scheduler) scheduleRetryLocked(t *task, delay time.Duration) {
	s.timers[t.id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, t.id)
		if t.status != StatusRetrying {
			s.mu.Unlock()
			return
		}
		t.status = StatusPending
		s.mu.Unlock()
		s.queue.push(t)
	})
}

// finishLocked moves a task to a terminal state exactly once: records
// the result, closes the completion signal, and settles counters.
// Caller holds s.mu.
func (s *Scheduler) finishLocked(t *task, status Status, result *Result) {
	if t.status.Terminal() {
		return
	}
	t.status = status
	t.completedAt = time.Now()
	t.result = result
	close(t.done)

	switch status {
	case StatusCompleted:
		s.completed.Inc()
	case StatusFailed:
		s.failed.Inc()
	case StatusCancelled:
		s.cancelled.Inc()
	}
}

// Cancel moves a pending or retrying task to cancelled and returns true.
// Running and terminal tasks are untouched; running work is never
// preempted.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	switch t.status {
	case StatusPending, StatusRetrying:
	default:
		return false
	}

	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
	s.finishLocked(t, StatusCancelled, nil)
	s.logger.Debug("task cancelled", zap.String("task_id", id))
	return true
}

// UpdateProgress records completion percentage and a message on a
// non-terminal task.
func (s *Scheduler) UpdateProgress(id string, pct float64, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.status.Terminal() {
		return false
	}
	t.progressPct = math.Max(0, math.Min(100, pct))
	t.progressMsg = msg
	return true
}

// Status returns a snapshot of one task.
func (s *Scheduler) Status(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshotLocked(), true
}

// Wait blocks until the task reaches a terminal state or ctx expires.
func (s *Scheduler) Wait(ctx context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("unknown task id: %s", id)
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return t.snapshotLocked(), nil
}

// PendingTasks lists tasks that are pending or retrying, most recent
// first.
func (s *Scheduler) PendingTasks() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Snapshot
	for _, t := range s.tasks {
		if t.status == StatusPending || t.status == StatusRetrying {
			out = append(out, t.snapshotLocked())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// RecentTasks lists up to n tasks by creation time, most recent first.
// n <= 0 applies the configured limit.
func (s *Scheduler) RecentTasks(n int) []Snapshot {
	if n <= 0 {
		n = s.cfg.RecentLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshotLocked())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// CleanupOldTasks deletes terminal tasks that finished more than maxAge
// ago and returns the number removed. This bounds bookkeeping memory.
func (s *Scheduler) CleanupOldTasks(maxAge time.Duration) int {
	horizon := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, t := range s.tasks {
		if t.status.Terminal() && t.completedAt.Before(horizon) {
			delete(s.tasks, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("cleaned up old tasks", zap.Int("removed", removed))
	}
	return removed
}

// QueueLen reports the number of ready tasks waiting for a worker.
func (s *Scheduler) QueueLen() int {
	return s.queue.len()
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() models.TaskStats {
	return models.TaskStats{
		Total:         s.total.Load(),
		Completed:     s.completed.Load(),
		Failed:        s.failed.Load(),
		Cancelled:     s.cancelled.Load(),
		Retried:       s.retried.Load(),
		TotalExecTime: time.Duration(s.execNanos.Load()),
	}
}
