package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/hearth/config"
	"goflare.io/hearth/internal/models"
	"goflare.io/hearth/internal/utils"
)

// Pool owns a bounded set of reusable connections to the backing store.
// Connections are tracked by id so an unhealthy one can be swapped out
// without scanning the fleet.
type Pool struct {
	cfg     config.PoolConfig
	factory Factory
	logger  *zap.Logger
	tracer  trace.Tracer
	breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	conns    map[string]*pooledConn
	reserved int // in-flight creations, counted against MaxConnections
	idle     chan *pooledConn
	started  bool
	closed   bool
	stop     chan struct{}

	qcache *queryCache

	totalQueries  atomic.Int64
	queryTimeNano atomic.Int64
	errorCount    atomic.Int64
	lastHealth    atomic.Time
	healthy       atomic.Bool
}

// New creates a Pool. Call Start before acquiring.
func New(cfg config.PoolConfig, factory Factory, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1
	}
	if cfg.MinConnections < 0 {
		cfg.MinConnections = 0
	}
	if cfg.MinConnections > cfg.MaxConnections {
		cfg.MinConnections = cfg.MaxConnections
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	idleCap := cfg.MaxIdleConnections
	if idleCap <= 0 || idleCap > cfg.MaxConnections {
		idleCap = cfg.MaxConnections
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		tracer:  otel.Tracer("hearth/pool"),
		breaker: gobreaker.NewCircuitBreaker(cfg.Breaker),
		conns:   make(map[string]*pooledConn),
		idle:    make(chan *pooledConn, idleCap),
		stop:    make(chan struct{}),
		qcache:  newQueryCache(cfg.QueryCacheSize, cfg.QueryCacheTTL),
	}
	p.healthy.Store(true)
	return p
}

// Start eagerly creates the minimum connection set and launches the
// health-check loop. A second call is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.cfg.MinConnections; i++ {
		pc, err := p.createConn(ctx)
		if err != nil {
			// Creation failures are retried lazily on the next acquire,
			// never eagerly looped.
			p.logger.Warn("failed to create initial connection", zap.Error(err))
			continue
		}
		p.idle <- pc
	}

	if p.cfg.HealthCheckInterval > 0 {
		go p.healthLoop(ctx)
	}
	return nil
}

// Acquire hands out one connection, waiting up to the acquire timeout for
// an idle one before growing the pool. An unhealthy connection is swapped
// for a fresh one inline.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	ctx, span := p.tracer.Start(ctx, "pool.Acquire")
	defer span.End()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if !p.started {
		p.mu.Unlock()
		return nil, ErrNotStarted
	}
	p.mu.Unlock()

	var pc *pooledConn
	select {
	case pc = <-p.idle:
	default:
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		select {
		case pc = <-p.idle:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			var err error
			if pc, err = p.growOnTimeout(ctx); err != nil {
				return nil, err
			}
		}
	}

	if !pc.healthy.Load() {
		replacement, err := p.replaceConn(ctx, pc)
		if err != nil {
			return nil, err
		}
		pc = replacement
	}

	pc.touch()
	return &Handle{pool: p, pc: pc}, nil
}

// WithConn runs fn with an acquired connection, releasing it on every
// exit path.
func (p *Pool) WithConn(ctx context.Context, fn func(Conn) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h.Conn())
}

// Exec runs query on a pooled connection, bypassing the query cache.
func (p *Pool) Exec(ctx context.Context, query string, args ...any) (any, error) {
	var result any
	err := p.WithConn(ctx, func(c Conn) error {
		var err error
		result, err = p.execute(ctx, c, query, args...)
		return err
	})
	return result, err
}

// Query runs a read query with the pool's result cache in front. Cache
// hits and misses feed Stats.
func (p *Pool) Query(ctx context.Context, query string, args ...any) (any, error) {
	if p.qcache == nil {
		return p.Exec(ctx, query, args...)
	}

	parts := make([]string, 0, len(args)+1)
	parts = append(parts, query)
	for _, a := range args {
		parts = append(parts, fmt.Sprintf("%v", a))
	}
	key := utils.HashParts(parts...)

	if v, ok := p.qcache.get(key); ok {
		return v, nil
	}

	result, err := p.Exec(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	p.qcache.set(key, result)
	return result, nil
}

func (p *Pool) execute(ctx context.Context, c Conn, query string, args ...any) (any, error) {
	start := time.Now()
	result, err := c.Execute(ctx, query, args...)
	p.totalQueries.Inc()
	p.queryTimeNano.Add(time.Since(start).Nanoseconds())
	if err != nil {
		p.errorCount.Inc()
		return nil, err
	}
	return result, nil
}

// release returns a connection to the idle set. When the idle channel is
// already full the connection is closed instead of queued, so a burst
// cannot grow the pool permanently.
func (p *Pool) release(pc *pooledConn) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed || !pc.healthy.Load() {
		p.discard(pc)
		return
	}

	pc.touch()
	select {
	case p.idle <- pc:
	default:
		p.discard(pc)
	}
}

// discard closes a connection and forgets it.
func (p *Pool) discard(pc *pooledConn) {
	p.mu.Lock()
	delete(p.conns, pc.id)
	p.mu.Unlock()

	if err := pc.conn.Close(); err != nil {
		p.logger.Warn("failed to close connection", zap.String("conn_id", pc.id), zap.Error(err))
	}
}

// growOnTimeout creates a new connection when the wait timed out and the
// pool is still under its maximum, otherwise reports exhaustion.
func (p *Pool) growOnTimeout(ctx context.Context) (*pooledConn, error) {
	pc, err := p.createConn(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrPoolClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to grow pool: %w", err)
	}
	return pc, nil
}

// replaceConn swaps an unhealthy connection for a fresh one, keeping the
// tracked set the same size. One closed, one created.
func (p *Pool) replaceConn(ctx context.Context, old *pooledConn) (*pooledConn, error) {
	p.logger.Warn("replacing unhealthy connection", zap.String("conn_id", old.id))

	if err := old.conn.Close(); err != nil {
		p.logger.Warn("failed to close unhealthy connection", zap.String("conn_id", old.id), zap.Error(err))
	}
	p.mu.Lock()
	delete(p.conns, old.id)
	p.mu.Unlock()

	pc, err := p.createConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
	}
	return pc, nil
}

// createConn makes one connection through the creation breaker and
// tracks it. A slot is reserved up front so concurrent creations can
// never push the pool past MaxConnections. Failures count toward the
// pool's error counter.
func (p *Pool) createConn(ctx context.Context) (*pooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if len(p.conns)+p.reserved >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.reserved++
	p.mu.Unlock()

	v, err := p.breaker.Execute(func() (any, error) {
		return p.factory(ctx)
	})

	p.mu.Lock()
	p.reserved--
	if err != nil {
		p.mu.Unlock()
		p.errorCount.Inc()
		return nil, err
	}
	pc := newPooledConn(v.(Conn))
	if p.closed {
		p.mu.Unlock()
		_ = pc.conn.Close()
		return nil, ErrPoolClosed
	}
	p.conns[pc.id] = pc
	p.mu.Unlock()

	p.logger.Debug("created connection", zap.String("conn_id", pc.id))
	return pc, nil
}

// Stats returns a snapshot of pool state.
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	total := len(p.conns)
	p.mu.Unlock()
	idle := len(p.idle)

	queries := p.totalQueries.Load()
	var avg time.Duration
	if queries > 0 {
		avg = time.Duration(p.queryTimeNano.Load() / queries)
	}

	var hits, misses int64
	if p.qcache != nil {
		hits, misses = p.qcache.counters()
	}

	return models.PoolStats{
		TotalConnections:  total,
		ActiveConnections: total - idle,
		IdleConnections:   idle,
		TotalQueries:      queries,
		CacheHits:         hits,
		CacheMisses:       misses,
		AvgQueryTime:      avg,
		Errors:            p.errorCount.Load(),
		LastHealthCheck:   p.lastHealth.Load(),
		Healthy:           p.healthy.Load(),
	}
}

// Close tears down the pool. Idle connections are closed immediately;
// checked-out connections are closed on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	for {
		select {
		case pc := <-p.idle:
			p.discard(pc)
		default:
			if p.qcache != nil {
				p.qcache.close()
			}
			return nil
		}
	}
}

// Handle is a scoped acquisition of one connection. Release is
// idempotent and must be called on every exit path.
type Handle struct {
	pool     *Pool
	pc       *pooledConn
	released atomic.Bool
}

// Conn exposes the underlying connection.
func (h *Handle) Conn() Conn { return h.pc.conn }

// ID returns the pooled connection's identifier.
func (h *Handle) ID() string { return h.pc.id }

// Execute runs a query on the held connection with stats recording.
func (h *Handle) Execute(ctx context.Context, query string, args ...any) (any, error) {
	h.pc.queries.Inc()
	h.pc.touch()
	return h.pool.execute(ctx, h.pc.conn, query, args...)
}

// Release returns the connection to the pool.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.pool.release(h.pc)
	}
}
