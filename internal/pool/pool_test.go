package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/hearth/config"
)

// fakeConn is an in-memory backing-store connection for tests.
type fakeConn struct {
	mu       sync.Mutex
	closed   bool
	pingErr  error
	execErr  error
	response any
}

func (c *fakeConn) Execute(ctx context.Context, query string, args ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.execErr != nil {
		return nil, c.execErr
	}
	if c.response != nil {
		return c.response, nil
	}
	return query, nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// countingFactory tracks every connection it creates.
type countingFactory struct {
	mu      sync.Mutex
	created []*fakeConn
	err     error
}

func (f *countingFactory) factory(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{}
	f.created = append(f.created, c)
	return c, nil
}

func (f *countingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newTestPool(t *testing.T, cfg config.PoolConfig) (*Pool, *countingFactory) {
	t.Helper()
	f := &countingFactory{}
	p := New(cfg, f.factory, zap.NewNop())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p, f
}

func TestStartIsIdempotent(t *testing.T) {
	p, f := newTestPool(t, config.PoolConfig{MinConnections: 2, MaxConnections: 4})
	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, 2, f.count(), "second Start must not create more connections")
	assert.Equal(t, 2, p.Stats().TotalConnections)
}

func TestAcquireBeforeStart(t *testing.T) {
	f := &countingFactory{}
	p := New(config.PoolConfig{MaxConnections: 1}, f.factory, zap.NewNop())
	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestScopedAcquisition(t *testing.T) {
	p, _ := newTestPool(t, config.PoolConfig{MinConnections: 1, MaxConnections: 1})

	err := p.WithConn(context.Background(), func(c Conn) error {
		return errors.New("boom")
	})
	require.Error(t, err)

	// The connection must be back in the pool despite the error.
	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h.Release()
}

func TestPoolBound(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, config.PoolConfig{
		MinConnections: 1,
		MaxConnections: 2,
		AcquireTimeout: 200 * time.Millisecond,
	})

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.count())

	// Third acquirer: release one connection before its timeout elapses.
	released := atomic.NewBool(false)
	go func() {
		time.Sleep(50 * time.Millisecond)
		released.Store(true)
		h1.Release()
	}()

	h3, err := p.Acquire(ctx)
	require.NoError(t, err, "third acquire should succeed after the release")
	assert.True(t, released.Load())
	assert.LessOrEqual(t, f.count(), 2, "the pool must never hold more than max connections")

	h2.Release()
	h3.Release()
}

func TestPoolExhaustion(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, config.PoolConfig{
		MinConnections: 1,
		MaxConnections: 2,
		AcquireTimeout: 100 * time.Millisecond,
	})

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"exhaustion must be reported at the configured timeout")

	h1.Release()
	h2.Release()
}

func TestUnhealthySwap(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, config.PoolConfig{MinConnections: 1, MaxConnections: 2})

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	firstID := h.ID()
	h.Release()

	p.MarkUnhealthy(firstID)

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, firstID, h2.ID(), "acquire must hand out a replacement connection")
	assert.True(t, f.created[0].isClosed(), "the unhealthy connection must be closed")
	assert.Equal(t, 1, p.Stats().TotalConnections, "one closed, one created")
	h2.Release()
}

func TestRecoveryFailure(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, config.PoolConfig{MinConnections: 1, MaxConnections: 2})

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	id := h.ID()
	h.Release()

	p.MarkUnhealthy(id)
	f.mu.Lock()
	f.err = errors.New("store down")
	f.mu.Unlock()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrRecoveryFailed)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, config.PoolConfig{MinConnections: 0, MaxConnections: 2, AcquireTimeout: 50 * time.Millisecond})

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)

	h1.Release()
	h2.Release()
	assert.Equal(t, 2, p.Stats().IdleConnections)

	// Double release is a no-op.
	h1.Release()
	assert.Equal(t, 2, p.Stats().IdleConnections)
	assert.Equal(t, 2, f.count())
}

func TestBurstShrinksToIdleBound(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, config.PoolConfig{
		MinConnections:     0,
		MaxConnections:     3,
		MaxIdleConnections: 1,
		AcquireTimeout:     50 * time.Millisecond,
	})

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	h3, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, f.count())

	h1.Release()
	h2.Release()
	h3.Release()

	stats := p.Stats()
	assert.Equal(t, 1, stats.IdleConnections, "releases beyond the idle bound must close connections")
	assert.Equal(t, 1, stats.TotalConnections)
}

func TestLazyCreationRetry(t *testing.T) {
	ctx := context.Background()
	f := &countingFactory{err: errors.New("store down")}
	p := New(config.PoolConfig{
		MinConnections: 2,
		MaxConnections: 2,
		AcquireTimeout: 50 * time.Millisecond,
	}, f.factory, zap.NewNop())
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { _ = p.Close() })

	assert.Equal(t, 0, p.Stats().TotalConnections)
	assert.GreaterOrEqual(t, p.Stats().Errors, int64(2))

	// The store comes back; the next acquire creates a connection.
	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, 1, p.Stats().TotalConnections)
}

func TestHealthCheckFlagsFailures(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, config.PoolConfig{
		MinConnections:      1,
		MaxConnections:      2,
		HealthCheckInterval: 30 * time.Millisecond,
		HealthCheckTimeout:  time.Second,
	})

	require.Eventually(t, func() bool {
		return !p.Stats().LastHealthCheck.IsZero()
	}, time.Second, 10*time.Millisecond)
	assert.True(t, p.Stats().Healthy)

	f.created[0].mu.Lock()
	f.created[0].pingErr = errors.New("connection reset")
	f.created[0].mu.Unlock()

	require.Eventually(t, func() bool {
		return !p.Stats().Healthy
	}, time.Second, 10*time.Millisecond)

	// The next acquire swaps in a healthy replacement.
	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, p.Stats().Healthy || p.Stats().TotalConnections == 1)
	h.Release()
}

func TestQueryResultCache(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, config.PoolConfig{
		MinConnections: 1,
		MaxConnections: 1,
		QueryCacheSize: 1 << 20,
		QueryCacheTTL:  time.Minute,
	})

	_, err := p.Query(ctx, "SELECT 1")
	require.NoError(t, err)

	// Ristretto admits asynchronously; poll until the hit lands.
	assert.Eventually(t, func() bool {
		_, err := p.Query(ctx, "SELECT 1")
		return err == nil && p.Stats().CacheHits >= 1
	}, time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, p.Stats().CacheMisses, int64(1))
}

func TestQueryStats(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, config.PoolConfig{MinConnections: 1, MaxConnections: 1})

	for i := 0; i < 3; i++ {
		_, err := p.Exec(ctx, "UPDATE t SET x = 1")
		require.NoError(t, err)
	}

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.TotalQueries)
	assert.GreaterOrEqual(t, stats.AvgQueryTime, time.Duration(0))
}

func TestClosedPool(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, config.PoolConfig{MinConnections: 1, MaxConnections: 1})

	require.NoError(t, p.Close())
	_, err := p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.True(t, f.created[0].isClosed())
}
