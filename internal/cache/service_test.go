package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/hearth/internal/cache/memory"
)

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	backend := memory.New(memory.Options{MaxEntries: 100}, zap.NewNop())
	svc := NewService(backend, opts, zap.NewNop())
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestKeyDerivationDeterministic(t *testing.T) {
	k1 := Key("users", 42, "profile", map[string]any{"lang": "en", "full": true})
	k2 := Key("users", 42, "profile", map[string]any{"full": true, "lang": "en"})
	assert.Equal(t, k1, k2, "map argument order must not change the key")

	k3 := Key("users", 42, "profile")
	assert.NotEqual(t, k1, k3)

	assert.NotEqual(t, Key("p", "ab", "c"), Key("p", "a", "bc"),
		"length prefixing must keep adjacent args from colliding")
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	type profile struct {
		Name  string `json:"name"`
		Score int    `json:"score"`
	}

	require.NoError(t, svc.Set(ctx, "p", profile{Name: "ada", Score: 9}, 0))

	var got profile
	found, err := svc.Get(ctx, "p", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, profile{Name: "ada", Score: 9}, got)

	found, err = svc.Get(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, found, "a miss is a boolean, not an error")
}

func TestGetOrSetMemoizes(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	calls := atomic.NewInt64(0)
	factory := func(ctx context.Context) (any, error) {
		calls.Inc()
		return "computed", nil
	}

	var out string
	require.NoError(t, svc.GetOrSet(ctx, "k", &out, factory, 0))
	assert.Equal(t, "computed", out)

	out = ""
	require.NoError(t, svc.GetOrSet(ctx, "k", &out, factory, 0))
	assert.Equal(t, "computed", out)
	assert.Equal(t, int64(1), calls.Load(), "second call must hit the cache")
}

func TestGetOrSetConcurrentMissesShareOneFactoryCall(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	calls := atomic.NewInt64(0)
	factory := func(ctx context.Context) (any, error) {
		calls.Inc()
		time.Sleep(50 * time.Millisecond)
		return "computed", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out string
			assert.NoError(t, svc.GetOrSet(ctx, "k", &out, factory, 0))
			assert.Equal(t, "computed", out)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent misses must be deduplicated")
}

func TestGetOrSetFactoryError(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	wantErr := assert.AnError
	var out string
	err := svc.GetOrSet(ctx, "k", &out, func(ctx context.Context) (any, error) {
		return nil, wantErr
	}, 0)
	require.ErrorIs(t, err, wantErr)

	// The failed computation must not poison the key.
	found, err := svc.Get(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNegativeFilterSkipsUnwrittenKeys(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{
		EnableNegativeFilter:    true,
		FilterExpectedItems:     1000,
		FilterFalsePositiveRate: 0.01,
	})

	var out string
	found, err := svc.Get(ctx, "never-written", &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, svc.Set(ctx, "written", "v", 0))
	found, err = svc.Get(ctx, "written", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", out)
}

func TestInvalidationPassthrough(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{})

	require.NoError(t, svc.Set(ctx, "jobs:1", "a", 0, "jobs"))
	require.NoError(t, svc.Set(ctx, "jobs:2", "b", 0, "jobs"))
	require.NoError(t, svc.Set(ctx, "users:1", "c", 0, "users"))

	n, err := svc.InvalidateTag(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.InvalidatePattern(ctx, "users:")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Entries)
}

func TestDefaultTTLApplied(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, Options{DefaultTTL: 50 * time.Millisecond})

	require.NoError(t, svc.Set(ctx, "ephemeral", "v", 0))
	require.NoError(t, svc.Set(ctx, "pinned", "v", NoExpiry))

	time.Sleep(100 * time.Millisecond)

	var out string
	found, err := svc.Get(ctx, "ephemeral", &out)
	require.NoError(t, err)
	assert.False(t, found, "zero ttl must inherit the service default")

	found, err = svc.Get(ctx, "pinned", &out)
	require.NoError(t, err)
	assert.True(t, found, "NoExpiry must bypass the default ttl")
}
