package pool

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/atomic"
)

// queryCache is the read-through result cache layered on the pool. Hit
// and miss counts surface in PoolStats.
type queryCache struct {
	cache  *ristretto.Cache
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

// newQueryCache sizes a ristretto cache from a byte budget, assuming
// roughly 1KB per cached result (the same sizing heuristic the cache
// config uses). Returns nil when the budget is zero.
func newQueryCache(sizeBytes int64, ttl time.Duration) *queryCache {
	if sizeBytes <= 0 {
		return nil
	}
	maxCost := sizeBytes / 1024
	if maxCost < 64 {
		maxCost = 64
	}

	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil
	}
	return &queryCache{cache: c, ttl: ttl}
}

func (q *queryCache) get(key string) (any, bool) {
	v, ok := q.cache.Get(key)
	if ok {
		q.hits.Inc()
	} else {
		q.misses.Inc()
	}
	return v, ok
}

func (q *queryCache) set(key string, value any) {
	if q.ttl > 0 {
		q.cache.SetWithTTL(key, value, 1, q.ttl)
	} else {
		q.cache.Set(key, value, 1)
	}
}

func (q *queryCache) counters() (hits, misses int64) {
	return q.hits.Load(), q.misses.Load()
}

func (q *queryCache) close() {
	q.cache.Close()
}
