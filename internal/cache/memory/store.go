// Package memory implements the bounded in-memory cache backend: LRU
// eviction over entry-count and byte budgets, lazy TTL expiry, and a
// tag index for bulk invalidation.
package memory

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"goflare.io/hearth/internal/models"
)

// SizeEstimator reports the byte cost of a serialized value. The default
// charges the encoded length; callers with out-of-band knowledge can
// supply their own.
type SizeEstimator func(data []byte) int64

// Options configures a Store.
type Options struct {
	MaxEntries    int
	MaxBytes      int64
	SweepInterval time.Duration
	SizeEstimator SizeEstimator
}

// Store is the in-memory backend. A single mutex guards the map, the
// recency list, and the tag index; the known throughput ceiling under
// contention is traded for correctness of the cross-structure updates.
type Store struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = least recently used
	tags    map[string]map[string]struct{}

	maxEntries int
	maxBytes   int64
	estimate   SizeEstimator

	metrics *models.CacheMetrics
	logger  *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Store and, when opts.SweepInterval > 0, starts the
// background sweep that reclaims expired entries nobody reads again.
func New(opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SizeEstimator == nil {
		opts.SizeEstimator = func(data []byte) int64 { return int64(len(data)) }
	}

	s := &Store{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		tags:       make(map[string]map[string]struct{}),
		maxEntries: opts.MaxEntries,
		maxBytes:   opts.MaxBytes,
		estimate:   opts.SizeEstimator,
		metrics:    &models.CacheMetrics{},
		logger:     logger,
		stop:       make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		go s.sweepLoop(opts.SweepInterval)
	}

	return s
}

// Get returns the entry for key, updating recency. Expired entries are
// removed and reported as a miss.
func (s *Store) Get(ctx context.Context, key string) (*models.Entry, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		s.metrics.Misses.Inc()
		return nil, false, nil
	}

	entry := elem.Value.(*models.Entry)
	if entry.IsExpired() {
		s.removeLocked(key, elem)
		s.metrics.Expired.Inc()
		s.metrics.Misses.Inc()
		return nil, false, nil
	}

	s.lru.MoveToBack(elem)
	entry.IncrementAccess()
	s.metrics.Hits.Inc()
	return entry, true, nil
}

// Set stores data under key, replacing any existing entry, then evicts
// least-recently-used entries until the store is back under budget.
func (s *Store) Set(ctx context.Context, key string, data []byte, ttl time.Duration, tags []string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	entry := models.NewEntry(key, data, expiresAt, tags)
	entry.Size = s.estimate(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		s.removeLocked(key, elem)
	}

	elem := s.lru.PushBack(entry)
	s.entries[key] = elem
	for _, tag := range tags {
		set, ok := s.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			s.tags[tag] = set
		}
		set[key] = struct{}{}
	}

	s.metrics.Sets.Inc()
	s.metrics.Entries.Inc()
	s.metrics.SizeBytes.Add(entry.Size)

	s.evictLocked()
	return nil
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	s.removeLocked(key, elem)
	s.metrics.Deletes.Inc()
	return true, nil
}

// Exists reports whether key is present and not expired, without
// touching recency.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if elem.Value.(*models.Entry).IsExpired() {
		s.removeLocked(key, elem)
		s.metrics.Expired.Inc()
		return false, nil
	}
	return true, nil
}

// Clear drops every entry and the tag index.
func (s *Store) Clear(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*list.Element)
	s.lru.Init()
	s.tags = make(map[string]map[string]struct{})
	s.metrics.Entries.Store(0)
	s.metrics.SizeBytes.Store(0)
	return nil
}

// InvalidateTag removes every entry tagged with tag.
func (s *Store) InvalidateTag(ctx context.Context, tag string) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.tags[tag]
	if !ok {
		return 0, nil
	}

	removed := 0
	for key := range set {
		if elem, ok := s.entries[key]; ok {
			s.removeLocked(key, elem)
			s.metrics.Deletes.Inc()
			removed++
		}
	}
	return removed, nil
}

// InvalidatePattern removes every entry whose key contains substr.
func (s *Store) InvalidatePattern(ctx context.Context, substr string) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []string
	for key := range s.entries {
		if strings.Contains(key, substr) {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		s.removeLocked(key, s.entries[key])
		s.metrics.Deletes.Inc()
	}
	return len(victims), nil
}

// Stats returns a snapshot of the store's counters.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	select {
	case <-ctx.Done():
		return models.CacheStats{}, ctx.Err()
	default:
	}
	return s.metrics.Snapshot(), nil
}

// Close stops the background sweep.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// evictLocked pops least-recently-used entries until both the entry and
// byte budgets are satisfied. Caller holds s.mu.
func (s *Store) evictLocked() {
	for {
		over := (s.maxEntries > 0 && len(s.entries) > s.maxEntries) ||
			(s.maxBytes > 0 && s.metrics.SizeBytes.Load() > s.maxBytes)
		if !over {
			return
		}
		front := s.lru.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*models.Entry)
		s.removeLocked(entry.Key, front)
		s.metrics.Evictions.Inc()
		s.logger.Debug("evicted cache entry",
			zap.String("key", entry.Key),
			zap.Int64("size", entry.Size))
	}
}

// removeLocked unlinks an entry from the map, the recency list, and the
// tag index, and settles size accounting. Caller holds s.mu.
func (s *Store) removeLocked(key string, elem *list.Element) {
	entry := elem.Value.(*models.Entry)
	s.lru.Remove(elem)
	delete(s.entries, key)
	for _, tag := range entry.Tags {
		if set, ok := s.tags[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(s.tags, tag)
			}
		}
	}
	s.metrics.Entries.Dec()
	s.metrics.SizeBytes.Sub(entry.Size)
}

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes expired entries in one pass. Expiry stays correct
// without it; this only bounds memory held by entries nobody reads.
func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*list.Element
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*models.Entry).IsExpired() {
			expired = append(expired, elem)
		}
	}
	for _, elem := range expired {
		entry := elem.Value.(*models.Entry)
		s.removeLocked(entry.Key, elem)
		s.metrics.Expired.Inc()
	}
}
