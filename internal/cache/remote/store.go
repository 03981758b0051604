// Package remote implements the cache backend over Redis for deployments
// that outgrow a single process. It satisfies the same capability
// interface as the in-memory backend; tags are mirrored into Redis sets.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/hearth/internal/models"
	"goflare.io/hearth/internal/retrier"
)

const (
	tagPrefix     = "hearth:tag:"
	keyTagsPrefix = "hearth:keytags:"
)

// Options configures the remote store's resilience envelope.
type Options struct {
	Breaker       gobreaker.Settings
	RetryAttempts int
	RetryBaseWait time.Duration
	RetryMaxWait  time.Duration
}

// Store is the Redis-backed cache backend. Every round-trip runs inside
// a circuit breaker and a bounded retry loop.
type Store struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	retry   *retrier.Retrier
	metrics *models.CacheMetrics
	logger  *zap.Logger
}

// New creates a Store over an established Redis client.
func New(client *redis.Client, opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	retryIf := func(err error) bool { return !errors.Is(err, redis.Nil) }
	return &Store{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(opts.Breaker),
		retry:   retrier.New(opts.RetryAttempts, opts.RetryBaseWait, opts.RetryMaxWait, 2.0, 0.1, retryIf),
		metrics: &models.CacheMetrics{},
		logger:  logger,
	}
}

func (s *Store) execute(ctx context.Context, fn func() error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.retry.Run(ctx, fn)
	})
	return err
}

// Get fetches key. Expiry is enforced by Redis itself, so a returned
// entry carries no expiry time.
func (s *Store) Get(ctx context.Context, key string) (*models.Entry, bool, error) {
	var data []byte
	err := s.execute(ctx, func() error {
		var err error
		data, err = s.client.Get(ctx, key).Bytes()
		return err
	})
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.metrics.Misses.Inc()
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	s.metrics.Hits.Inc()
	entry := models.NewEntry(key, data, time.Time{}, nil)
	entry.IncrementAccess()
	return entry, true, nil
}

// Set stores data under key and indexes its tags.
func (s *Store) Set(ctx context.Context, key string, data []byte, ttl time.Duration, tags []string) error {
	if ttl < 0 {
		ttl = 0 // no expiry
	}

	err := s.execute(ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, key, data, ttl)
		if len(tags) > 0 {
			members := make([]any, len(tags))
			for i, tag := range tags {
				pipe.SAdd(ctx, tagPrefix+tag, key)
				members[i] = tag
			}
			pipe.SAdd(ctx, keyTagsPrefix+key, members...)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.metrics.Sets.Inc()
	return nil
}

// Delete removes key and detaches it from the tag index.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	var removed int64
	err := s.execute(ctx, func() error {
		tags, err := s.client.SMembers(ctx, keyTagsPrefix+key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		pipe := s.client.TxPipeline()
		del := pipe.Del(ctx, key)
		for _, tag := range tags {
			pipe.SRem(ctx, tagPrefix+tag, key)
		}
		pipe.Del(ctx, keyTagsPrefix+key)
		if _, err = pipe.Exec(ctx); err != nil {
			return err
		}
		removed = del.Val()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete failed: %w", err)
	}

	if removed > 0 {
		s.metrics.Deletes.Inc()
	}
	return removed > 0, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := s.execute(ctx, func() error {
		var err error
		n, err = s.client.Exists(ctx, key).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n == 1, nil
}

// Clear flushes the database.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.execute(ctx, func() error {
		return s.client.FlushDB(ctx).Err()
	}); err != nil {
		return fmt.Errorf("redis flush failed: %w", err)
	}
	return nil
}

// InvalidateTag removes every key in the tag's set, then the set itself.
func (s *Store) InvalidateTag(ctx context.Context, tag string) (int, error) {
	removed := 0
	err := s.execute(ctx, func() error {
		keys, err := s.client.SMembers(ctx, tagPrefix+tag).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if len(keys) == 0 {
			return nil
		}

		pipe := s.client.TxPipeline()
		for _, key := range keys {
			pipe.Del(ctx, key)
			pipe.Del(ctx, keyTagsPrefix+key)
		}
		pipe.Del(ctx, tagPrefix+tag)
		if _, err = pipe.Exec(ctx); err != nil {
			return err
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis tag invalidation failed: %w", err)
	}

	s.metrics.Deletes.Add(int64(removed))
	return removed, nil
}

// InvalidatePattern scans for keys containing substr and removes them.
// Index keys under the hearth: prefix are skipped.
func (s *Store) InvalidatePattern(ctx context.Context, substr string) (int, error) {
	removed := 0
	err := s.execute(ctx, func() error {
		var cursor uint64
		for {
			keys, next, err := s.client.Scan(ctx, cursor, "*"+substr+"*", 1000).Result()
			if err != nil {
				return err
			}
			for _, key := range keys {
				if strings.HasPrefix(key, tagPrefix) || strings.HasPrefix(key, keyTagsPrefix) {
					continue
				}
				if _, err = s.Delete(ctx, key); err != nil {
					return err
				}
				removed++
			}
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return removed, fmt.Errorf("redis pattern invalidation failed: %w", err)
	}
	return removed, nil
}

// Stats reports local counters plus the live key count from Redis.
func (s *Store) Stats(ctx context.Context) (models.CacheStats, error) {
	stats := s.metrics.Snapshot()
	var n int64
	if err := s.execute(ctx, func() error {
		var err error
		n, err = s.client.DBSize(ctx).Result()
		return err
	}); err != nil {
		return stats, fmt.Errorf("redis dbsize failed: %w", err)
	}
	stats.Entries = n
	return stats, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
