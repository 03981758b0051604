package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/hearth/internal/models"
	"goflare.io/hearth/pkg/serialization"
)

// Options configures the service layer.
type Options struct {
	DefaultTTL time.Duration
	Codec      serialization.Codec

	// EnableNegativeFilter short-circuits reads for keys that were never
	// written in this process. Deletions leave keys in the filter, which
	// only costs a backend round-trip, never a wrong answer.
	EnableNegativeFilter    bool
	FilterExpectedItems     uint
	FilterFalsePositiveRate float64
}

// Service wraps a Backend with value encoding, deterministic key
// derivation, and memoized get-or-compute.
type Service struct {
	backend    Backend
	codec      serialization.Codec
	defaultTTL time.Duration

	sf     singleflight.Group
	tracer trace.Tracer
	logger *zap.Logger

	filterMu sync.Mutex
	filter   *bloom.BloomFilter
}

// NewService creates a Service over backend.
func NewService(backend Backend, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	codec := opts.Codec
	if codec.Encoder == nil || codec.Decoder == nil {
		codec = serialization.JSON()
	}

	s := &Service{
		backend:    backend,
		codec:      codec,
		defaultTTL: opts.DefaultTTL,
		tracer:     otel.Tracer("hearth/cache"),
		logger:     logger,
	}

	if opts.EnableNegativeFilter {
		items := opts.FilterExpectedItems
		if items == 0 {
			items = 100_000
		}
		rate := opts.FilterFalsePositiveRate
		if rate <= 0 {
			rate = 0.01
		}
		s.filter = bloom.NewWithEstimates(items, rate)
	}

	return s
}

// Get decodes the cached value for key into out. A miss is (false, nil).
func (s *Service) Get(ctx context.Context, key string, out any) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "cache.Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if !s.mayContain(key) {
		return false, nil
	}

	entry, found, err := s.backend.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := s.codec.Unmarshal(entry.Data, out); err != nil {
		return false, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return true, nil
}

// Set encodes value and stores it under key. A zero ttl applies the
// service default; NoExpiry stores without expiry.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) error {
	ctx, span := s.tracer.Start(ctx, "cache.Set", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	data, err := s.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	if err := s.backend.Set(ctx, key, data, s.resolveTTL(ttl), tags); err != nil {
		return err
	}
	s.recordKey(key)
	return nil
}

// Delete removes key and reports whether it was present.
func (s *Service) Delete(ctx context.Context, key string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "cache.Delete", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()
	return s.backend.Delete(ctx, key)
}

// Exists reports presence without touching recency.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	if !s.mayContain(key) {
		return false, nil
	}
	return s.backend.Exists(ctx, key)
}

// Clear drops every entry and resets the negative filter.
func (s *Service) Clear(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "cache.Clear")
	defer span.End()

	if err := s.backend.Clear(ctx); err != nil {
		return err
	}
	s.filterMu.Lock()
	if s.filter != nil {
		s.filter.ClearAll()
	}
	s.filterMu.Unlock()
	return nil
}

// GetOrSet returns the cached value for key, computing and storing it via
// factory on a miss. Concurrent misses for the same key share one factory
// call; the composition is still not atomic with respect to writers.
func (s *Service) GetOrSet(ctx context.Context, key string, out any, factory func(ctx context.Context) (any, error), ttl time.Duration, tags ...string) error {
	ctx, span := s.tracer.Start(ctx, "cache.GetOrSet", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if found, err := s.Get(ctx, key, out); err != nil {
		return err
	} else if found {
		return nil
	}

	v, err, _ := s.sf.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// populated the key while we waited our turn.
		if entry, found, err := s.backend.Get(ctx, key); err != nil {
			return nil, err
		} else if found {
			return entry.Data, nil
		}

		value, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		data, err := s.codec.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
		if err := s.backend.Set(ctx, key, data, s.resolveTTL(ttl), tags); err != nil {
			return nil, err
		}
		s.recordKey(key)
		return data, nil
	})
	if err != nil {
		return err
	}

	if err := s.codec.Unmarshal(v.([]byte), out); err != nil {
		return fmt.Errorf("failed to decode cached value: %w", err)
	}
	return nil
}

// InvalidateTag removes every entry carrying tag.
func (s *Service) InvalidateTag(ctx context.Context, tag string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "cache.InvalidateTag", trace.WithAttributes(attribute.String("tag", tag)))
	defer span.End()

	n, err := s.backend.InvalidateTag(ctx, tag)
	if err == nil && n > 0 {
		s.logger.Debug("invalidated tag", zap.String("tag", tag), zap.Int("entries", n))
	}
	return n, err
}

// InvalidatePattern removes every entry whose key contains substr.
func (s *Service) InvalidatePattern(ctx context.Context, substr string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "cache.InvalidatePattern", trace.WithAttributes(attribute.String("pattern", substr)))
	defer span.End()

	n, err := s.backend.InvalidatePattern(ctx, substr)
	if err == nil && n > 0 {
		s.logger.Debug("invalidated pattern", zap.String("pattern", substr), zap.Int("entries", n))
	}
	return n, err
}

// Stats returns the backend's counters.
func (s *Service) Stats(ctx context.Context) (models.CacheStats, error) {
	return s.backend.Stats(ctx)
}

// Close releases the backend.
func (s *Service) Close() error {
	return s.backend.Close()
}

func (s *Service) resolveTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl == NoExpiry:
		return 0
	case ttl == 0:
		return s.defaultTTL
	default:
		return ttl
	}
}

func (s *Service) mayContain(key string) bool {
	if s.filter == nil {
		return true
	}
	s.filterMu.Lock()
	defer s.filterMu.Unlock()
	return s.filter.TestString(key)
}

func (s *Service) recordKey(key string) {
	if s.filter == nil {
		return
	}
	s.filterMu.Lock()
	s.filter.AddString(key)
	s.filterMu.Unlock()
}
