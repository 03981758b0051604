// Package hearth is the in-process runtime substrate shared by the
// application: a health-checked connection pool, a bounded TTL/LRU cache
// with tag invalidation, and a priority task scheduler with retries and
// dependency gating. The three components are constructed explicitly and
// passed by reference; there are no process-wide singletons.
package hearth

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"goflare.io/hearth/config"
	"goflare.io/hearth/internal/cache"
	"goflare.io/hearth/internal/cache/memory"
	"goflare.io/hearth/internal/cache/remote"
	"goflare.io/hearth/internal/pool"
	"goflare.io/hearth/internal/scheduler"
	"goflare.io/hearth/pkg/serialization"
)

// options carries construction state the Config does not.
type options struct {
	cfg       *config.Config
	redisOpts *redis.Options
	estimator memory.SizeEstimator
}

// Option customizes runtime construction.
type Option func(*options) error

// WithLogger sets the logger shared by all components.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) error {
		o.cfg.Logger = logger
		return nil
	}
}

// WithConfig replaces the default configuration wholesale.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return fmt.Errorf("config must not be nil")
		}
		o.cfg = cfg
		return nil
	}
}

// WithRemoteCache backs the cache with Redis instead of the in-memory
// store.
func WithRemoteCache(redisOpts *redis.Options) Option {
	return func(o *options) error {
		o.redisOpts = redisOpts
		return nil
	}
}

// WithSerialization selects the cache codec ("json" or "gob").
func WithSerialization(codecType string) Option {
	return func(o *options) error {
		switch codecType {
		case serialization.JSONType:
			o.cfg.Cache.Serialization = serialization.JSON()
		case serialization.GobType:
			o.cfg.Cache.Serialization = serialization.Gob()
		default:
			return fmt.Errorf("unsupported serialization type: %s", codecType)
		}
		return nil
	}
}

// WithSizeEstimator overrides the memory backend's byte-cost estimator.
func WithSizeEstimator(est memory.SizeEstimator) Option {
	return func(o *options) error {
		o.estimator = est
		return nil
	}
}

// Runtime bundles the three components behind one lifecycle.
type Runtime struct {
	pool      *pool.Pool
	cache     *cache.Service
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// New builds and starts a Runtime. factory creates backing-store
// connections for the pool; the cache uses the in-memory backend unless
// WithRemoteCache is given.
func New(ctx context.Context, factory pool.Factory, opts ...Option) (*Runtime, error) {
	o := &options{cfg: config.NewConfig()}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	cfg := o.cfg

	if cfg.Logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize default logger: %w", err)
		}
		cfg.Logger = logger
	}

	var backend cache.Backend
	if o.redisOpts != nil {
		client := redis.NewClient(o.redisOpts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		backend = remote.New(client, remote.Options{
			Breaker:       cfg.Cache.Breaker,
			RetryAttempts: cfg.Cache.RetryAttempts,
			RetryBaseWait: cfg.Cache.RetryBaseWait,
			RetryMaxWait:  cfg.Cache.RetryMaxWait,
		}, cfg.Logger)
	} else {
		backend = memory.New(memory.Options{
			MaxEntries:    cfg.Cache.MaxEntries,
			MaxBytes:      cfg.Cache.MaxBytes,
			SweepInterval: cfg.Cache.SweepInterval,
			SizeEstimator: o.estimator,
		}, cfg.Logger)
	}

	cacheSvc := cache.NewService(backend, cache.Options{
		DefaultTTL:              cfg.Cache.DefaultTTL,
		Codec:                   cfg.Cache.Serialization,
		EnableNegativeFilter:    cfg.Cache.EnableNegativeFilter,
		FilterExpectedItems:     cfg.Cache.FilterExpectedItems,
		FilterFalsePositiveRate: cfg.Cache.FilterFalsePositiveRate,
	}, cfg.Logger)

	p := pool.New(cfg.Pool, factory, cfg.Logger)
	if err := p.Start(ctx); err != nil {
		_ = cacheSvc.Close()
		return nil, fmt.Errorf("failed to start pool: %w", err)
	}

	sched := scheduler.New(cfg.Scheduler, cfg.Logger)
	if err := sched.Start(ctx); err != nil {
		_ = p.Close()
		_ = cacheSvc.Close()
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	return &Runtime{
		pool:      p,
		cache:     cacheSvc,
		scheduler: sched,
		logger:    cfg.Logger,
	}, nil
}

// Pool returns the connection pool.
func (r *Runtime) Pool() *pool.Pool { return r.pool }

// Cache returns the cache service.
func (r *Runtime) Cache() *cache.Service { return r.cache }

// Scheduler returns the task scheduler.
func (r *Runtime) Scheduler() *scheduler.Scheduler { return r.scheduler }

// Close tears the runtime down: scheduler first so draining tasks can
// still use the pool and cache.
func (r *Runtime) Close() error {
	r.scheduler.Stop()
	var firstErr error
	if err := r.pool.Close(); err != nil {
		firstErr = err
	}
	if err := r.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
