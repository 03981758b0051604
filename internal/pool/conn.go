// Package pool implements the bounded, health-checked connection pool in
// front of the backing store.
package pool

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

var (
	// ErrPoolExhausted is returned by Acquire when no connection frees up
	// within the acquire timeout and the pool is at maximum size.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrPoolClosed is returned for operations on a closed pool.
	ErrPoolClosed = errors.New("connection pool closed")
	// ErrRecoveryFailed is returned when an unhealthy connection could not
	// be replaced during acquire.
	ErrRecoveryFailed = errors.New("connection recovery failed")
	// ErrNotStarted is returned when the pool is used before Start.
	ErrNotStarted = errors.New("connection pool not started")
)

// Conn is one handle to the backing store. The pool never interprets
// query semantics; Ping must be a trivial round-trip.
type Conn interface {
	Execute(ctx context.Context, query string, args ...any) (any, error)
	Ping(ctx context.Context) error
	Close() error
}

// Factory creates a new backing-store connection.
type Factory func(ctx context.Context) (Conn, error)

// pooledConn wraps a Conn with the pool's bookkeeping. It is handed to
// exactly one caller at a time.
type pooledConn struct {
	id        string
	conn      Conn
	createdAt time.Time
	lastUsed  *atomic.Time
	queries   *atomic.Int64
	healthy   *atomic.Bool
}

func newPooledConn(conn Conn) *pooledConn {
	return &pooledConn{
		id:        uuid.NewString(),
		conn:      conn,
		createdAt: time.Now(),
		lastUsed:  atomic.NewTime(time.Now()),
		queries:   atomic.NewInt64(0),
		healthy:   atomic.NewBool(true),
	}
}

func (pc *pooledConn) touch() {
	pc.lastUsed.Store(time.Now())
}
