package models

import (
	"time"

	"go.uber.org/atomic"
)

// Entry is a single cache entry as stored by a backend. Data holds the
// serialized value; the service layer owns encoding and decoding.
type Entry struct {
	Key            string
	Data           []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time // zero means no expiry
	Size           int64
	Tags           []string
	AccessCount    *atomic.Int64
	LastAccessTime *atomic.Time
}

// NewEntry creates an Entry with access bookkeeping initialized.
func NewEntry(key string, data []byte, expiresAt time.Time, tags []string) *Entry {
	return &Entry{
		Key:            key,
		Data:           data,
		CreatedAt:      time.Now(),
		ExpiresAt:      expiresAt,
		Size:           int64(len(data)),
		Tags:           tags,
		AccessCount:    atomic.NewInt64(0),
		LastAccessTime: atomic.NewTime(time.Now()),
	}
}

// IsExpired reports whether the entry has passed its expiry time.
func (e *Entry) IsExpired() bool {
	return !e.ExpiresAt.IsZero() && time.Now().After(e.ExpiresAt)
}

// IncrementAccess records one read.
func (e *Entry) IncrementAccess() {
	e.AccessCount.Inc()
	e.LastAccessTime.Store(time.Now())
}

// HasTag reports whether the entry carries the given tag.
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
