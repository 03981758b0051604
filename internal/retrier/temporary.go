package retrier

import "errors"

// Temporary indicates an error condition that may succeed if retried.
type Temporary interface {
	Temporary() bool
}

// IsTemporary reports whether err (or anything it wraps) declares itself
// temporary.
func IsTemporary(err error) bool {
	var temp Temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}
