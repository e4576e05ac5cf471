package session

import "sync/atomic"

// Latch holds a value that can be set at most once. The zero value is unset.
type Latch[T any] struct {
	p atomic.Pointer[T]
}

// Set stores v if the latch is unset and reports whether it did.
// A false result means an earlier value won and v was discarded.
func (l *Latch[T]) Set(v T) bool {
	return l.p.CompareAndSwap(nil, &v)
}

// Get returns the stored value and whether one was set.
func (l *Latch[T]) Get() (T, bool) {
	p := l.p.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

func (l *Latch[T]) IsSet() bool { return l.p.Load() != nil }
