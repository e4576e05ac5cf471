// Package relay implements the buffer that holds inbound stream events until the
// consumer that will process them exists, then hands them over in arrival order
// and switches to direct pass-through.
package relay

import (
	"errors"
	"sync"
)

var (
	// ErrOverflow is returned once the buffered bytes would exceed the queue limit.
	// The queue stays failed: later calls to Enqueue and DrainInto return it too.
	ErrOverflow = errors.New("relay: queue capacity exceeded")
	// ErrDrained is returned by a second call to DrainInto.
	ErrDrained = errors.New("relay: queue already drained")
)

// Queue is an ordered, append-only buffer for a single stream.
//
// Before DrainInto is called, Enqueue buffers items. DrainInto hands every buffered
// item to the sink and, in the same critical section, marks the queue exhausted so
// that later Enqueue calls go straight to the sink. The sink is always invoked with
// the queue lock held; it must not block and must not call back into the queue.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	bytes   int
	limit   int
	size    func(T) int
	sink    func(T)
	drained bool
	err     error
}

// New returns an empty queue. limit bounds the sum of size(item) over buffered
// items; a limit <= 0 disables the bound. A nil size counts every item as one.
func New[T any](limit int, size func(T) int) *Queue[T] {
	if size == nil {
		size = func(T) int { return 1 }
	}
	return &Queue[T]{limit: limit, size: size}
}

// Enqueue appends item, or forwards it to the sink once the queue has been drained.
// It never blocks on the consumer.
func (q *Queue[T]) Enqueue(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return q.err
	}
	if q.drained {
		q.sink(item)
		return nil
	}
	n := q.size(item)
	if q.limit > 0 && q.bytes+n > q.limit {
		q.failLocked(ErrOverflow)
		return ErrOverflow
	}
	q.items = append(q.items, item)
	q.bytes += n
	return nil
}

// DrainInto delivers the buffered items to sink in order and switches the queue to
// pass-through. It may succeed only once.
func (q *Queue[T]) DrainInto(sink func(T)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.drained {
		return ErrDrained
	}
	if q.err != nil {
		return q.err
	}
	var zero T
	for i, item := range q.items {
		sink(item)
		q.items[i] = zero
	}
	q.items = nil
	q.bytes = 0
	q.sink = sink
	q.drained = true
	return nil
}

// Fail discards buffered items and makes every later call return err.
// It does nothing if the queue already failed.
func (q *Queue[T]) Fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		q.failLocked(err)
	}
}

func (q *Queue[T]) failLocked(err error) {
	q.err = err
	q.items = nil
	q.bytes = 0
}

// Drained reports whether the queue switched to pass-through.
func (q *Queue[T]) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drained
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Bytes returns the accounted size of the buffered items.
func (q *Queue[T]) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Err returns the error the queue failed with, if any.
func (q *Queue[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}
