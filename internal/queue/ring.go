// Package queue provides the wait-free single-producer single-consumer ring
// that hands sample batches from the front-end to the stream processor.
//
// Exactly one goroutine may call TryEnqueue and exactly one (possibly
// different) goroutine may call TryDequeue. Neither call blocks, allocates or
// takes a lock. Len and Cap are safe from any goroutine.
package queue

import (
	"math/bits"
	"sync/atomic"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/iq"
)

const cacheLine = 64

// Sentinel errors for callers that want error values instead of booleans
var (
	ErrQueueFull = errors.New(errors.NewStd("sample queue full")).
			Component("queue").
			Category(errors.CategoryQueue).
			Build()
	ErrQueueEmpty = errors.New(errors.NewStd("sample queue empty")).
			Component("queue").
			Category(errors.CategoryQueue).
			Build()
)

// Ring is a bounded lock-free SPSC FIFO.
//
// head counts dequeued items and is written only by the consumer, tail counts
// enqueued items and is written only by the producer. The slot write happens
// before the tail store that publishes it, and the consumer loads tail before
// reading the slot, so a dequeued value is always fully written.
type Ring[T any] struct {
	buf  []T
	mask uint64

	_    [cacheLine]byte
	head atomic.Uint64 // consumer
	_    [cacheLine - 8]byte
	tail atomic.Uint64 // producer
	_    [cacheLine - 8]byte

	// cached copies owned by one side each, to avoid touching the other
	// side's cache line on every call
	headCache uint64 // producer's view of head
	_         [cacheLine - 8]byte
	tailCache uint64 // consumer's view of tail
}

// SampleQueue carries batches from the front-end to the processor
type SampleQueue = Ring[*iq.Batch]

// New creates a ring with the given capacity, which must be a power of two
// and at least 2.
func New[T any](capacity int) (*Ring[T], error) {
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return nil, errors.Newf("queue capacity must be a power of two >= 2, got %d", capacity).
			Component("queue").
			Category(errors.CategoryValidation).
			Context("capacity", capacity).
			Build()
	}
	return &Ring[T]{
		buf:  make([]T, capacity),
		mask: uint64(capacity - 1),
	}, nil
}

// NewRounded creates a ring rounding capacity up to the next power of two
func NewRounded[T any](capacity int) *Ring[T] {
	r, _ := New[T](NextPow2(capacity))
	return r
}

// NewSampleQueue creates a SampleQueue, validating the capacity
func NewSampleQueue(capacity int) (*SampleQueue, error) {
	return New[*iq.Batch](capacity)
}

// TryEnqueue appends v. It returns false without side effects when the ring
// is full. Producer only.
func (r *Ring[T]) TryEnqueue(v T) bool {
	tail := r.tail.Load()
	if tail-r.headCache > r.mask {
		r.headCache = r.head.Load()
		if tail-r.headCache > r.mask {
			return false
		}
	}
	r.buf[tail&r.mask] = v
	r.tail.Store(tail + 1)
	return true
}

// TryDequeue removes the oldest value. It returns the zero value and false
// when the ring is empty. Consumer only.
func (r *Ring[T]) TryDequeue() (T, bool) {
	var zero T
	head := r.head.Load()
	if head == r.tailCache {
		r.tailCache = r.tail.Load()
		if head == r.tailCache {
			return zero, false
		}
	}
	idx := head & r.mask
	v := r.buf[idx]
	r.buf[idx] = zero // drop the reference so released batches can be collected
	r.head.Store(head + 1)
	return v, true
}

// Enqueue is TryEnqueue reporting ErrQueueFull
func (r *Ring[T]) Enqueue(v T) error {
	if !r.TryEnqueue(v) {
		return ErrQueueFull
	}
	return nil
}

// Dequeue is TryDequeue reporting ErrQueueEmpty
func (r *Ring[T]) Dequeue() (T, error) {
	v, ok := r.TryDequeue()
	if !ok {
		return v, ErrQueueEmpty
	}
	return v, nil
}

// Len returns the number of queued values. The result is a snapshot and may
// be stale by the time it is used.
func (r *Ring[T]) Len() int {
	head := r.head.Load()
	tail := r.tail.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Cap returns the fixed capacity
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// NextPow2 returns the smallest power of two >= n, minimum 2
func NextPow2(n int) int {
	if n <= 2 {
		return 2
	}
	return 1 << bits.Len(uint(n-1))
}
