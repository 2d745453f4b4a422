package processor

import (
	"sync/atomic"

	"github.com/tphakala/iqstream/internal/iq"
	"github.com/tphakala/iqstream/internal/queue"
)

// Sink receives processed batches in order on the processor goroutine. The
// batch is only valid during the call; a sink that keeps data must copy it.
// Sinks must not block.
type Sink interface {
	OnResult(b *iq.Batch)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(b *iq.Batch)

func (f SinkFunc) OnResult(b *iq.Batch) { f(b) }

// Tap receives a view of every input batch. Offer must copy what it keeps
// and return false instead of blocking when it has no room.
type Tap interface {
	Offer(b *iq.Batch) bool
}

// QueueSink copies results into an SPSC queue for a consumer that polls.
// Results that find the queue full are dropped and counted.
type QueueSink struct {
	ring    *queue.Ring[*iq.Batch]
	pool    *iq.BatchPool
	dropped atomic.Uint64
}

// NewQueueSink creates a queue sink holding up to capacity batches of
// batchSize samples. capacity is rounded up to a power of two.
func NewQueueSink(capacity, batchSize int) *QueueSink {
	return &QueueSink{
		ring: queue.NewRounded[*iq.Batch](capacity),
		pool: iq.NewBatchPool(batchSize),
	}
}

func (s *QueueSink) OnResult(b *iq.Batch) {
	c := s.pool.Get()
	c.CopyFrom(b)
	if !s.ring.TryEnqueue(c) {
		c.Release()
		s.dropped.Add(1)
	}
}

// Poll returns the oldest queued result. The caller releases it.
func (s *QueueSink) Poll() (*iq.Batch, bool) {
	return s.ring.TryDequeue()
}

// Len returns the number of queued results
func (s *QueueSink) Len() int {
	return s.ring.Len()
}

// Dropped returns the number of results dropped on a full queue
func (s *QueueSink) Dropped() uint64 {
	return s.dropped.Load()
}
