package iq

import (
	"sync"
	"time"

	"github.com/tphakala/iqstream/internal/timebase"
)

// Batch is a fixed-capacity run of consecutive samples. Ownership moves with
// the batch: whoever dequeued it may mutate it, and releases it when done.
type Batch struct {
	// Seq is assigned by the producer and increases by one per batch
	Seq uint64

	// Samples holds up to Cap() samples
	Samples []Sample

	// Reference is an optional paired desired signal, same length as Samples
	Reference []Sample

	// Stamp is the TimeBase reading taken when the batch was processed
	Stamp   timebase.Record
	Stamped bool

	// Time is the absolute time derived from Stamp, zero while unsynchronized
	Time time.Time

	pool *BatchPool
}

// NewBatch allocates an unpooled batch with the given capacity
func NewBatch(capacity int) *Batch {
	return &Batch{Samples: make([]Sample, 0, capacity)}
}

// Len returns the number of samples in the batch
func (b *Batch) Len() int {
	return len(b.Samples)
}

// Cap returns the fixed sample capacity
func (b *Batch) Cap() int {
	return cap(b.Samples)
}

// Full reports whether no more samples fit
func (b *Batch) Full() bool {
	return len(b.Samples) == cap(b.Samples)
}

// Append adds a sample, returning false when the batch is full
func (b *Batch) Append(s Sample) bool {
	if len(b.Samples) == cap(b.Samples) {
		return false
	}
	b.Samples = append(b.Samples, s)
	return true
}

// HasReference reports whether a paired desired signal is attached
func (b *Batch) HasReference() bool {
	return len(b.Reference) == len(b.Samples) && len(b.Samples) > 0
}

// Reset clears samples and metadata but keeps the buffers
func (b *Batch) Reset() {
	b.Seq = 0
	b.Samples = b.Samples[:0]
	b.Reference = b.Reference[:0]
	b.Stamp = timebase.Record{}
	b.Stamped = false
	b.Time = time.Time{}
}

// CopyMeta copies sequence and timing metadata from src
func (b *Batch) CopyMeta(src *Batch) {
	b.Seq = src.Seq
	b.Stamp = src.Stamp
	b.Stamped = src.Stamped
	b.Time = src.Time
}

// CopyFrom makes b a copy of src, samples included, truncated to b's capacity
func (b *Batch) CopyFrom(src *Batch) {
	b.CopyMeta(src)
	n := min(len(src.Samples), cap(b.Samples))
	b.Samples = append(b.Samples[:0], src.Samples[:n]...)
	b.Reference = b.Reference[:0]
	if src.HasReference() {
		b.Reference = append(b.Reference, src.Reference[:n]...)
	}
}

// Release returns the batch to its pool. Unpooled batches are left to the GC.
// The batch must not be used after Release.
func (b *Batch) Release() {
	if b == nil || b.pool == nil {
		return
	}
	b.pool.put(b)
}

// BatchPool recycles batches of one fixed capacity
type BatchPool struct {
	capacity int
	pool     sync.Pool
}

// NewBatchPool creates a pool of batches holding up to capacity samples
func NewBatchPool(capacity int) *BatchPool {
	p := &BatchPool{capacity: capacity}
	p.pool.New = func() any {
		return &Batch{
			Samples: make([]Sample, 0, capacity),
			pool:    p,
		}
	}
	return p
}

// Capacity returns the sample capacity of pooled batches
func (p *BatchPool) Capacity() int {
	return p.capacity
}

// Get returns an empty batch
func (p *BatchPool) Get() *Batch {
	b, ok := p.pool.Get().(*Batch)
	if !ok {
		return &Batch{Samples: make([]Sample, 0, p.capacity), pool: p}
	}
	return b
}

// GetWithReference returns an empty batch with a reference buffer allocated
func (p *BatchPool) GetWithReference() *Batch {
	b := p.Get()
	if cap(b.Reference) < p.capacity {
		b.Reference = make([]Sample, 0, p.capacity)
	}
	return b
}

func (p *BatchPool) put(b *Batch) {
	b.Reset()
	p.pool.Put(b)
}
