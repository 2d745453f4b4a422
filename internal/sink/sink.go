// Package sink holds the output consumers of processed batches: recorders,
// counters and status publishers. Everything that may block runs on its own
// goroutine; OnResult only copies or counts.
package sink

import (
	"sync/atomic"

	"github.com/tphakala/iqstream/internal/iq"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/processor"
)

var log = logger.Global().Module("sink")

// Fanout delivers each result to every sink in order
type Fanout []processor.Sink

func (f Fanout) OnResult(b *iq.Batch) {
	for _, s := range f {
		s.OnResult(b)
	}
}

// Counter counts results and the last sequence number seen
type Counter struct {
	batches atomic.Uint64
	samples atomic.Uint64
	lastSeq atomic.Uint64
	gaps    atomic.Uint64
	seen    atomic.Bool
}

func (c *Counter) OnResult(b *iq.Batch) {
	if c.seen.Load() && b.Seq != c.lastSeq.Load()+1 {
		c.gaps.Add(1)
	}
	c.seen.Store(true)
	c.lastSeq.Store(b.Seq)
	c.batches.Add(1)
	c.samples.Add(uint64(b.Len()))
}

// CounterStats is a point-in-time copy of a Counter
type CounterStats struct {
	Batches uint64 `json:"batches"`
	Samples uint64 `json:"samples"`
	LastSeq uint64 `json:"last_seq"`
	// Gaps counts results whose sequence did not follow the previous one,
	// which happens when the producer dropped batches
	Gaps uint64 `json:"gaps"`
}

func (c *Counter) Stats() CounterStats {
	return CounterStats{
		Batches: c.batches.Load(),
		Samples: c.samples.Load(),
		LastSeq: c.lastSeq.Load(),
		Gaps:    c.gaps.Load(),
	}
}
