// Package frontend adapts sample sources to the processing pipeline. A Device
// owns the producer side of the sample queue and the sample clock that the
// time base reads; a Source fills batches and hands them to the Device.
package frontend

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/iq"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/queue"
)

// OverflowPolicy decides what happens when the sample queue is full
type OverflowPolicy string

const (
	// OverflowDrop discards the batch, the right choice for live sources
	OverflowDrop OverflowPolicy = "drop"
	// OverflowWait backs off until the queue has room, for file sources
	OverflowWait OverflowPolicy = "wait"
)

// ParseOverflowPolicy accepts "drop" and "wait", case-insensitive
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case OverflowDrop, OverflowWait:
		return p, nil
	case "":
		return OverflowDrop, nil
	default:
		return "", errors.Newf("invalid overflow policy %q", s).
			Component("frontend").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

const (
	DefaultBatchSize  = 1024
	DefaultSampleRate = 1_000_000

	minWaitBackoff = 50 * time.Microsecond
	maxWaitBackoff = 5 * time.Millisecond
)

// DeviceConfig configures a Device
type DeviceConfig struct {
	// SampleRate in samples per second, also the clock tick rate
	SampleRate int
	// BatchSize is the sample capacity of pooled batches
	BatchSize int
	Overflow  OverflowPolicy
	Logger    logger.Logger
}

// DeviceStats counts producer activity
type DeviceStats struct {
	Batches uint64 `json:"batches"`
	Samples uint64 `json:"samples"`
	Dropped uint64 `json:"dropped"`
	Waits   uint64 `json:"waits"`
}

// Device is the producer end of the pipeline. Only one goroutine may produce.
//
// The sample counter advances for every produced batch, dropped or not, the
// way an ADC keeps counting while its consumer falls behind. It is exposed as
// a timebase.Clock.
type Device struct {
	cfg   DeviceConfig
	queue *queue.SampleQueue
	pool  *iq.BatchPool
	log   logger.Logger

	seq   uint64 // producer goroutine only
	ticks atomic.Uint64

	batches atomic.Uint64
	samples atomic.Uint64
	dropped atomic.Uint64
	waits   atomic.Uint64
}

// NewDevice creates a device producing into q
func NewDevice(q *queue.SampleQueue, cfg DeviceConfig) (*Device, error) {
	if q == nil {
		return nil, errors.Newf("device requires a sample queue").
			Component("frontend").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowDrop
	}
	if _, err := ParseOverflowPolicy(string(cfg.Overflow)); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("frontend")
	}
	return &Device{
		cfg:   cfg,
		queue: q,
		pool:  iq.NewBatchPool(cfg.BatchSize),
		log:   log,
	}, nil
}

// Ticks returns the number of samples produced so far
func (d *Device) Ticks() uint64 {
	return d.ticks.Load()
}

// TicksPerSecond returns the sample rate
func (d *Device) TicksPerSecond() uint64 {
	return uint64(d.cfg.SampleRate)
}

// SampleRate returns the configured sample rate
func (d *Device) SampleRate() int {
	return d.cfg.SampleRate
}

// BatchSize returns the capacity of batches from NewBatch
func (d *Device) BatchSize() int {
	return d.cfg.BatchSize
}

// Overflow returns the overflow policy
func (d *Device) Overflow() OverflowPolicy {
	return d.cfg.Overflow
}

// Pool returns the device batch pool
func (d *Device) Pool() *iq.BatchPool {
	return d.pool
}

// Logger returns the device logger, shared by sources
func (d *Device) Logger() logger.Logger {
	return d.log
}

// NewBatch returns an empty pooled batch
func (d *Device) NewBatch() *iq.Batch {
	return d.pool.Get()
}

// stamp assigns the next sequence number and advances the sample clock
func (d *Device) stamp(b *iq.Batch) {
	b.Seq = d.seq
	d.seq++
	d.ticks.Add(uint64(b.Len()))
}

// Produce hands b to the processor without blocking. It returns false when
// the queue is full; the batch is then counted as dropped and still belongs
// to the caller.
func (d *Device) Produce(b *iq.Batch) bool {
	d.stamp(b)
	if !d.queue.TryEnqueue(b) {
		d.dropped.Add(1)
		return false
	}
	d.batches.Add(1)
	d.samples.Add(uint64(b.Len()))
	return true
}

// Submit hands b over according to the overflow policy. With OverflowDrop a
// refused batch is released. With OverflowWait it retries with bounded
// backoff until the queue takes it or ctx is done. Submit always takes
// ownership of b.
func (d *Device) Submit(ctx context.Context, b *iq.Batch) error {
	if d.cfg.Overflow != OverflowWait {
		if !d.Produce(b) {
			b.Release()
		}
		return nil
	}

	d.stamp(b)
	if d.queue.TryEnqueue(b) {
		d.batches.Add(1)
		d.samples.Add(uint64(b.Len()))
		return nil
	}

	backoff := minWaitBackoff
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	for {
		d.waits.Add(1)
		select {
		case <-ctx.Done():
			b.Release()
			return ctx.Err()
		case <-timer.C:
		}
		if d.queue.TryEnqueue(b) {
			d.batches.Add(1)
			d.samples.Add(uint64(b.Len()))
			return nil
		}
		backoff = min(backoff*2, maxWaitBackoff)
		timer.Reset(backoff)
	}
}

// Stats returns the producer counters
func (d *Device) Stats() DeviceStats {
	return DeviceStats{
		Batches: d.batches.Load(),
		Samples: d.samples.Load(),
		Dropped: d.dropped.Load(),
		Waits:   d.waits.Load(),
	}
}

// Source fills batches from some input and submits them to a Device until
// the input ends or ctx is done. Reaching the end of a finite input returns
// nil; cancellation returns nil as well.
type Source interface {
	Name() string
	Run(ctx context.Context, d *Device) error
}

// sourceError wraps a source failure with its component context
func sourceError(source string, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return errors.New(fmt.Errorf("%s: %w", msg, err)).
		Component("frontend").
		Category(errors.CategoryAudioSource).
		Context("source", source).
		Build()
}
