package processor

import (
	"math"
	"sync/atomic"
	"time"
)

// Metrics holds the processor counters. Only the processor goroutine writes
// them; any goroutine may call Snapshot.
type Metrics struct {
	batches   atomic.Uint64
	samples   atomic.Uint64
	overruns  atomic.Uint64
	underruns atomic.Uint64
	faults    atomic.Uint64

	stageErrors atomic.Uint64
	tapDrops    atomic.Uint64
	lastSeq     atomic.Uint64

	// exponentially decayed mean error power, float64 bits
	errorPower      atomic.Uint64
	errorPowerValid atomic.Bool

	lastLatency atomic.Int64
	maxLatency  atomic.Int64

	filterFaulted atomic.Bool
}

// Snapshot is a point-in-time copy of the metrics
type Snapshot struct {
	BatchesProcessed uint64        `json:"batches_processed"`
	SamplesProcessed uint64        `json:"samples_processed"`
	Overruns         uint64        `json:"overruns"`
	Underruns        uint64        `json:"underruns"`
	Faults           uint64        `json:"faults"`
	StageErrors      uint64        `json:"stage_errors"`
	TapDrops         uint64        `json:"tap_drops"`
	LastSeq          uint64        `json:"last_seq"`
	MeanErrorPower   float64       `json:"mean_error_power"`
	LastLatency      time.Duration `json:"last_latency_ns"`
	MaxLatency       time.Duration `json:"max_latency_ns"`
	FilterFaulted    bool          `json:"filter_faulted"`
	QueueDepth       int           `json:"queue_depth"`
}

// Snapshot returns the current values
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		BatchesProcessed: m.batches.Load(),
		SamplesProcessed: m.samples.Load(),
		Overruns:         m.overruns.Load(),
		Underruns:        m.underruns.Load(),
		Faults:           m.faults.Load(),
		StageErrors:      m.stageErrors.Load(),
		TapDrops:         m.tapDrops.Load(),
		LastSeq:          m.lastSeq.Load(),
		MeanErrorPower:   m.MeanErrorPower(),
		LastLatency:      time.Duration(m.lastLatency.Load()),
		MaxLatency:       time.Duration(m.maxLatency.Load()),
		FilterFaulted:    m.filterFaulted.Load(),
	}
}

// MeanErrorPower returns the decayed mean error power
func (m *Metrics) MeanErrorPower() float64 {
	return math.Float64frombits(m.errorPower.Load())
}

// observeErrorPower folds one batch's mean error power into the average.
// Single writer, so load and store need no CAS.
func (m *Metrics) observeErrorPower(p, decay float64) {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return
	}
	if !m.errorPowerValid.Load() {
		m.errorPower.Store(math.Float64bits(p))
		m.errorPowerValid.Store(true)
		return
	}
	avg := math.Float64frombits(m.errorPower.Load())
	avg += decay * (p - avg)
	m.errorPower.Store(math.Float64bits(avg))
}

func (m *Metrics) resetErrorPower() {
	m.errorPowerValid.Store(false)
	m.errorPower.Store(0)
}

func (m *Metrics) observeLatency(d time.Duration) {
	m.lastLatency.Store(int64(d))
	if int64(d) > m.maxLatency.Load() {
		m.maxLatency.Store(int64(d))
	}
}
