// Package processor implements the stream processor: the single consumer of
// the sample queue that stamps every batch, runs it through a processing
// stage and hands the result to the sinks within a per-batch time budget.
//
// The processor never blocks on its input. An empty queue is polled with a
// short spin followed by a bounded exponential sleep. Control writes from
// other goroutines are queued and applied at the start of the next batch so
// that the stage is only ever touched by the processor goroutine.
package processor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/iqstream/internal/adaptive"
	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/iq"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/queue"
	"github.com/tphakala/iqstream/internal/timebase"
)

// ErrBudgetOverrun is wrapped by the error logged when a batch takes longer
// than the configured budget. It is informational: the batch is delivered.
var ErrBudgetOverrun = errors.NewStd("processing budget overrun")

const (
	DefaultBatchSize       = 1024
	DefaultBudget          = 10 * time.Millisecond
	DefaultSpinCount       = 64
	DefaultIdleSleep       = 50 * time.Microsecond
	DefaultMaxIdleSleep    = 2 * time.Millisecond
	DefaultErrorPowerDecay = 0.1

	filterStateInterval = 100 * time.Millisecond
)

// Config configures a Processor
type Config struct {
	Queue    *queue.SampleQueue
	TimeBase *timebase.TimeBase
	Stage    Stage
	Sinks    []Sink
	Tap      Tap

	// BatchSize is the capacity of output batches
	BatchSize int
	// Budget is the wall time allowed per batch
	Budget time.Duration
	// SpinCount is the number of yielding polls before sleeping
	SpinCount    int
	IdleSleep    time.Duration
	MaxIdleSleep time.Duration
	// ErrorPowerDecay weights each batch in the mean error power, in (0, 1]
	ErrorPowerDecay float64

	Logger logger.Logger
}

// FilterState describes the stage as last published by the processor
type FilterState struct {
	Stage        string       `json:"stage"`
	Adaptive     bool         `json:"adaptive"`
	Taps         int          `json:"taps,omitempty"`
	StepSize     float64      `json:"step_size"`
	Normalized   bool         `json:"normalized"`
	Faulted      bool         `json:"faulted"`
	Samples      uint64       `json:"samples"`
	Coefficients []complex128 `json:"-"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Processor drains the sample queue on one goroutine
type Processor struct {
	cfg      Config
	queue    *queue.SampleQueue
	tb       *timebase.TimeBase
	stage    Stage
	adaptive AdaptiveStage // nil unless the stage adapts
	sinks    []Sink
	tap      Tap
	outPool  *iq.BatchPool
	log      logger.Logger

	metrics Metrics

	// processor goroutine only
	bypass   bool
	lastTime time.Time

	overrunLog  *rate.Limiter
	stageLog    *rate.Limiter
	publishRate *rate.Limiter

	// pending control, applied at the next batch boundary
	pendingStep     atomic.Pointer[float64]
	pendingCoeffs   atomic.Pointer[[]complex128]
	pendingReset    atomic.Bool
	pendingTBReset  atomic.Bool
	controlRevision atomic.Uint64

	filterState atomic.Pointer[FilterState]

	running  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a processor. Queue, TimeBase and Stage are required.
func New(cfg Config) (*Processor, error) {
	if cfg.Queue == nil || cfg.TimeBase == nil || cfg.Stage == nil {
		return nil, errors.Newf("processor requires a queue, a time base and a stage").
			Component("processor").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.SpinCount < 0 {
		cfg.SpinCount = 0
	} else if cfg.SpinCount == 0 {
		cfg.SpinCount = DefaultSpinCount
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = DefaultIdleSleep
	}
	if cfg.MaxIdleSleep < cfg.IdleSleep {
		cfg.MaxIdleSleep = max(DefaultMaxIdleSleep, cfg.IdleSleep)
	}
	if cfg.ErrorPowerDecay <= 0 || cfg.ErrorPowerDecay > 1 {
		cfg.ErrorPowerDecay = DefaultErrorPowerDecay
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("processor")
	}

	p := &Processor{
		cfg:         cfg,
		queue:       cfg.Queue,
		tb:          cfg.TimeBase,
		stage:       cfg.Stage,
		sinks:       cfg.Sinks,
		tap:         cfg.Tap,
		outPool:     iq.NewBatchPool(cfg.BatchSize),
		log:         log.With(logger.String("stage", cfg.Stage.Name())),
		overrunLog:  rate.NewLimiter(rate.Every(5*time.Second), 1),
		stageLog:    rate.NewLimiter(rate.Every(5*time.Second), 1),
		publishRate: rate.NewLimiter(rate.Every(filterStateInterval), 1),
		stopCh:      make(chan struct{}),
	}
	if a, ok := cfg.Stage.(AdaptiveStage); ok {
		p.adaptive = a
	}
	p.publishFilterState()
	return p, nil
}

// Run processes batches until ctx is cancelled or Stop is called. A batch in
// progress is always completed. Run may only be called once at a time.
func (p *Processor) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.Newf("processor already running").
			Component("processor").
			Category(errors.CategoryState).
			Build()
	}
	defer p.running.Store(false)

	p.log.Info("stream processor started",
		logger.Duration("budget", p.cfg.Budget),
		logger.Int("batch_size", p.cfg.BatchSize),
		logger.Int("queue_capacity", p.queue.Cap()))

	spins := 0
	sleep := p.cfg.IdleSleep
	starved := true // no underrun before the first batch

	for {
		if ctx.Err() != nil || p.stopped.Load() {
			s := p.metrics.Snapshot()
			p.log.Info("stream processor stopped",
				logger.Uint64("batches", s.BatchesProcessed),
				logger.Uint64("overruns", s.Overruns),
				logger.Uint64("underruns", s.Underruns))
			return nil
		}
		p.applyControl()

		b, ok := p.queue.TryDequeue()
		if !ok {
			if !starved {
				p.metrics.underruns.Add(1)
				starved = true
			}
			if spins < p.cfg.SpinCount {
				spins++
				runtime.Gosched()
				continue
			}
			p.idle(ctx, sleep)
			sleep = min(sleep*2, p.cfg.MaxIdleSleep)
			continue
		}

		spins = 0
		sleep = p.cfg.IdleSleep
		starved = false
		p.process(b)
	}
}

func (p *Processor) idle(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-p.stopCh:
	}
}

// Stop asks Run to return after the current batch
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
	})
}

// Running reports whether Run is active
func (p *Processor) Running() bool {
	return p.running.Load()
}

func (p *Processor) process(in *iq.Batch) {
	start := time.Now()

	rec := p.tb.Now()
	in.Stamp = rec
	in.Stamped = true
	t := rec.Time()
	if !t.IsZero() {
		if t.Before(p.lastTime) {
			t = p.lastTime
		}
		p.lastTime = t
	}
	in.Time = t

	out := p.outPool.Get()
	out.CopyMeta(in)

	if p.bypass {
		out.Samples = append(out.Samples[:0], in.Samples...)
	} else if err := p.stage.Process(in, out); err != nil {
		p.stageFailed(in, err)
		out.Samples = append(out.Samples[:0], in.Samples...)
	} else if p.adaptive != nil {
		p.metrics.observeErrorPower(p.adaptive.ErrorPower(), p.cfg.ErrorPowerDecay)
	}

	if p.tap != nil && !p.tap.Offer(in) {
		p.metrics.tapDrops.Add(1)
	}
	for _, s := range p.sinks {
		s.OnResult(out)
	}

	n := uint64(len(in.Samples))
	seq := in.Seq
	out.Release()
	in.Release()

	p.metrics.batches.Add(1)
	p.metrics.samples.Add(n)
	p.metrics.lastSeq.Store(seq)
	if p.publishRate.Allow() {
		p.publishFilterState()
	}

	elapsed := time.Since(start)
	p.metrics.observeLatency(elapsed)
	if elapsed > p.cfg.Budget {
		total := p.metrics.overruns.Add(1)
		if p.overrunLog.Allow() {
			err := errors.New(fmt.Errorf("%w: batch %d took %s", ErrBudgetOverrun, seq, elapsed)).
				Component("processor").
				Category(errors.CategoryBudget).
				Priority(errors.PriorityLow).
				Timing("process_batch", elapsed).
				Context("budget", p.cfg.Budget.String()).
				Build()
			p.log.Warn("batch exceeded processing budget",
				logger.Error(err),
				logger.Duration("elapsed", elapsed),
				logger.Uint64("overruns", total))
		}
	}
}

func (p *Processor) stageFailed(in *iq.Batch, err error) {
	if errors.Is(err, adaptive.ErrFilterFaulted) {
		p.bypass = true
		p.metrics.faults.Add(1)
		p.metrics.filterFaulted.Store(true)
		p.log.Error("filter faulted, passing samples through until reset",
			logger.Error(err),
			logger.Uint64("seq", in.Seq))
		p.publishFilterState()
		return
	}
	p.metrics.stageErrors.Add(1)
	if p.stageLog.Allow() {
		p.log.Warn("stage failed, batch passed through",
			logger.Error(err),
			logger.Uint64("seq", in.Seq))
	}
}

// applyControl runs on the processor goroutine before each dequeue
func (p *Processor) applyControl() {
	changed := false
	if p.pendingReset.Swap(false) {
		p.stage.Reset()
		p.bypass = false
		p.metrics.filterFaulted.Store(false)
		p.metrics.resetErrorPower()
		p.log.Info("filter reset")
		changed = true
	}
	if c := p.pendingCoeffs.Swap(nil); c != nil && p.adaptive != nil {
		if err := p.adaptive.SetCoefficients(*c); err != nil {
			p.log.Warn("coefficient restore rejected", logger.Error(err))
		} else {
			p.log.Info("coefficients restored", logger.Int("taps", len(*c)))
		}
		changed = true
	}
	if mu := p.pendingStep.Swap(nil); mu != nil && p.adaptive != nil {
		if err := p.adaptive.SetStepSize(*mu); err != nil {
			p.log.Warn("step size rejected", logger.Error(err))
		} else {
			p.log.Info("step size changed", logger.Float64("step_size", *mu))
		}
		changed = true
	}
	if p.pendingTBReset.Swap(false) {
		p.tb.Reset()
		p.lastTime = time.Time{}
		changed = true
	}
	if changed {
		p.publishFilterState()
		p.controlRevision.Add(1)
	}
}

func (p *Processor) publishFilterState() {
	st := &FilterState{
		Stage:     p.stage.Name(),
		Faulted:   p.bypass,
		UpdatedAt: time.Now(),
	}
	if a := p.adaptive; a != nil {
		st.Adaptive = true
		st.Taps = a.Taps()
		st.StepSize = a.StepSize()
		st.Normalized = a.Normalized()
		st.Samples = a.Samples()
		st.Coefficients = a.Coefficients()
	}
	p.filterState.Store(st)
}

func (p *Processor) requireAdaptive(op string) error {
	if p.adaptive == nil {
		return errors.Newf("stage %q has no adaptive filter", p.stage.Name()).
			Component("processor").
			Category(errors.CategoryState).
			Context("operation", op).
			Build()
	}
	return nil
}

// SetStepSize queues a new step size for the adaptive stage. The value is
// validated now and applied exactly at the next batch.
func (p *Processor) SetStepSize(mu float64) error {
	if err := p.requireAdaptive("set_step_size"); err != nil {
		return err
	}
	if err := adaptive.ValidateStepSize(mu); err != nil {
		return err
	}
	p.pendingStep.Store(&mu)
	return nil
}

// ResetFilter queues a stage reset, which also clears a fault
func (p *Processor) ResetFilter() {
	p.pendingReset.Store(true)
}

// ResetTimeBase queues a time base reset
func (p *Processor) ResetTimeBase() {
	p.pendingTBReset.Store(true)
}

// RestoreCoefficients queues coefficients to load into the adaptive stage
func (p *Processor) RestoreCoefficients(c []complex128) error {
	if err := p.requireAdaptive("restore_coefficients"); err != nil {
		return err
	}
	if want := p.adaptive.Taps(); len(c) != want {
		return errors.Newf("coefficient count %d does not match %d taps", len(c), want).
			Component("processor").
			Category(errors.CategoryValidation).
			Build()
	}
	cp := make([]complex128, len(c))
	copy(cp, c)
	p.pendingCoeffs.Store(&cp)
	return nil
}

// Coefficients returns the last published coefficients, nil for stages
// without an adaptive filter
func (p *Processor) Coefficients() []complex128 {
	st := p.filterState.Load()
	if st.Coefficients == nil {
		return nil
	}
	out := make([]complex128, len(st.Coefficients))
	copy(out, st.Coefficients)
	return out
}

// FilterState returns the last published stage state. Coefficients are
// shared and must not be modified.
func (p *Processor) FilterState() FilterState {
	return *p.filterState.Load()
}

// ControlRevision increases each time queued control writes are applied
func (p *Processor) ControlRevision() uint64 {
	return p.controlRevision.Load()
}

// Metrics returns a snapshot of the processor metrics
func (p *Processor) Metrics() Snapshot {
	s := p.metrics.Snapshot()
	s.QueueDepth = p.queue.Len()
	return s
}

// TimeBase returns the time base stamping batches
func (p *Processor) TimeBase() *timebase.TimeBase {
	return p.tb
}

// Stage returns the processing stage. It must only be used while Run is not
// active.
func (p *Processor) Stage() Stage {
	return p.stage
}
