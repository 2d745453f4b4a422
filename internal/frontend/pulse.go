package frontend

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/timebase"
)

// PulseReceiver accepts reference pulse edges. *timebase.TimeBase
// implements it.
type PulseReceiver interface {
	OnPulse() error
}

// PulseConfig configures a PulseGenerator
type PulseConfig struct {
	// Period is the pulse spacing on the source clock, one second by default
	Period time.Duration
	// GlitchEvery injects a spurious pulse half a period after every Nth
	// pulse. Zero disables glitches.
	GlitchEvery int
	// PollInterval is how often Run checks the clock
	PollInterval time.Duration
	Logger       logger.Logger
}

// PulseStats counts generated edges
type PulseStats struct {
	Pulses   uint64 `json:"pulses"`
	Glitches uint64 `json:"glitches"`
	Rejected uint64 `json:"rejected"`
}

// PulseGenerator simulates a PPS input from a tick clock, normally the
// device sample counter, so a file or synthetic source can exercise the
// time base discipline. Check and Run must not be used concurrently.
type PulseGenerator struct {
	clock  timebase.Clock
	target PulseReceiver
	cfg    PulseConfig
	period uint64
	log    logger.Logger

	next     uint64
	glitchAt uint64
	pulses   uint64

	emitted  atomic.Uint64
	glitches atomic.Uint64
	rejected atomic.Uint64
}

// NewPulseGenerator creates a generator firing target on clock boundaries
func NewPulseGenerator(clock timebase.Clock, target PulseReceiver, cfg PulseConfig) (*PulseGenerator, error) {
	if clock == nil || target == nil {
		return nil, errors.Newf("pulse generator requires a clock and a target").
			Component("frontend").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	if cfg.GlitchEvery < 0 {
		cfg.GlitchEvery = 0
	}
	period := uint64(cfg.Period.Seconds() * float64(clock.TicksPerSecond()))
	if period < 2 {
		return nil, errors.Newf("pulse period %v is below two clock ticks", cfg.Period).
			Component("frontend").
			Category(errors.CategoryValidation).
			Build()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("frontend")
	}
	return &PulseGenerator{
		clock:  clock,
		target: target,
		cfg:    cfg,
		period: period,
		log:    log,
		next:   period,
	}, nil
}

// Check fires every pulse that has come due and returns how many it fired.
// A clock that skipped several periods yields one pulse, aligned to the
// latest boundary.
func (g *PulseGenerator) Check() int {
	now := g.clock.Ticks()
	fired := 0

	if g.glitchAt != 0 && now >= g.glitchAt && now < g.next {
		g.glitchAt = 0
		g.glitches.Add(1)
		g.fire()
		fired++
	}
	if now < g.next {
		return fired
	}

	g.next = (now/g.period + 1) * g.period
	g.glitchAt = 0
	g.pulses++
	g.emitted.Add(1)
	g.fire()
	fired++
	if g.cfg.GlitchEvery > 0 && g.pulses%uint64(g.cfg.GlitchEvery) == 0 {
		g.glitchAt = g.next - g.period/2
	}
	return fired
}

func (g *PulseGenerator) fire() {
	if err := g.target.OnPulse(); err != nil {
		g.rejected.Add(1)
		g.log.Debug("simulated pulse rejected", logger.Error(err))
	}
}

// Stats returns the counters
func (g *PulseGenerator) Stats() PulseStats {
	return PulseStats{
		Pulses:   g.emitted.Load(),
		Glitches: g.glitches.Load(),
		Rejected: g.rejected.Load(),
	}
}

// Run polls the clock until ctx is done
func (g *PulseGenerator) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Check()
		}
	}
}
