// Package timebase implements the pulse-disciplined clock that stamps sample
// batches with hardware ticks and absolute time.
//
// A free-running tick counter is read on every stamp. A once-per-second
// reference pulse (PPS) aligns the sub-second counter: each accepted pulse
// resets it to zero and latches the calendar second it marks. Pulses whose
// spacing is outside the configured tolerance are rejected and reported as
// time-sync anomalies; they never move the calendar.
//
// The coarse seconds count is owned by software by default. The pulse handler
// arms the value for the next pulse with SetSecondsNextPulse, or lets it
// auto-advance. With CoarseHardware the seconds are read from the clock's
// SecondsRegister when the pulse arrives.
package timebase

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/logger"
)

// ErrTimeSyncAnomaly is wrapped by every rejected-pulse error
var ErrTimeSyncAnomaly = errors.NewStd("time sync anomaly")

// State is the synchronization state
type State int32

const (
	Unsynchronized State = iota
	Synchronized
)

func (s State) String() string {
	switch s {
	case Unsynchronized:
		return "unsynchronized"
	case Synchronized:
		return "synchronized"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// CoarseSource selects who owns the whole-seconds count
type CoarseSource string

const (
	CoarseSoftware CoarseSource = "software"
	CoarseHardware CoarseSource = "hardware"
)

const (
	DefaultPulsePeriod = time.Second
	DefaultTolerance   = 0.05
)

// Config configures a TimeBase
type Config struct {
	// PulsePeriod is the nominal interval between reference pulses
	PulsePeriod time.Duration
	// Tolerance is the accepted relative deviation from PulsePeriod
	Tolerance float64
	// Coarse selects the owner of the seconds count
	Coarse CoarseSource
	// AutoAdvance advances software seconds by the elapsed whole seconds
	// between accepted pulses when no value was armed
	AutoAdvance bool
	// InitialSeconds supplies the seconds latched by the first pulse when
	// nothing was armed. Defaults to the host clock rounded to the second.
	InitialSeconds func() int64
	// OnAnomaly is called for every rejected pulse
	OnAnomaly func(err error)
	Logger    logger.Logger
}

// Record is one timestamp reading
type Record struct {
	// Ticks is the hardware tick count, never decreasing across readings
	Ticks uint64
	// TicksPerSecond is the nominal tick rate
	TicksPerSecond uint64
	// SyncTick is the tick of the last accepted pulse
	SyncTick uint64
	// CalendarAtSync is the absolute time marked by the last accepted pulse,
	// zero while unsynchronized
	CalendarAtSync time.Time
	Synchronized   bool
}

// SubsecondTicks returns ticks elapsed since the last accepted pulse
func (r Record) SubsecondTicks() uint64 {
	if !r.Synchronized || r.Ticks < r.SyncTick {
		return 0
	}
	return r.Ticks - r.SyncTick
}

// Time returns the absolute time of the reading, zero while unsynchronized
func (r Record) Time() time.Time {
	if !r.Synchronized || r.TicksPerSecond == 0 {
		return time.Time{}
	}
	sub := r.SubsecondTicks()
	secs := sub / r.TicksPerSecond
	frac := sub % r.TicksPerSecond
	ns := secs*uint64(time.Second) + frac*uint64(time.Second)/r.TicksPerSecond
	return r.CalendarAtSync.Add(time.Duration(ns))
}

// syncState is replaced wholesale on every transition
type syncState struct {
	synchronized bool
	syncTick     uint64
	calendar     time.Time
	coarse       int64
	lastEdge     uint64 // last observed edge, accepted or not
	haveEdge     bool
}

// TimeBase is safe for concurrent use: Now from the processor, OnPulse from
// the pulse handler and Reset from control. None of them lock.
type TimeBase struct {
	clock    Clock
	tps      uint64
	expected uint64 // ticks per nominal pulse period
	window   uint64 // accepted deviation in ticks
	cfg      Config
	log      logger.Logger
	logLimit *rate.Limiter

	state     atomic.Pointer[syncState]
	lastTicks atomic.Uint64
	armed     atomic.Pointer[int64]
	level     atomic.Bool

	pulses    atomic.Uint64
	anomalies atomic.Uint64
	collapsed atomic.Uint64
}

// New creates an unsynchronized TimeBase reading clock
func New(clock Clock, cfg Config) (*TimeBase, error) {
	if clock == nil {
		return nil, errors.Newf("timebase requires a clock").
			Component("timebase").
			Category(errors.CategoryValidation).
			Build()
	}
	tps := clock.TicksPerSecond()
	if tps == 0 {
		return nil, errors.Newf("clock ticks per second must be positive").
			Component("timebase").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.PulsePeriod <= 0 {
		cfg.PulsePeriod = DefaultPulsePeriod
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if cfg.Tolerance >= 0.5 {
		return nil, errors.Newf("pulse tolerance must be below 0.5, got %g", cfg.Tolerance).
			Component("timebase").
			Category(errors.CategoryValidation).
			Build()
	}
	switch cfg.Coarse {
	case "":
		cfg.Coarse = CoarseSoftware
	case CoarseSoftware:
	case CoarseHardware:
		if _, ok := clock.(SecondsRegister); !ok {
			return nil, errors.Newf("hardware coarse seconds requested but clock has no seconds register").
				Component("timebase").
				Category(errors.CategoryConfiguration).
				Build()
		}
	default:
		return nil, errors.Newf("invalid coarse seconds source %q", cfg.Coarse).
			Component("timebase").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.InitialSeconds == nil {
		cfg.InitialSeconds = func() int64 { return time.Now().Round(time.Second).Unix() }
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Global().Module("timebase")
	}

	expected := uint64(math.Round(float64(tps) * cfg.PulsePeriod.Seconds()))
	tb := &TimeBase{
		clock:    clock,
		tps:      tps,
		expected: expected,
		window:   uint64(float64(expected) * cfg.Tolerance),
		cfg:      cfg,
		log:      log,
		logLimit: rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
	tb.state.Store(&syncState{})
	return tb, nil
}

// ticks reads the clock and clamps it to be non-decreasing
func (tb *TimeBase) ticks() uint64 {
	raw := tb.clock.Ticks()
	for {
		last := tb.lastTicks.Load()
		if raw <= last {
			return last
		}
		if tb.lastTicks.CompareAndSwap(last, raw) {
			return raw
		}
	}
}

// Now returns the current timestamp record. It never fails; while
// unsynchronized the record carries ticks only.
func (tb *TimeBase) Now() Record {
	// state before ticks, so Ticks >= SyncTick
	st := tb.state.Load()
	t := tb.ticks()
	return Record{
		Ticks:          t,
		TicksPerSecond: tb.tps,
		SyncTick:       st.syncTick,
		CalendarAtSync: st.calendar,
		Synchronized:   st.synchronized,
	}
}

// State returns the synchronization state
func (tb *TimeBase) State() State {
	if tb.state.Load().synchronized {
		return Synchronized
	}
	return Unsynchronized
}

// SetSecondsNextPulse arms the coarse seconds value latched by the next
// accepted pulse. Software coarse mode only.
func (tb *TimeBase) SetSecondsNextPulse(sec int64) {
	tb.armed.Store(&sec)
}

// OnLevel feeds a sampled reference level. Only rising edges count.
func (tb *TimeBase) OnLevel(high bool) error {
	prev := tb.level.Swap(high)
	if high && !prev {
		return tb.OnPulse()
	}
	return nil
}

// OnPulse handles one reference pulse edge at the current tick.
//
// A second edge within the same tick is collapsed silently. An edge is
// accepted when it lies PulsePeriod ± Tolerance after the last accepted
// pulse, so a spurious edge in between is ignored. After missed pulses the
// time base resyncs on two consecutive edges one period apart. Any other
// edge is rejected with an error wrapping ErrTimeSyncAnomaly and leaves the
// calendar untouched. The first edge after construction or Reset is always
// accepted.
func (tb *TimeBase) OnPulse() error {
	for {
		old := tb.state.Load()
		t := tb.ticks()

		if old.haveEdge && t == old.lastEdge {
			tb.collapsed.Add(1)
			return nil
		}

		next := *old
		next.lastEdge = t
		next.haveEdge = true

		// haveEdge implies synchronized, so syncTick is the last accepted edge
		var elapsed uint64
		if old.haveEdge {
			elapsed = t - old.syncTick
			if diff(elapsed, tb.expected) > tb.window && diff(t-old.lastEdge, tb.expected) > tb.window {
				if !tb.state.CompareAndSwap(old, &next) {
					continue
				}
				return tb.anomaly(elapsed)
			}
		}

		armed := tb.armed.Load()
		next.synchronized = true
		next.syncTick = t
		next.coarse = tb.coarseSeconds(old, armed, elapsed)
		next.calendar = time.Unix(next.coarse, 0).UTC()

		if !tb.state.CompareAndSwap(old, &next) {
			continue
		}
		if armed != nil {
			tb.armed.CompareAndSwap(armed, nil)
		}

		tb.pulses.Add(1)
		if !old.synchronized {
			tb.log.Info("time base synchronized",
				logger.Uint64("tick", t),
				logger.Time("calendar", next.calendar),
				logger.String("coarse_source", string(tb.cfg.Coarse)))
		}
		return nil
	}
}

func (tb *TimeBase) coarseSeconds(old *syncState, armed *int64, elapsed uint64) int64 {
	if tb.cfg.Coarse == CoarseHardware {
		return tb.clock.(SecondsRegister).Seconds()
	}
	switch {
	case armed != nil:
		return *armed
	case !old.synchronized:
		return tb.cfg.InitialSeconds()
	case tb.cfg.AutoAdvance:
		return old.coarse + int64((elapsed+tb.tps/2)/tb.tps)
	default:
		return old.coarse
	}
}

func (tb *TimeBase) anomaly(delta uint64) error {
	n := tb.anomalies.Add(1)
	err := errors.New(fmt.Errorf("%w: pulse interval %d ticks, expected %d±%d",
		ErrTimeSyncAnomaly, delta, tb.expected, tb.window)).
		Component("timebase").
		Category(errors.CategoryTimeSync).
		Priority(errors.PriorityLow).
		Context("interval_ticks", delta).
		Context("expected_ticks", tb.expected).
		Build()

	if tb.logLimit.Allow() {
		tb.log.Warn("reference pulse rejected",
			logger.Uint64("interval_ticks", delta),
			logger.Uint64("expected_ticks", tb.expected),
			logger.Uint64("window_ticks", tb.window),
			logger.Uint64("anomalies", n))
	}
	if tb.cfg.OnAnomaly != nil {
		tb.cfg.OnAnomaly(err)
	}
	return err
}

// Reset returns to Unsynchronized. Ticks stay monotonic.
func (tb *TimeBase) Reset() {
	tb.state.Store(&syncState{})
	tb.armed.Store(nil)
	tb.level.Store(false)
	tb.log.Info("time base reset")
}

// Stats is a point-in-time view of the discipline counters
type Stats struct {
	State          State     `json:"-"`
	StateName      string    `json:"state"`
	Pulses         uint64    `json:"pulses"`
	Anomalies      uint64    `json:"anomalies"`
	Collapsed      uint64    `json:"collapsed"`
	CalendarAtSync time.Time `json:"calendar_at_sync"`
	SyncTick       uint64    `json:"sync_tick"`
	Ticks          uint64    `json:"ticks"`
	TicksPerSecond uint64    `json:"ticks_per_second"`
}

// Stats returns the current counters
func (tb *TimeBase) Stats() Stats {
	rec := tb.Now()
	st := tb.State()
	return Stats{
		State:          st,
		StateName:      st.String(),
		Pulses:         tb.pulses.Load(),
		Anomalies:      tb.anomalies.Load(),
		Collapsed:      tb.collapsed.Load(),
		CalendarAtSync: rec.CalendarAtSync,
		SyncTick:       rec.SyncTick,
		Ticks:          rec.Ticks,
		TicksPerSecond: rec.TicksPerSecond,
	}
}

func diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
