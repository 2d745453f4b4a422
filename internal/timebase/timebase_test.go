package timebase

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/logger"
)

const tps = 1_000_000

func newTestTimeBase(t *testing.T, clock Clock, mutate func(*Config)) *TimeBase {
	t.Helper()
	cfg := Config{
		AutoAdvance:    true,
		InitialSeconds: func() int64 { return 1_700_000_000 },
		Logger:         logger.NewSlogLogger(nil, logger.LogLevelError, nil),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tb, err := New(clock, cfg)
	require.NoError(t, err)
	return tb
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{})
	require.Error(t, err)

	_, err = New(NewManualClock(0), Config{})
	require.Error(t, err)

	_, err = New(NewManualClock(tps), Config{Tolerance: 0.6})
	require.Error(t, err)

	_, err = New(NewMonotonicClock(), Config{Coarse: CoarseHardware})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = New(NewManualClock(tps), Config{Coarse: "gps"})
	require.Error(t, err)
}

func TestUnsynchronizedNow(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(tps)
	tb := newTestTimeBase(t, clock, nil)
	clock.Set(1234)

	rec := tb.Now()
	assert.Equal(t, Unsynchronized, tb.State())
	assert.False(t, rec.Synchronized)
	assert.Equal(t, uint64(1234), rec.Ticks)
	assert.True(t, rec.CalendarAtSync.IsZero())
	assert.True(t, rec.Time().IsZero())
	assert.Zero(t, rec.SubsecondTicks())
}

func TestFirstPulseSynchronizes(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(tps)
	tb := newTestTimeBase(t, clock, nil)

	clock.Set(500)
	require.NoError(t, tb.OnPulse())
	assert.Equal(t, Synchronized, tb.State())

	clock.Set(500 + tps/4)
	rec := tb.Now()
	assert.Equal(t, uint64(500), rec.SyncTick)
	assert.Equal(t, uint64(tps/4), rec.SubsecondTicks())
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), rec.CalendarAtSync)
	assert.Equal(t, time.Unix(1_700_000_000, 250_000_000).UTC(), rec.Time())
}

func TestAutoAdvanceAndArmedSeconds(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(tps)
	tb := newTestTimeBase(t, clock, nil)

	clock.Set(0)
	require.NoError(t, tb.OnPulse())

	clock.Set(tps)
	require.NoError(t, tb.OnPulse())
	assert.Equal(t, int64(1_700_000_001), tb.Now().CalendarAtSync.Unix())

	tb.SetSecondsNextPulse(42)
	clock.Set(2 * tps)
	require.NoError(t, tb.OnPulse())
	assert.Equal(t, int64(42), tb.Now().CalendarAtSync.Unix())

	// armed value is consumed once
	clock.Set(3*tps + 10)
	require.NoError(t, tb.OnPulse())
	assert.Equal(t, int64(43), tb.Now().CalendarAtSync.Unix())
}

func TestWithoutAutoAdvanceSecondsStay(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(tps)
	tb := newTestTimeBase(t, clock, func(c *Config) { c.AutoAdvance = false })

	require.NoError(t, tb.OnPulse())
	clock.Set(tps)
	require.NoError(t, tb.OnPulse())

	rec := tb.Now()
	assert.Equal(t, int64(1_700_000_000), rec.CalendarAtSync.Unix())
	assert.Equal(t, uint64(tps), rec.SyncTick)
}

func TestHardwareCoarseSeconds(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(tps)
	tb := newTestTimeBase(t, clock, func(c *Config) { c.Coarse = CoarseHardware })

	clock.SetSeconds(99)
	require.NoError(t, tb.OnPulse())
	assert.Equal(t, int64(99), tb.Now().CalendarAtSync.Unix())

	clock.SetSeconds(100)
	clock.Set(tps)
	require.NoError(t, tb.OnPulse())
	assert.Equal(t, int64(100), tb.Now().CalendarAtSync.Unix())
}

// A pulse at half or double the expected period does not change the calendar.
func TestPulseRejection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		offset uint64
	}{
		{"half period", tps / 2},
		{"double period", 2 * tps},
		{"just outside tolerance", tps + tps/20 + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			clock := NewManualClock(tps)
			var reported []error
			tb := newTestTimeBase(t, clock, func(c *Config) {
				c.OnAnomaly = func(err error) { reported = append(reported, err) }
			})

			clock.Set(1000)
			require.NoError(t, tb.OnPulse())
			before := tb.Now()

			clock.Set(1000 + tt.offset)
			err := tb.OnPulse()
			require.ErrorIs(t, err, ErrTimeSyncAnomaly)
			assert.True(t, errors.IsCategory(err, errors.CategoryTimeSync))
			require.Len(t, reported, 1)

			after := tb.Now()
			assert.Equal(t, before.CalendarAtSync, after.CalendarAtSync)
			assert.Equal(t, before.SyncTick, after.SyncTick)
			assert.Equal(t, Synchronized, tb.State())
			assert.Equal(t, uint64(1), tb.Stats().Anomalies)
		})
	}
}

func TestPulseWithinToleranceAccepted(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(tps)
	tb := newTestTimeBase(t, clock, nil)

	require.NoError(t, tb.OnPulse())
	clock.Set(tps + tps/25) // 4% late
	require.NoError(t, tb.OnPulse())
	clock.Set(tps + tps/25 + tps - tps/50) // then 2% early
	require.NoError(t, tb.OnPulse())
	assert.Equal(t, uint64(3), tb.Stats().Pulses)
}

func TestRecoveryAfterRejectedPulse(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(tps)
	tb := newTestTimeBase(t, clock, nil)

	require.NoError(t, tb.OnPulse())
	clock.Set(3 * tps) // two pulses missed
	require.ErrorIs(t, tb.OnPulse(), ErrTimeSyncAnomaly)

	// two edges one period apart resync, and seconds count from the last
	// accepted pulse
	clock.Set(4 * tps)
	require.NoError(t, tb.OnPulse())
	rec := tb.Now()
	assert.Equal(t, uint64(4*tps), rec.SyncTick)
	assert.Equal(t, int64(1_700_000_004), rec.CalendarAtSync.Unix())
}

func TestGlitchDoesNotRejectNextPulse(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(tps)
	tb := newTestTimeBase(t, clock, nil)

	clock.Set(tps)
	require.NoError(t, tb.OnPulse())
	before := tb.Now()

	clock.Set(tps + tps/2)
	require.ErrorIs(t, tb.OnPulse(), ErrTimeSyncAnomaly)
	assert.Equal(t, before.CalendarAtSync, tb.Now().CalendarAtSync)

	clock.Set(2 * tps)
	require.NoError(t, tb.OnPulse())
	rec := tb.Now()
	assert.Equal(t, uint64(2*tps), rec.SyncTick)
	assert.Equal(t, before.CalendarAtSync.Add(time.Second), rec.CalendarAtSync)

	s := tb.Stats()
	assert.Equal(t, uint64(2), s.Pulses)
	assert.Equal(t, uint64(1), s.Anomalies)
}

// A glitch one period after another glitch does not resync while the real
// pulse train is still on time.
func TestGlitchTrainIgnored(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(tps)
	tb := newTestTimeBase(t, clock, nil)

	for _, tick := range []uint64{tps, tps + tps/2, 2 * tps, 2*tps + tps/2, 3 * tps} {
		clock.Set(tick)
		_ = tb.OnPulse()
	}
	s := tb.Stats()
	assert.Equal(t, uint64(3), s.Pulses)
	assert.Equal(t, uint64(2), s.Anomalies)
	assert.Equal(t, uint64(3*tps), s.SyncTick)
}

func TestDuplicatePulseCollapsed(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(tps)
	tb := newTestTimeBase(t, clock, nil)

	clock.Set(10)
	require.NoError(t, tb.OnPulse())
	require.NoError(t, tb.OnPulse())
	require.NoError(t, tb.OnPulse())

	s := tb.Stats()
	assert.Equal(t, uint64(1), s.Pulses)
	assert.Equal(t, uint64(2), s.Collapsed)
	assert.Zero(t, s.Anomalies)
}

func TestOnLevelEdgeDetection(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(tps)
	tb := newTestTimeBase(t, clock, nil)

	require.NoError(t, tb.OnLevel(false))
	assert.Equal(t, Unsynchronized, tb.State())

	clock.Set(5)
	require.NoError(t, tb.OnLevel(true))
	// level held high across a second is not a new edge
	clock.Set(5 + tps)
	require.NoError(t, tb.OnLevel(true))
	require.NoError(t, tb.OnLevel(false))
	assert.Equal(t, uint64(1), tb.Stats().Pulses)

	require.NoError(t, tb.OnLevel(true))
	assert.Equal(t, uint64(2), tb.Stats().Pulses)
}

func TestResetReturnsToUnsynchronized(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(tps)
	tb := newTestTimeBase(t, clock, nil)

	clock.Set(100)
	require.NoError(t, tb.OnPulse())
	tb.Reset()

	assert.Equal(t, Unsynchronized, tb.State())
	rec := tb.Now()
	assert.False(t, rec.Synchronized)
	assert.Equal(t, uint64(100), rec.Ticks)

	// any spacing is accepted right after reset
	clock.Set(100 + tps/3)
	require.NoError(t, tb.OnPulse())
	assert.Equal(t, Synchronized, tb.State())
}

// Ticks never decrease across Now calls, whatever the clock or pulses do.
func TestTicksMonotonicUnderArbitraryPulses(t *testing.T) {
	t.Parallel()

	clock := NewManualClock(tps)
	tb := newTestTimeBase(t, clock, nil)
	rng := rand.New(rand.NewPCG(7, 11))

	var last uint64
	for i := range 5000 {
		switch rng.IntN(5) {
		case 0:
			_ = tb.OnPulse()
		case 1:
			// clock glitches backwards
			clock.Set(clock.Ticks() - min(clock.Ticks(), uint64(rng.IntN(1000))))
		case 2:
			tb.Reset()
		default:
			clock.Advance(uint64(rng.IntN(tps / 2)))
		}
		rec := tb.Now()
		require.GreaterOrEqual(t, rec.Ticks, last, "iteration %d", i)
		require.GreaterOrEqual(t, rec.Ticks, rec.SyncTick)
		last = rec.Ticks
	}
}

func TestConcurrentNowAndPulses(t *testing.T) {
	t.Parallel()

	clock := NewMonotonicClock()
	tb := newTestTimeBase(t, clock, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 1000 {
			_ = tb.OnPulse()
		}
	}()
	go func() {
		defer wg.Done()
		var last uint64
		for range 10_000 {
			rec := tb.Now()
			if rec.Ticks < last || rec.Ticks < rec.SyncTick {
				t.Errorf("non-monotonic record: %+v after %d", rec, last)
				return
			}
			last = rec.Ticks
		}
	}()
	wg.Wait()
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "unsynchronized", Unsynchronized.String())
	assert.Equal(t, "synchronized", Synchronized.String())
	assert.Equal(t, "State(7)", State(7).String())
}
