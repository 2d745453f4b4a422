package frontend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/logger"
	"github.com/tphakala/iqstream/internal/timebase"
)

type pulseRecorder struct {
	clock *timebase.ManualClock
	ticks []uint64
}

func (r *pulseRecorder) OnPulse() error {
	r.ticks = append(r.ticks, r.clock.Ticks())
	return nil
}

func quietLogger() logger.Logger {
	return logger.NewSlogLogger(nil, logger.LogLevelError, nil)
}

func TestNewPulseGeneratorValidation(t *testing.T) {
	t.Parallel()

	clock := timebase.NewManualClock(1000)
	_, err := NewPulseGenerator(nil, &pulseRecorder{}, PulseConfig{})
	require.Error(t, err)
	_, err = NewPulseGenerator(clock, nil, PulseConfig{})
	require.Error(t, err)
	_, err = NewPulseGenerator(clock, &pulseRecorder{}, PulseConfig{Period: time.Microsecond})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestPulseOnBoundaries(t *testing.T) {
	t.Parallel()

	clock := timebase.NewManualClock(1000)
	rec := &pulseRecorder{clock: clock}
	g, err := NewPulseGenerator(clock, rec, PulseConfig{Logger: quietLogger()})
	require.NoError(t, err)

	assert.Zero(t, g.Check())
	clock.Set(999)
	assert.Zero(t, g.Check())
	clock.Set(1000)
	assert.Equal(t, 1, g.Check())
	assert.Zero(t, g.Check())
	clock.Set(2003)
	assert.Equal(t, 1, g.Check())

	// skipped periods collapse into one pulse on the latest boundary
	clock.Set(5500)
	assert.Equal(t, 1, g.Check())
	clock.Set(5999)
	assert.Zero(t, g.Check())
	clock.Set(6000)
	assert.Equal(t, 1, g.Check())

	assert.Equal(t, []uint64{1000, 2003, 5500, 6000}, rec.ticks)
	assert.Equal(t, uint64(4), g.Stats().Pulses)
}

func TestPulseGlitchesRejectedByTimeBase(t *testing.T) {
	t.Parallel()

	clock := timebase.NewManualClock(1000)
	tb, err := timebase.New(clock, timebase.Config{
		InitialSeconds: func() int64 { return 1_700_000_000 },
		Logger:         quietLogger(),
	})
	require.NoError(t, err)
	g, err := NewPulseGenerator(clock, tb, PulseConfig{GlitchEvery: 2, Logger: quietLogger()})
	require.NoError(t, err)

	for tick := uint64(100); tick <= 5000; tick += 100 {
		clock.Set(tick)
		g.Check()
	}

	// pulses at 1000..5000, glitches at 2500 and 4500; only the glitches
	// are rejected
	st := g.Stats()
	assert.Equal(t, uint64(5), st.Pulses)
	assert.Equal(t, uint64(2), st.Glitches)
	assert.Equal(t, uint64(2), st.Rejected)

	tbs := tb.Stats()
	assert.Equal(t, uint64(2), tbs.Anomalies)
	assert.Equal(t, uint64(5), tbs.Pulses)
	assert.Equal(t, timebase.Synchronized, tbs.State)
	assert.Equal(t, uint64(5000), tbs.SyncTick)
}

func TestPulseRunFollowsDeviceClock(t *testing.T) {
	t.Parallel()

	d, q := newDevice(t, 64, 100, OverflowDrop)
	tb, err := timebase.New(d, timebase.Config{Logger: quietLogger()})
	require.NoError(t, err)
	g, err := NewPulseGenerator(d, tb, PulseConfig{PollInterval: time.Millisecond, Logger: quietLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	for range 10 {
		require.True(t, d.Produce(fullBatch(d)))
	}
	require.Eventually(t, func() bool {
		return tb.State() == timebase.Synchronized
	}, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), g.Stats().Pulses)
	assert.Len(t, drain(q), 10)
}
