package bench

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/iqstream/internal/conf"
	"github.com/tphakala/iqstream/internal/processor"
)

func baseSettings() *conf.Settings {
	return &conf.Settings{
		Frontend: conf.FrontendSettings{
			Source: "soundcard", SampleRate: 48_000, BatchSize: 128, QueueCapacity: 8,
			Paced: true, Tone: conf.ToneSettings{Freq: 1000, Amplitude: 0.5},
			Pulse: conf.PulseSettings{Enabled: true},
		},
		TimeBase: conf.TimeBaseSettings{PulsePeriod: time.Second, Tolerance: 0.05, Coarse: "software"},
		Filter: conf.FilterSettings{
			Stage: "gain", Taps: 4, StepSize: 0.01, Normalized: true, Epsilon: 1e-6,
			Reference: "paired", Delay: 1, Emit: "output",
			Biquad: conf.BiquadSettings{Filter: "lowpass", Frequency: 4000, Q: 0.707, Passes: 1},
		},
		Spectral: conf.SpectralSettings{Enabled: true},
		API:      conf.APISettings{Enabled: true, Listen: "127.0.0.1:0"},
		Snapshot: conf.SnapshotSettings{Enabled: true},
	}
}

func TestBenchSettingsIsolatesRun(t *testing.T) {
	base := baseSettings()
	s := benchSettings(base, processor.StageLMS, 10)

	assert.Equal(t, "tone", s.Frontend.Source)
	assert.False(t, s.Frontend.Paced)
	assert.Equal(t, 10, s.Frontend.Batches)
	assert.Equal(t, processor.ReferenceALE, s.Filter.Reference)
	assert.False(t, s.API.Enabled)
	assert.False(t, s.Snapshot.Enabled)
	assert.False(t, s.Spectral.Enabled)
	assert.False(t, s.Frontend.Pulse.Enabled)

	// the caller's settings are untouched
	assert.Equal(t, "soundcard", base.Frontend.Source)
	assert.True(t, base.API.Enabled)
}

func TestRunPrintsEveryStage(t *testing.T) {
	batches = 20
	stages = []string{processor.StageLMS, processor.StageBiquad, processor.StagePassthrough}

	cmd := &cobra.Command{}
	cmd.SetContext(t.Context())
	var out bytes.Buffer
	require.NoError(t, Run(cmd, baseSettings(), &out))

	text := out.String()
	for _, s := range stages {
		assert.Contains(t, text, s)
	}
	assert.Contains(t, text, "samples/s")
}

func TestResultRate(t *testing.T) {
	r := Result{Samples: 1000, Elapsed: time.Second / 2}
	assert.InDelta(t, 2000.0, r.SamplesPerSecond(), 1e-9)
	assert.Zero(t, Result{}.SamplesPerSecond())
}
