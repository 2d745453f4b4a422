package frontend

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/iq"
	"github.com/tphakala/iqstream/internal/logger"
)

const (
	DefaultToneFreq      = 100e3
	DefaultToneAmplitude = 0.5
)

// ToneConfig configures a ToneSource
type ToneConfig struct {
	// Freq is the tone frequency in Hz, negative for a tone below DC
	Freq float64
	// Amplitude is relative to full scale, 0 < Amplitude <= 1
	Amplitude float64
	// Noise is the standard deviation of added complex Gaussian noise,
	// relative to full scale, per rail
	Noise float64
	// Reference attaches the clean tone to each batch as the paired
	// desired signal
	Reference bool
	// Paced releases batches at the sample rate; otherwise as fast as the
	// queue accepts them
	Paced bool
	// Batches stops the source after this many batches; zero runs until
	// cancelled
	Batches int
	// Seed makes the noise reproducible
	Seed uint64
}

// ToneSource synthesizes a complex exponential, optionally with noise
type ToneSource struct {
	cfg   ToneConfig
	rng   *rand.Rand
	phase float64
}

// NewToneSource creates a tone generator. Zero values pick the demo tone of
// 100 kHz at half scale.
func NewToneSource(cfg ToneConfig) (*ToneSource, error) {
	if cfg.Freq == 0 {
		cfg.Freq = DefaultToneFreq
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = DefaultToneAmplitude
	}
	if cfg.Amplitude < 0 || cfg.Amplitude > 1 {
		return nil, errors.Newf("tone amplitude must be in (0, 1], got %g", cfg.Amplitude).
			Component("frontend").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.Noise < 0 || math.IsNaN(cfg.Noise) {
		return nil, errors.Newf("tone noise must be non-negative, got %g", cfg.Noise).
			Component("frontend").
			Category(errors.CategoryValidation).
			Build()
	}
	return &ToneSource{
		cfg: cfg,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (s *ToneSource) Name() string { return "tone" }

// Fill appends samples to b until it is full, continuing the phase of the
// previous call
func (s *ToneSource) Fill(b *iq.Batch, sampleRate int) {
	step := 2 * math.Pi * s.cfg.Freq / float64(sampleRate)
	amp := s.cfg.Amplitude
	for !b.Full() {
		sin, cos := math.Sincos(s.phase)
		i, q := amp*cos, amp*sin
		if s.cfg.Reference {
			b.Reference = append(b.Reference, iq.FromFloat(i, q))
		}
		if s.cfg.Noise > 0 {
			i += s.rng.NormFloat64() * s.cfg.Noise
			q += s.rng.NormFloat64() * s.cfg.Noise
		}
		b.Append(iq.FromFloat(i, q))
		s.phase = math.Mod(s.phase+step, 2*math.Pi)
	}
}

// Run generates batches until ctx is done or the batch limit is reached
func (s *ToneSource) Run(ctx context.Context, d *Device) error {
	log := d.Logger()
	log.Info("tone source started",
		logger.Float64("freq_hz", s.cfg.Freq),
		logger.Float64("amplitude", s.cfg.Amplitude),
		logger.Float64("noise", s.cfg.Noise),
		logger.Bool("paced", s.cfg.Paced))

	var p *pacer
	if s.cfg.Paced {
		p = newPacer(d.SampleRate())
	}
	for n := 0; s.cfg.Batches == 0 || n < s.cfg.Batches; n++ {
		if ctx.Err() != nil {
			return nil
		}
		var b *iq.Batch
		if s.cfg.Reference {
			b = d.Pool().GetWithReference()
		} else {
			b = d.NewBatch()
		}
		s.Fill(b, d.SampleRate())
		if p != nil && !p.wait(ctx, b.Len()) {
			b.Release()
			return nil
		}
		if err := d.Submit(ctx, b); err != nil {
			return nil
		}
	}
	return nil
}

// pacer releases samples no faster than the sample rate
type pacer struct {
	rate  float64
	start time.Time
	sent  int64
	timer *time.Timer
}

func newPacer(sampleRate int) *pacer {
	return &pacer{rate: float64(sampleRate), start: time.Now()}
}

// wait blocks until n more samples are due. It returns false when ctx ends.
func (p *pacer) wait(ctx context.Context, n int) bool {
	p.sent += int64(n)
	due := p.start.Add(time.Duration(float64(p.sent) / p.rate * float64(time.Second)))
	d := time.Until(due)
	if d <= 0 {
		return ctx.Err() == nil
	}
	if p.timer == nil {
		p.timer = time.NewTimer(d)
	} else {
		p.timer.Reset(d)
	}
	select {
	case <-ctx.Done():
		p.timer.Stop()
		return false
	case <-p.timer.C:
		return true
	}
}
