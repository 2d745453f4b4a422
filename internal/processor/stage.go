package processor

import (
	"fmt"
	"math"
	"strings"

	"github.com/tphakala/simd/f64"

	"github.com/tphakala/iqstream/internal/adaptive"
	"github.com/tphakala/iqstream/internal/equalizer"
	"github.com/tphakala/iqstream/internal/errors"
	"github.com/tphakala/iqstream/internal/iq"
)

// ErrMissingReference is returned by a paired LMS stage when a batch carries
// no reference samples
var ErrMissingReference = errors.NewStd("batch has no reference signal")

// Stage transforms one input batch into one output batch. Stages are owned
// by the processor goroutine and are never called concurrently.
type Stage interface {
	Name() string
	// Process writes len(in.Samples) samples to out.Samples. On error the
	// processor discards out and delivers a copy of in instead.
	Process(in, out *iq.Batch) error
	// Reset clears all internal state
	Reset()
}

// AdaptiveStage is a stage whose coefficients adapt while it runs
type AdaptiveStage interface {
	Stage
	SetStepSize(mu float64) error
	StepSize() float64
	Taps() int
	Normalized() bool
	Coefficients() []complex128
	SetCoefficients(c []complex128) error
	// ErrorPower returns the mean |e|² over the last processed batch
	ErrorPower() float64
	// Samples returns the samples adapted since the last reset
	Samples() uint64
}

// Stage types
const (
	StageLMS         = "lms"
	StageBiquad      = "biquad"
	StageGain        = "gain"
	StagePassthrough = "passthrough"
)

// StageConfig selects and configures a stage
type StageConfig struct {
	Type   string
	LMS    LMSConfig
	Biquad BiquadConfig
	// GainDB is the gain stage's gain in decibels
	GainDB float64
}

// NewStage builds the stage described by cfg
func NewStage(cfg StageConfig) (Stage, error) {
	switch strings.ToLower(cfg.Type) {
	case StageLMS, "":
		return NewLMSStage(cfg.LMS)
	case StageBiquad:
		return NewBiquadStage(cfg.Biquad)
	case StageGain:
		return NewGainStage(cfg.GainDB), nil
	case StagePassthrough:
		return Passthrough{}, nil
	default:
		return nil, errors.Newf("unknown stage type %q", cfg.Type).
			Component("processor").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// Passthrough copies input to output unchanged
type Passthrough struct{}

func (Passthrough) Name() string { return StagePassthrough }

func (Passthrough) Process(in, out *iq.Batch) error {
	out.Samples = append(out.Samples[:0], in.Samples...)
	return nil
}

func (Passthrough) Reset() {}

// LMS reference strategies
const (
	// ReferenceALE runs the filter as an adaptive line enhancer: the desired
	// signal is x[n] and the filter input is x[n-D]
	ReferenceALE = "ale"
	// ReferencePaired takes the desired signal from the batch reference
	ReferencePaired = "paired"
)

// LMS output selection
const (
	EmitOutput = "output"
	// EmitError emits desired - output, which cancels whatever the filter
	// can predict
	EmitError = "error"
)

// LMSConfig configures an LMS stage
type LMSConfig struct {
	Filter    adaptive.Config
	Reference string
	// Delay is the decorrelation delay D in samples for ALE mode
	Delay int
	Emit  string
}

// LMSStage runs an adaptive filter over every sample
type LMSStage struct {
	filter    *adaptive.Filter
	reference string
	emit      string

	// ALE decorrelation delay line, history[pos] is x[n-D]
	history []complex128
	pos     int

	power      []float64 // per-sample |e|² scratch
	errorPower float64
}

// NewLMSStage creates an LMS stage
func NewLMSStage(cfg LMSConfig) (*LMSStage, error) {
	f, err := adaptive.New(cfg.Filter)
	if err != nil {
		return nil, err
	}
	s := &LMSStage{filter: f}

	switch strings.ToLower(cfg.Reference) {
	case ReferenceALE, "":
		s.reference = ReferenceALE
		if cfg.Delay <= 0 {
			cfg.Delay = 1
		}
		s.history = make([]complex128, cfg.Delay)
	case ReferencePaired:
		s.reference = ReferencePaired
	default:
		return nil, errors.Newf("unknown LMS reference %q", cfg.Reference).
			Component("processor").
			Category(errors.CategoryConfiguration).
			Build()
	}

	switch strings.ToLower(cfg.Emit) {
	case EmitOutput, "":
		s.emit = EmitOutput
	case EmitError:
		s.emit = EmitError
	default:
		return nil, errors.Newf("unknown LMS emit mode %q", cfg.Emit).
			Component("processor").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return s, nil
}

func (s *LMSStage) Name() string { return StageLMS }

// Reference returns the reference strategy
func (s *LMSStage) Reference() string { return s.reference }

// Emit returns the emitted signal
func (s *LMSStage) Emit() string { return s.emit }

func (s *LMSStage) Process(in, out *iq.Batch) error {
	n := len(in.Samples)
	paired := s.reference == ReferencePaired
	if paired && !in.HasReference() {
		return ErrMissingReference
	}
	if cap(s.power) < n {
		s.power = make([]float64, n)
	}
	power := s.power[:n]
	out.Samples = out.Samples[:0]

	for i, smp := range in.Samples {
		x := smp.Complex()
		var input, desired complex128
		if paired {
			input, desired = x, in.Reference[i].Complex()
		} else {
			input, desired = s.history[s.pos], x
			s.history[s.pos] = x
			s.pos++
			if s.pos == len(s.history) {
				s.pos = 0
			}
		}

		y, e, err := s.filter.Process(input, desired)
		if err != nil {
			return err
		}
		power[i] = real(e)*real(e) + imag(e)*imag(e)
		if s.emit == EmitError {
			out.Samples = append(out.Samples, iq.FromComplex(e))
		} else {
			out.Samples = append(out.Samples, iq.FromComplex(y))
		}
	}

	if n > 0 {
		s.errorPower = f64.Sum(power) / float64(n)
	}
	return s.filter.CheckCoefficients()
}

func (s *LMSStage) Reset() {
	s.filter.Reset()
	clear(s.history)
	s.pos = 0
	s.errorPower = 0
}

func (s *LMSStage) SetStepSize(mu float64) error { return s.filter.SetStepSize(mu) }
func (s *LMSStage) StepSize() float64            { return s.filter.StepSize() }
func (s *LMSStage) Taps() int                    { return s.filter.Taps() }
func (s *LMSStage) Normalized() bool             { return s.filter.Normalized() }
func (s *LMSStage) Coefficients() []complex128   { return s.filter.Coefficients() }
func (s *LMSStage) ErrorPower() float64          { return s.errorPower }
func (s *LMSStage) Samples() uint64              { return s.filter.Samples() }

func (s *LMSStage) SetCoefficients(c []complex128) error {
	return s.filter.SetCoefficients(c)
}

// BiquadConfig configures a biquad stage
type BiquadConfig struct {
	Filter     string
	SampleRate float64
	Frequency  float64
	// Q for low/high/all-pass, width in octaves otherwise
	Q      float64
	GainDB float64
	Passes int
}

// BiquadStage applies a fixed IIR filter to I and Q
type BiquadStage struct {
	filter  *equalizer.Filter
	scratch []complex128
}

// NewBiquadStage creates a biquad stage
func NewBiquadStage(cfg BiquadConfig) (*BiquadStage, error) {
	name, err := equalizer.ParseFilterName(cfg.Filter)
	if err != nil {
		return nil, errors.New(err).
			Component("processor").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if cfg.Passes <= 0 {
		cfg.Passes = 1
	}
	f, err := equalizer.Design(name, cfg.SampleRate, cfg.Frequency, cfg.Q, cfg.GainDB, cfg.Passes)
	if err != nil {
		return nil, errors.New(err).
			Component("processor").
			Category(errors.CategoryConfiguration).
			Context("filter", cfg.Filter).
			Build()
	}
	return &BiquadStage{filter: f}, nil
}

func (s *BiquadStage) Name() string { return StageBiquad }

func (s *BiquadStage) Process(in, out *iq.Batch) error {
	n := len(in.Samples)
	if cap(s.scratch) < n {
		s.scratch = make([]complex128, n)
	}
	buf := s.scratch[:n]
	for i, smp := range in.Samples {
		buf[i] = smp.Complex()
	}
	s.filter.ApplyBatch(buf)

	out.Samples = out.Samples[:0]
	for _, c := range buf {
		if math.IsNaN(real(c)) || math.IsNaN(imag(c)) {
			return fmt.Errorf("biquad %s produced NaN", s.filter.Name())
		}
		out.Samples = append(out.Samples, iq.FromComplex(c))
	}
	return nil
}

func (s *BiquadStage) Reset() { s.filter.Reset() }

// GainStage scales I and Q by a fixed linear gain, saturating at full scale
type GainStage struct {
	gain    float64
	scratch []float64 // interleaved I/Q
}

// NewGainStage creates a gain stage from a gain in decibels
func NewGainStage(db float64) *GainStage {
	return &GainStage{gain: math.Pow(10, db/20)}
}

func (s *GainStage) Name() string { return StageGain }

// Gain returns the linear gain
func (s *GainStage) Gain() float64 { return s.gain }

func (s *GainStage) Process(in, out *iq.Batch) error {
	n := 2 * len(in.Samples)
	if cap(s.scratch) < n {
		s.scratch = make([]float64, n)
	}
	buf := s.scratch[:n]
	for i, smp := range in.Samples {
		buf[2*i] = float64(smp.I)
		buf[2*i+1] = float64(smp.Q)
	}
	f64.Scale(buf, buf, s.gain)

	out.Samples = out.Samples[:0]
	for i := 0; i < n; i += 2 {
		out.Samples = append(out.Samples, iq.Sample{
			I: iq.Saturate(buf[i] * iq.Scale),
			Q: iq.Saturate(buf[i+1] * iq.Scale),
		})
	}
	return nil
}

func (s *GainStage) Reset() {}
