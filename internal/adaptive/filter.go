// Package adaptive implements a complex least-mean-squares adaptive FIR
// filter that updates its coefficients on every sample.
//
// For input x[n] and desired d[n] the filter computes
//
//	y[n] = Σ w[k]·x[n-k]
//	e[n] = d[n] - y[n]
//	w[k] += μ·e[n]·conj(x[n-k])
//
// The normalized variant divides μ by ε + ‖x‖² over the delay line.
//
// A Filter is not safe for concurrent use. The stream processor owns it and
// applies control writes between batches.
package adaptive

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/tphakala/iqstream/internal/errors"
)

// ErrFilterFaulted is returned by Process while the filter is faulted
var ErrFilterFaulted = errors.NewStd("adaptive filter faulted")

// State is the filter state
type State int

const (
	Running State = iota
	Faulted
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const (
	DefaultTaps     = 16
	DefaultStepSize = 0.01
	DefaultEpsilon  = 1e-6
	MaxTaps         = 4096
)

// Config configures a Filter
type Config struct {
	// Taps is the filter length M
	Taps int
	// StepSize is the adaptation gain μ
	StepSize float64
	// Normalized selects NLMS
	Normalized bool
	// Epsilon regularizes the NLMS normalization
	Epsilon float64
}

// Filter is a complex LMS/NLMS adaptive FIR filter
type Filter struct {
	coeffs []complex128
	delay  []complex128 // circular, delay[head] is the newest input
	head   int
	power  float64 // running Σ|delay|², NLMS only

	mu         float64
	normalized bool
	epsilon    float64

	state    State
	faultErr error
	samples  uint64
}

// New creates a filter with zeroed coefficients and delay line
func New(cfg Config) (*Filter, error) {
	if cfg.Taps <= 0 || cfg.Taps > MaxTaps {
		return nil, errors.Newf("filter taps must be in 1..%d, got %d", MaxTaps, cfg.Taps).
			Component("adaptive").
			Category(errors.CategoryValidation).
			Build()
	}
	if err := ValidateStepSize(cfg.StepSize); err != nil {
		return nil, err
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	return &Filter{
		coeffs:     make([]complex128, cfg.Taps),
		delay:      make([]complex128, cfg.Taps),
		mu:         cfg.StepSize,
		normalized: cfg.Normalized,
		epsilon:    cfg.Epsilon,
	}, nil
}

// ValidateStepSize rejects NaN, infinite and negative step sizes
func ValidateStepSize(mu float64) error {
	if math.IsNaN(mu) || math.IsInf(mu, 0) || mu < 0 {
		return errors.Newf("invalid step size %v: must be finite and non-negative", mu).
			Component("adaptive").
			Category(errors.CategoryValidation).
			Context("step_size", fmt.Sprint(mu)).
			Build()
	}
	return nil
}

// Process pushes input into the delay line, produces one output sample and
// adapts the coefficients toward desired. While faulted it returns zeros and
// an error wrapping ErrFilterFaulted.
func (f *Filter) Process(input, desired complex128) (output, errSample complex128, err error) {
	if f.state == Faulted {
		return 0, 0, f.faultErr
	}
	if !finite(input) || !finite(desired) {
		return 0, 0, f.fault("non-finite input")
	}

	m := len(f.delay)
	f.head--
	if f.head < 0 {
		f.head = m - 1
	}
	if f.normalized {
		old := f.delay[f.head]
		f.power += sq(input) - sq(old)
		if f.power < 0 {
			f.power = 0
		}
	}
	f.delay[f.head] = input
	if f.normalized && f.head == 0 {
		// resync the running power once per lap to bound rounding drift
		f.power = 0
		for _, x := range f.delay {
			f.power += sq(x)
		}
	}

	// y = Σ w[k]·x[n-k]; the delay line is walked in two runs to avoid a
	// modulo per tap
	tail := f.delay[f.head:]
	wrap := f.delay[:f.head]
	for k, x := range tail {
		output += f.coeffs[k] * x
	}
	for k, x := range wrap {
		output += f.coeffs[len(tail)+k] * x
	}
	errSample = desired - output

	if !finite(output) || !finite(errSample) {
		return 0, 0, f.fault("non-finite output")
	}

	step := f.mu
	if f.normalized {
		step /= f.epsilon + f.power
	}
	g := complex(step, 0) * errSample
	if g != 0 {
		for k, x := range tail {
			f.coeffs[k] += g * cmplx.Conj(x)
		}
		for k, x := range wrap {
			f.coeffs[len(tail)+k] += g * cmplx.Conj(x)
		}
	}

	f.samples++
	return output, errSample, nil
}

// CheckCoefficients faults the filter if any coefficient has diverged. Run it
// once per batch.
func (f *Filter) CheckCoefficients() error {
	if f.state == Faulted {
		return f.faultErr
	}
	for _, c := range f.coeffs {
		if !finite(c) {
			return f.fault("non-finite coefficients")
		}
	}
	return nil
}

func (f *Filter) fault(reason string) error {
	f.state = Faulted
	for i := range f.delay {
		f.delay[i] = 0
	}
	f.power = 0
	f.faultErr = errors.New(fmt.Errorf("%w: %s", ErrFilterFaulted, reason)).
		Component("adaptive").
		Category(errors.CategoryFilter).
		Priority(errors.PriorityHigh).
		Context("taps", len(f.coeffs)).
		Context("step_size", f.mu).
		Context("samples", f.samples).
		Build()
	return f.faultErr
}

// Coefficients returns a copy of the current coefficients
func (f *Filter) Coefficients() []complex128 {
	out := make([]complex128, len(f.coeffs))
	copy(out, f.coeffs)
	return out
}

// SetCoefficients loads coefficients, for example from a snapshot. The
// length must match the filter length and every value must be finite. The
// delay line is left untouched.
func (f *Filter) SetCoefficients(c []complex128) error {
	if len(c) != len(f.coeffs) {
		return errors.Newf("coefficient count %d does not match %d taps", len(c), len(f.coeffs)).
			Component("adaptive").
			Category(errors.CategoryValidation).
			Build()
	}
	for i, v := range c {
		if !finite(v) {
			return errors.Newf("coefficient %d is not finite", i).
				Component("adaptive").
				Category(errors.CategoryValidation).
				Build()
		}
	}
	copy(f.coeffs, c)
	return nil
}

// SetStepSize changes μ. The value is used exactly as given; non-finite or
// negative values are rejected.
func (f *Filter) SetStepSize(mu float64) error {
	if err := ValidateStepSize(mu); err != nil {
		return err
	}
	f.mu = mu
	return nil
}

// StepSize returns μ
func (f *Filter) StepSize() float64 {
	return f.mu
}

// Taps returns the filter length
func (f *Filter) Taps() int {
	return len(f.coeffs)
}

// Normalized reports whether the filter runs NLMS
func (f *Filter) Normalized() bool {
	return f.normalized
}

// State returns Running or Faulted
func (f *Filter) State() State {
	return f.state
}

// Samples returns the number of samples adapted since the last reset
func (f *Filter) Samples() uint64 {
	return f.samples
}

// Reset zeroes coefficients and delay line and clears a fault
func (f *Filter) Reset() {
	for i := range f.coeffs {
		f.coeffs[i] = 0
		f.delay[i] = 0
	}
	f.head = 0
	f.power = 0
	f.samples = 0
	f.state = Running
	f.faultErr = nil
}

func finite(c complex128) bool {
	r, i := real(c), imag(c)
	return !math.IsNaN(r) && !math.IsInf(r, 0) && !math.IsNaN(i) && !math.IsInf(i, 0)
}

func sq(c complex128) float64 {
	return real(c)*real(c) + imag(c)*imag(c)
}
