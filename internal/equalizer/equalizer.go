// Package equalizer provides biquad filters from Robert Bristow-Johnson's
// audio EQ cookbook, applied to complex baseband samples.
//
// The coefficients are real, so filtering a complex sample filters I and Q
// independently with the same response. The response is symmetric around DC:
// a low-pass at 10 kHz passes -10..+10 kHz of the baseband.
//
// Supported designs:
//
//   - Low-pass
//   - High-pass (DC blocking)
//   - All-pass
//   - Band-pass
//   - Band-reject (notch)
//   - Peaking
package equalizer

import (
	"fmt"
	"math"
	"strings"
)

// FilterName identifies a filter design
type FilterName int

const (
	Undefined FilterName = iota
	LowPass
	HighPass
	AllPass
	BandPass
	BandReject
	Peaking
)

func (n FilterName) String() string {
	switch n {
	case LowPass:
		return "lowpass"
	case HighPass:
		return "highpass"
	case AllPass:
		return "allpass"
	case BandPass:
		return "bandpass"
	case BandReject:
		return "bandreject"
	case Peaking:
		return "peaking"
	default:
		return "undefined"
	}
}

// ParseFilterName maps a configuration string to a FilterName
func ParseFilterName(s string) (FilterName, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lowpass":
		return LowPass, nil
	case "highpass":
		return HighPass, nil
	case "allpass":
		return AllPass, nil
	case "bandpass":
		return BandPass, nil
	case "bandreject", "notch":
		return BandReject, nil
	case "peaking":
		return Peaking, nil
	default:
		return Undefined, fmt.Errorf("unknown filter type %q", s)
	}
}

// Filter is a cascade of identical biquad sections
type Filter struct {
	name FilterName

	in1, in2, out1, out2 []complex128

	passes int

	// normalized coefficients
	b0, b1, b2, a1, a2 float64
}

// IsZero returns true when f is not initialized.
func (f *Filter) IsZero() bool {
	return f.name == Undefined
}

// Name returns the filter design
func (f *Filter) Name() FilterName {
	return f.name
}

// NewFilter creates a filter from raw cookbook coefficients
func NewFilter(name FilterName, a0, a1, a2, b0, b1, b2 float64, passes int) *Filter {
	return &Filter{
		name:   name,
		passes: passes,
		in1:    make([]complex128, passes),
		in2:    make([]complex128, passes),
		out1:   make([]complex128, passes),
		out2:   make([]complex128, passes),
		b0:     b0 / a0,
		b1:     b1 / a0,
		b2:     b2 / a0,
		a1:     a1 / a0,
		a2:     a2 / a0,
	}
}

// ApplyBatch filters samples in place
func (f *Filter) ApplyBatch(samples []complex128) {
	b0, b1, b2 := complex(f.b0, 0), complex(f.b1, 0), complex(f.b2, 0)
	a1, a2 := complex(f.a1, 0), complex(f.a2, 0)
	for p := range f.passes {
		in1, in2, out1, out2 := f.in1[p], f.in2[p], f.out1[p], f.out2[p]
		for i, x := range samples {
			y := b0*x + b1*in1 + b2*in2 - a1*out1 - a2*out2
			in2, in1 = in1, x
			out2, out1 = out1, y
			samples[i] = y
		}
		f.in1[p], f.in2[p], f.out1[p], f.out2[p] = in1, in2, out1, out2
	}
}

// Apply filters one sample
func (f *Filter) Apply(x complex128) complex128 {
	for p := range f.passes {
		y := complex(f.b0, 0)*x + complex(f.b1, 0)*f.in1[p] + complex(f.b2, 0)*f.in2[p] -
			complex(f.a1, 0)*f.out1[p] - complex(f.a2, 0)*f.out2[p]
		f.in2[p], f.in1[p] = f.in1[p], x
		f.out2[p], f.out1[p] = f.out1[p], y
		x = y
	}
	return x
}

// Reset clears the filter history
func (f *Filter) Reset() {
	for p := range f.passes {
		f.in1[p], f.in2[p], f.out1[p], f.out2[p] = 0, 0, 0, 0
	}
}

// Response returns the magnitude response at frequency (Hz) for one pass
// raised to the number of passes.
func (f *Filter) Response(sampleRate, frequency float64) float64 {
	w := 2 * math.Pi * frequency / sampleRate
	z1 := complex(math.Cos(-w), math.Sin(-w))
	z2 := z1 * z1
	num := complex(f.b0, 0) + complex(f.b1, 0)*z1 + complex(f.b2, 0)*z2
	den := 1 + complex(f.a1, 0)*z1 + complex(f.a2, 0)*z2
	h := num / den
	return math.Pow(math.Hypot(real(h), imag(h)), float64(f.passes))
}

func validate(sampleRate, frequency, shape float64, passes int) error {
	switch {
	case passes < 1:
		return fmt.Errorf("filter passes must be 1 or greater")
	case sampleRate <= 0:
		return fmt.Errorf("sample rate must be positive")
	case frequency <= 0 || frequency >= sampleRate/2:
		return fmt.Errorf("frequency %g Hz must be within (0, %g)", frequency, sampleRate/2)
	case shape <= 0:
		return fmt.Errorf("q/width must be greater than 0")
	}
	return nil
}

// NewLowPass returns a low-pass filter. Each pass adds 12 dB/oct.
func NewLowPass(sampleRate, frequency, q float64, passes int) (*Filter, error) {
	if err := validate(sampleRate, frequency, q, passes); err != nil {
		return nil, err
	}
	w0 := 2.0 * math.Pi * frequency / sampleRate
	alpha := math.Sin(w0) / (2.0 * q)
	cos := math.Cos(w0)

	return NewFilter(LowPass,
		1.0+alpha, -2.0*cos, 1.0-alpha,
		(1.0-cos)/2.0, 1.0-cos, (1.0-cos)/2.0,
		passes), nil
}

// NewHighPass returns a high-pass filter. A low cutoff makes it a DC blocker.
func NewHighPass(sampleRate, frequency, q float64, passes int) (*Filter, error) {
	if err := validate(sampleRate, frequency, q, passes); err != nil {
		return nil, err
	}
	w0 := 2.0 * math.Pi * frequency / sampleRate
	alpha := math.Sin(w0) / (2.0 * q)
	cos := math.Cos(w0)

	return NewFilter(HighPass,
		1.0+alpha, -2.0*cos, 1.0-alpha,
		(1.0+cos)/2.0, -(1.0 + cos), (1.0+cos)/2.0,
		passes), nil
}

// NewAllPass returns an all-pass filter
func NewAllPass(sampleRate, frequency, q float64, passes int) (*Filter, error) {
	if err := validate(sampleRate, frequency, q, passes); err != nil {
		return nil, err
	}
	w0 := 2.0 * math.Pi * frequency / sampleRate
	alpha := math.Sin(w0) / (2.0 * q)
	cos := math.Cos(w0)

	return NewFilter(AllPass,
		1.0+alpha, -2.0*cos, 1.0-alpha,
		1.0-alpha, -2.0*cos, 1.0+alpha,
		passes), nil
}

// bandwidthAlpha converts a bandwidth in octaves to the cookbook alpha
func bandwidthAlpha(w0, width float64) float64 {
	return math.Sin(w0) * math.Sinh(math.Log(2.0)/2.0*width*w0/math.Sin(w0))
}

// NewBandPass returns a band-pass filter with width in octaves
func NewBandPass(sampleRate, frequency, width float64, passes int) (*Filter, error) {
	if err := validate(sampleRate, frequency, width, passes); err != nil {
		return nil, err
	}
	w0 := 2.0 * math.Pi * frequency / sampleRate
	alpha := bandwidthAlpha(w0, width)

	return NewFilter(BandPass,
		1.0+alpha, -2.0*math.Cos(w0), 1.0-alpha,
		alpha, 0.0, -alpha,
		passes), nil
}

// NewBandReject returns a notch filter with width in octaves
func NewBandReject(sampleRate, frequency, width float64, passes int) (*Filter, error) {
	if err := validate(sampleRate, frequency, width, passes); err != nil {
		return nil, err
	}
	w0 := 2.0 * math.Pi * frequency / sampleRate
	alpha := bandwidthAlpha(w0, width)

	return NewFilter(BandReject,
		1.0+alpha, -2.0*math.Cos(w0), 1.0-alpha,
		1.0, -2.0*math.Cos(w0), 1.0,
		passes), nil
}

// NewPeaking returns a peaking filter with width in octaves and gain in dB
func NewPeaking(sampleRate, frequency, width, gain float64, passes int) (*Filter, error) {
	if err := validate(sampleRate, frequency, width, passes); err != nil {
		return nil, err
	}
	w0 := 2.0 * math.Pi * frequency / sampleRate
	alpha := bandwidthAlpha(w0, width)
	a := math.Pow(10.0, gain/40.0)

	return NewFilter(Peaking,
		1.0+alpha/a, -2.0*math.Cos(w0), 1.0-alpha/a,
		1.0+alpha*a, -2.0*math.Cos(w0), 1.0-alpha*a,
		passes), nil
}

// Design creates a filter by name. shape is Q for low/high/all-pass and the
// width in octaves for the others; gain is only used by peaking filters.
func Design(name FilterName, sampleRate, frequency, shape, gain float64, passes int) (*Filter, error) {
	switch name {
	case LowPass:
		return NewLowPass(sampleRate, frequency, shape, passes)
	case HighPass:
		return NewHighPass(sampleRate, frequency, shape, passes)
	case AllPass:
		return NewAllPass(sampleRate, frequency, shape, passes)
	case BandPass:
		return NewBandPass(sampleRate, frequency, shape, passes)
	case BandReject:
		return NewBandReject(sampleRate, frequency, shape, passes)
	case Peaking:
		return NewPeaking(sampleRate, frequency, shape, gain, passes)
	default:
		return nil, fmt.Errorf("undefined filter type")
	}
}

// FilterChain applies filters in sequence. It is owned by one goroutine.
type FilterChain struct {
	filters []*Filter
}

// NewFilterChain creates an empty chain
func NewFilterChain() *FilterChain {
	return &FilterChain{}
}

// AddFilter appends a filter to the chain
func (fc *FilterChain) AddFilter(f *Filter) error {
	if f == nil || f.IsZero() {
		return fmt.Errorf("cannot add nil or uninitialized filter")
	}
	fc.filters = append(fc.filters, f)
	return nil
}

// Length returns the number of filters in the chain
func (fc *FilterChain) Length() int {
	return len(fc.filters)
}

// ApplyBatch applies every filter in order, in place
func (fc *FilterChain) ApplyBatch(samples []complex128) {
	for _, f := range fc.filters {
		f.ApplyBatch(samples)
	}
}

// Reset clears every filter's history
func (fc *FilterChain) Reset() {
	for _, f := range fc.filters {
		f.Reset()
	}
}
