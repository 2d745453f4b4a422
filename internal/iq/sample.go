// Package iq defines the fixed-point complex sample and the batch container
// that flows through the pipeline.
//
// Samples are Q15: each component is a signed 16-bit integer scaled by 2^-15,
// covering [-1, 1-2^-15]. Conversion from floating point rounds to nearest and
// saturates at the range limits. Nothing in the pipeline wraps.
package iq

import "math"

const (
	// FullScale is the Q15 integer representing 1.0 (not representable itself)
	FullScale = 32768.0

	// Scale converts a Q15 integer to its fractional value
	Scale = 1.0 / FullScale

	maxQ15 = math.MaxInt16
	minQ15 = math.MinInt16
)

// Sample is one complex baseband sample in Q15
type Sample struct {
	I int16
	Q int16
}

// Saturate converts a fractional value to Q15, rounding to nearest and
// clamping to the representable range. NaN maps to zero.
func Saturate(x float64) int16 {
	if math.IsNaN(x) {
		return 0
	}
	v := math.Round(x * FullScale)
	switch {
	case v >= maxQ15:
		return maxQ15
	case v <= minQ15:
		return minQ15
	}
	return int16(v)
}

// FromComplex converts a complex value to a saturated Q15 sample
func FromComplex(c complex128) Sample {
	return Sample{I: Saturate(real(c)), Q: Saturate(imag(c))}
}

// FromFloat converts separate I and Q fractions to a saturated Q15 sample
func FromFloat(i, q float64) Sample {
	return Sample{I: Saturate(i), Q: Saturate(q)}
}

// Complex returns the exact fractional value of s
func (s Sample) Complex() complex128 {
	return complex(float64(s.I)*Scale, float64(s.Q)*Scale)
}

// Power returns |s|^2 as a fraction of full scale
func (s Sample) Power() float64 {
	i := float64(s.I) * Scale
	q := float64(s.Q) * Scale
	return i*i + q*q
}

// FromUint8 converts rtl-sdr style offset binary bytes to a sample
func FromUint8(i, q byte) Sample {
	return Sample{I: int16(int(i)-128) << 8, Q: int16(int(q)-128) << 8}
}
