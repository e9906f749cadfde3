// Package dsp implements the second-order filter stages applied to the raw signal.
//
// Coefficients follow the RBJ audio-EQ cookbook and are normalized by a0.
// Each stage is a transposed direct-form II section holding two state values.
package dsp

import (
	"fmt"
	"math"
	"math/cmplx"
)

// Butterworth is the Q used for the high-pass and low-pass stages
const Butterworth = 1 / math.Sqrt2

// Coefficients of a normalized biquad: H(z) = (B0 + B1 z^-1 + B2 z^-2) / (1 + A1 z^-1 + A2 z^-2)
type Coefficients struct {
	B0, B1, B2 float64
	A1, A2     float64
}

type kind int

const (
	lowPass kind = iota
	highPass
	notch
)

func (k kind) String() string {
	switch k {
	case lowPass:
		return "low-pass"
	case highPass:
		return "high-pass"
	default:
		return "notch"
	}
}

func design(k kind, sampleRate, f0, q float64) (Coefficients, error) {
	if sampleRate <= 0 {
		return Coefficients{}, fmt.Errorf("%s: sample rate must be positive, got %g", k, sampleRate)
	}
	if f0 <= 0 || f0 >= sampleRate/2 {
		return Coefficients{}, fmt.Errorf("%s: frequency %g Hz outside (0, %g)", k, f0, sampleRate/2)
	}
	if q <= 0 {
		return Coefficients{}, fmt.Errorf("%s: Q must be positive, got %g", k, q)
	}

	w0 := 2 * math.Pi * f0 / sampleRate
	cosW0 := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)

	var b0, b1, b2 float64
	switch k {
	case lowPass:
		b0 = (1 - cosW0) / 2
		b1 = 1 - cosW0
		b2 = b0
	case highPass:
		b0 = (1 + cosW0) / 2
		b1 = -(1 + cosW0)
		b2 = b0
	case notch:
		b0 = 1
		b1 = -2 * cosW0
		b2 = 1
	}
	a0 := 1 + alpha
	return Coefficients{
		B0: b0 / a0,
		B1: b1 / a0,
		B2: b2 / a0,
		A1: -2 * cosW0 / a0,
		A2: (1 - alpha) / a0,
	}, nil
}

// LowPass designs a low-pass stage with cutoff f0
func LowPass(sampleRate, f0, q float64) (Coefficients, error) {
	return design(lowPass, sampleRate, f0, q)
}

// HighPass designs a high-pass stage with cutoff f0
func HighPass(sampleRate, f0, q float64) (Coefficients, error) {
	return design(highPass, sampleRate, f0, q)
}

// Notch designs a band-reject stage centered on f0
func Notch(sampleRate, f0, q float64) (Coefficients, error) {
	return design(notch, sampleRate, f0, q)
}

// Magnitude returns |H| at frequency f
func (c Coefficients) Magnitude(f, sampleRate float64) float64 {
	z1 := cmplx.Exp(complex(0, -2*math.Pi*f/sampleRate))
	z2 := z1 * z1
	num := complex(c.B0, 0) + complex(c.B1, 0)*z1 + complex(c.B2, 0)*z2
	den := 1 + complex(c.A1, 0)*z1 + complex(c.A2, 0)*z2
	return cmplx.Abs(num / den)
}

// Biquad is one filter stage with persistent state
type Biquad struct {
	c      Coefficients
	z1, z2 float64
}

func NewBiquad(c Coefficients) *Biquad {
	return &Biquad{c: c}
}

// Process filters one sample
func (b *Biquad) Process(x float64) float64 {
	y := b.c.B0*x + b.z1
	b.z1 = b.c.B1*x - b.c.A1*y + b.z2
	b.z2 = b.c.B2*x - b.c.A2*y
	return y
}

// State returns the two history values
func (b *Biquad) State() (float64, float64) {
	return b.z1, b.z2
}

func (b *Biquad) Reset() {
	b.z1, b.z2 = 0, 0
}
