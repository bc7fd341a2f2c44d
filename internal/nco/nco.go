// Package nco models the transmit NCO in software: a W-bit phase
// accumulator advanced by a fixed increment every tick. It is used to check
// that a programmed phase increment produces the frequency reported for it.
package nco

import (
	"errors"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Oscillator is a phase accumulator of Bits width.
type Oscillator struct {
	Bits  uint
	Inc   uint32
	phase uint64
}

// New returns an oscillator at phase zero.
func New(bits uint, inc uint32) (*Oscillator, error) {
	if bits == 0 || bits > 32 {
		return nil, errors.New("nco: accumulator width must be in [1, 32]")
	}
	return &Oscillator{Bits: bits, Inc: inc}, nil
}

// Next returns the complex sample for the current phase and advances the
// accumulator by one tick, wrapping modulo 2^Bits.
func (o *Oscillator) Next() complex128 {
	mask := uint64(1)<<o.Bits - 1
	turns := float64(o.phase) / math.Ldexp(1, int(o.Bits))
	o.phase = (o.phase + uint64(o.Inc)) & mask
	return cmplx.Exp(complex(0, 2*math.Pi*turns))
}

// Samples fills n ticks of output.
func (o *Oscillator) Samples(n int) []complex128 {
	out := make([]complex128, n)
	for i := range out {
		out[i] = o.Next()
	}
	return out
}

// Phase reports the accumulator value.
func (o *Oscillator) Phase() uint32 { return uint32(o.phase) }

// PeakFrequency estimates the dominant frequency of samples taken at
// sampleRate from the largest FFT bin, in [-sampleRate/2, sampleRate/2).
// The resolution is sampleRate/len(samples).
func PeakFrequency(samples []complex128, sampleRate float64) (float64, error) {
	n := len(samples)
	if n == 0 {
		return 0, errors.New("nco: no samples")
	}
	if sampleRate <= 0 {
		return 0, errors.New("nco: sample rate must be positive")
	}

	coeffs := fourier.NewCmplxFFT(n).Coefficients(nil, samples)
	mags := make([]float64, n)
	for i, c := range coeffs {
		mags[i] = cmplx.Abs(c)
	}
	bin := floats.MaxIdx(mags)
	if bin >= (n+1)/2 {
		bin -= n
	}
	return float64(bin) * sampleRate / float64(n), nil
}
