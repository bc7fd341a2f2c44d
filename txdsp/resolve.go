package txdsp

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidArgument is wrapped by every validation failure in this package.
var ErrInvalidArgument = errors.New("invalid argument")

// RateResult is the outcome of resolving a requested host sample rate.
type RateResult struct {
	Ratio    uint32  // interpolation ratio written to the DUC
	Achieved float64 // tickRate / Ratio, in Hz
}

// FreqResult is the outcome of resolving a requested center frequency.
type FreqResult struct {
	PhaseInc uint32  // W-bit phase increment, two's complement
	Achieved float64 // frequency the NCO will actually produce, in Hz
}

func checkTickRate(tickRate float64) error {
	if math.IsNaN(tickRate) || math.IsInf(tickRate, 0) {
		return fmt.Errorf("%w: tick rate %v is not finite", ErrInvalidArgument, tickRate)
	}
	if tickRate <= 0 {
		return fmt.Errorf("%w: tick rate %v must be positive", ErrInvalidArgument, tickRate)
	}
	return nil
}

// ResolveRate picks the interpolation ratio in [1, ratioMax] whose achieved
// rate tickRate/ratio is closest to desiredRate. Rates too small for the
// ratio to reach are clamped to ratioMax, unless tickRate/desiredRate
// overflows to +Inf (subnormal rates such as 5e-324); that is rejected
// with ErrInvalidArgument rather than clamped.
func ResolveRate(tickRate, desiredRate float64, ratioMax uint32) (RateResult, error) {
	if err := checkTickRate(tickRate); err != nil {
		return RateResult{}, err
	}
	if math.IsNaN(desiredRate) || math.IsInf(desiredRate, 0) {
		return RateResult{}, fmt.Errorf("%w: host rate %v is not finite", ErrInvalidArgument, desiredRate)
	}
	if desiredRate <= 0 {
		return RateResult{}, fmt.Errorf("%w: host rate %v must be positive", ErrInvalidArgument, desiredRate)
	}
	if ratioMax == 0 {
		return RateResult{}, fmt.Errorf("%w: ratio limit must be at least 1", ErrInvalidArgument)
	}

	exact := tickRate / desiredRate
	if math.IsNaN(exact) || math.IsInf(exact, 0) {
		return RateResult{}, fmt.Errorf("%w: ratio %v/%v is not finite", ErrInvalidArgument, tickRate, desiredRate)
	}

	var ratio uint32
	switch {
	case exact <= 1:
		ratio = 1
	case exact >= float64(ratioMax):
		ratio = ratioMax
	default:
		lo := uint32(math.Floor(exact))
		hi := lo + 1
		ratio = uint32(math.Round(exact))
		errLo := math.Abs(tickRate/float64(lo) - desiredRate)
		errHi := math.Abs(tickRate/float64(hi) - desiredRate)
		// 1/r is not linear, so the nearest integer is not always the
		// nearest achieved rate near the midpoint.
		if errLo < errHi {
			ratio = lo
		} else if errHi < errLo {
			ratio = hi
		}
		if ratio > ratioMax {
			ratio = ratioMax
		}
	}

	return RateResult{Ratio: ratio, Achieved: tickRate / float64(ratio)}, nil
}

// ResolveFreq converts desiredFreq into a bits-wide phase increment.
// Frequencies alias modulo tickRate onto [-tickRate/2, tickRate/2).
func ResolveFreq(tickRate, desiredFreq float64, bits uint) (FreqResult, error) {
	if err := checkTickRate(tickRate); err != nil {
		return FreqResult{}, err
	}
	if math.IsNaN(desiredFreq) || math.IsInf(desiredFreq, 0) {
		return FreqResult{}, fmt.Errorf("%w: frequency %v is not finite", ErrInvalidArgument, desiredFreq)
	}
	if bits == 0 || bits > 32 {
		return FreqResult{}, fmt.Errorf("%w: phase width %d outside [1, 32]", ErrInvalidArgument, bits)
	}

	norm := desiredFreq / tickRate
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return FreqResult{}, fmt.Errorf("%w: normalized frequency %v/%v is not finite", ErrInvalidArgument, desiredFreq, tickRate)
	}
	norm -= math.Round(norm)
	if norm >= 0.5 {
		norm -= 1
	}

	scale := math.Ldexp(1, int(bits))
	mask := uint64(1)<<bits - 1
	// single float->int rounding point; everything after is integer math
	steps := int64(math.Round(norm * scale))
	phase := uint32(uint64(steps) & mask)

	return FreqResult{PhaseInc: phase, Achieved: PhaseToFreq(phase, bits, tickRate)}, nil
}

// PhaseToFreq recovers the frequency a bits-wide two's-complement phase
// increment produces at tickRate.
func PhaseToFreq(phase uint32, bits uint, tickRate float64) float64 {
	return float64(signExtend(phase, bits)) / math.Ldexp(1, int(bits)) * tickRate
}

func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}
