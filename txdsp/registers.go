package txdsp

import "fmt"

// DSP block register offsets, relative to the DSP base address.
const (
	RegFreq    uint32 = 0 // NCO phase increment
	RegScaleIQ uint32 = 4 // IQ scale, I in the high half, Q in the low half
	RegInterp  uint32 = 8 // DUC interpolation ratio
)

// Control block register offsets, relative to the control base address.
const (
	RegCtrlClearState   uint32 = 0
	RegCtrlReportSID    uint32 = 4
	RegCtrlPolicy       uint32 = 8
	RegCtrlCyclesPerUp  uint32 = 12
	RegCtrlPacketsPerUp uint32 = 16
)

// Underflow policy flags written to RegCtrlPolicy.
const (
	PolicyWait       uint32 = 1 << 0
	PolicyNextPacket uint32 = 1 << 1
	PolicyNextBurst  uint32 = 1 << 2
)

// updateEnable marks a non-zero flow-control cadence as active.
const updateEnable uint32 = 1 << 31

// Layout describes the widths of the tuning registers on a device.
type Layout struct {
	InterpBits uint // width of the interpolation register
	PhaseBits  uint // W, width of the phase increment register
}

// DefaultLayout matches the 200-series DSP block.
var DefaultLayout = Layout{InterpBits: 10, PhaseBits: 32}

// RatioMax is the largest interpolation ratio the register can hold.
func (l Layout) RatioMax() uint32 {
	return uint32(1)<<l.InterpBits - 1
}

// Validate reports whether the layout fits a 32-bit register bus.
func (l Layout) Validate() error {
	if l.InterpBits == 0 || l.InterpBits > 31 {
		return fmt.Errorf("%w: interpolation width %d outside [1, 31]", ErrInvalidArgument, l.InterpBits)
	}
	if l.PhaseBits == 0 || l.PhaseBits > 32 {
		return fmt.Errorf("%w: phase width %d outside [1, 32]", ErrInvalidArgument, l.PhaseBits)
	}
	return nil
}
