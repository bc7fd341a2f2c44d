// Package txdsp programs the transmit DSP block of an SDR front end: the
// digital up-converter interpolation ratio and the NCO phase increment.
//
// Host requests are floating point; the registers are not. Every setter
// quantizes its request, performs exactly one register write, and returns
// the value the hardware will actually realize. Setters are independent:
// changing both rate and frequency is two writes, and the device shows a
// partial configuration between them.
package txdsp

import (
	"fmt"
	"math"

	"github.com/rjboer/txdsp/internal/logging"
)

// Bus is blocking 32-bit register access on a device. One Bus is normally
// shared by every Core on the same device; the Core never closes it.
//
// A Core only writes. Peek32 belongs to the contract because the same bus
// serves the rest of the channel (readback, status and sensor registers),
// and every backend in package regbus implements it.
type Bus interface {
	Poke32(addr, value uint32) error
	Peek32(addr uint32) (uint32, error)
}

// Core tunes one transmit channel. A Core is not safe for concurrent use;
// callers serialize access, normally from the channel's control goroutine.
type Core interface {
	// SetTickRate sets the reference clock rate used by later setters.
	// It writes no register.
	SetTickRate(rate float64) error
	// SetHostRate programs the interpolation ratio and returns the
	// achieved host sample rate.
	SetHostRate(rate float64) (float64, error)
	// SetFreq programs the NCO and returns the achieved center frequency.
	SetFreq(freq float64) (float64, error)

	TickRate() float64
	HostRate() float64
	Freq() float64

	Init() error
	Clear() error
	SetUpdates(cyclesPerUp, packetsPerUp uint32) error
	SetUnderflowPolicy(policy string) error
	SetScaleIQ(scale float64) error
}

// DefaultTickRate is used when no WithTickRate option is given.
const DefaultTickRate = 100e6

// Option configures a Core at construction.
type Option func(*core) error

// WithTickRate overrides DefaultTickRate.
func WithTickRate(rate float64) Option {
	return func(c *core) error {
		if err := checkTickRate(rate); err != nil {
			return err
		}
		c.tickRate = rate
		return nil
	}
}

// WithLayout overrides DefaultLayout.
func WithLayout(l Layout) Option {
	return func(c *core) error {
		if err := l.Validate(); err != nil {
			return err
		}
		c.layout = l
		return nil
	}
}

// WithLogger routes register-write debug logs to l.
func WithLogger(l logging.Logger) Option {
	return func(c *core) error {
		if l != nil {
			c.log = l
		}
		return nil
	}
}

type core struct {
	bus      Bus
	dspBase  uint32
	ctrlBase uint32
	sid      uint32
	layout   Layout
	log      logging.Logger

	tickRate float64
	hostRate float64
	freq     float64
}

// New returns a Core for the DSP block at dspBase and its control block at
// ctrlBase. sid is the stream tag reported in flow-control metadata. New
// does not touch the bus.
func New(bus Bus, dspBase, ctrlBase, sid uint32, opts ...Option) (Core, error) {
	if bus == nil {
		return nil, fmt.Errorf("%w: register bus is required", ErrInvalidArgument)
	}
	c := &core{
		bus:      bus,
		dspBase:  dspBase,
		ctrlBase: ctrlBase,
		sid:      sid,
		layout:   DefaultLayout,
		tickRate: DefaultTickRate,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.log == nil {
		c.log = logging.Default()
	}
	c.log = c.log.With(logging.Hex("dsp_base", dspBase), logging.Uint("sid", uint64(sid)))
	return c, nil
}

func (c *core) TickRate() float64 { return c.tickRate }
func (c *core) HostRate() float64 { return c.hostRate }
func (c *core) Freq() float64     { return c.freq }

func (c *core) SetTickRate(rate float64) error {
	if err := checkTickRate(rate); err != nil {
		return err
	}
	c.tickRate = rate
	return nil
}

func (c *core) SetHostRate(rate float64) (float64, error) {
	res, err := ResolveRate(c.tickRate, rate, c.layout.RatioMax())
	if err != nil {
		return 0, err
	}
	if err := c.poke(c.dspBase+RegInterp, res.Ratio); err != nil {
		return 0, err
	}
	c.log.Debug("host rate set", logging.Float("requested", rate), logging.Uint("ratio", uint64(res.Ratio)), logging.Float("achieved", res.Achieved))
	c.hostRate = res.Achieved
	return res.Achieved, nil
}

func (c *core) SetFreq(freq float64) (float64, error) {
	res, err := ResolveFreq(c.tickRate, freq, c.layout.PhaseBits)
	if err != nil {
		return 0, err
	}
	if err := c.poke(c.dspBase+RegFreq, res.PhaseInc); err != nil {
		return 0, err
	}
	c.log.Debug("freq set", logging.Float("requested", freq), logging.Hex("phase_inc", res.PhaseInc), logging.Float("achieved", res.Achieved))
	c.freq = res.Achieved
	return res.Achieved, nil
}

// Init tags the control block with the stream id and restores the default
// underflow policy.
func (c *core) Init() error {
	if err := c.poke(c.ctrlBase+RegCtrlReportSID, c.sid); err != nil {
		return err
	}
	return c.SetUnderflowPolicy("next_packet")
}

func (c *core) Clear() error {
	return c.poke(c.ctrlBase+RegCtrlClearState, 1)
}

func (c *core) SetUpdates(cyclesPerUp, packetsPerUp uint32) error {
	if cyclesPerUp >= updateEnable || packetsPerUp >= updateEnable {
		return fmt.Errorf("%w: update cadence (%d cycles, %d packets) exceeds 31 bits", ErrInvalidArgument, cyclesPerUp, packetsPerUp)
	}
	if err := c.poke(c.ctrlBase+RegCtrlCyclesPerUp, enableIfSet(cyclesPerUp)); err != nil {
		return err
	}
	return c.poke(c.ctrlBase+RegCtrlPacketsPerUp, enableIfSet(packetsPerUp))
}

func (c *core) SetUnderflowPolicy(policy string) error {
	var flag uint32
	switch policy {
	case "next_packet":
		flag = PolicyNextPacket
	case "next_burst":
		flag = PolicyNextBurst
	default:
		return fmt.Errorf("%w: unknown underflow policy %q", ErrInvalidArgument, policy)
	}
	return c.poke(c.ctrlBase+RegCtrlPolicy, flag)
}

func (c *core) SetScaleIQ(scale float64) error {
	if math.IsNaN(scale) || scale < 0 || scale > 1 {
		return fmt.Errorf("%w: IQ scale %v outside [0, 1]", ErrInvalidArgument, scale)
	}
	q := uint32(math.Round(scale * 0x7fff))
	return c.poke(c.dspBase+RegScaleIQ, q<<16|q)
}

func (c *core) poke(addr, value uint32) error {
	if err := c.bus.Poke32(addr, value); err != nil {
		return err
	}
	c.log.Debug("register write", logging.Hex("addr", addr), logging.Hex("value", value))
	return nil
}

func enableIfSet(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return n | updateEnable
}
