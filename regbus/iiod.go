package regbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/txdsp/iiod"
	"github.com/rjboer/txdsp/internal/logging"
)

// regAccessAttr is the IIO debugfs attribute exposing raw register access.
// Writing "ADDR VALUE" stores a register; writing "ADDR" selects one for the
// next read.
const regAccessAttr = "direct_reg_access"

var errBusClosed = errors.New("bus closed")

// AttrClient is the subset of *iiod.Client the IIOD bus needs.
type AttrClient interface {
	ReadDebugAttr(ctx context.Context, dev, attr string) (string, error)
	WriteDebugAttr(ctx context.Context, dev, attr, value string) error
}

// DialFunc opens a fresh attribute client after a transport failure.
type DialFunc func(ctx context.Context) (AttrClient, error)

// IIODBus reaches device registers through an IIOD server's
// direct_reg_access debug attribute. Transport failures are retried with
// exponential backoff on a fresh connection; errno replies from the device
// are returned immediately. Without a DialFunc there is no fresh connection
// to retry on, so the first transport failure is returned and the bus is
// closed.
type IIODBus struct {
	mu      sync.Mutex
	client  AttrClient
	dial    DialFunc
	device  string
	timeout time.Duration
	retries uint64
	log     logging.Logger

	// newBackOff is replaced in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// IIODOptions tunes an IIODBus. Zero values take package defaults.
type IIODOptions struct {
	Timeout        time.Duration
	Retries        uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         logging.Logger
}

// NewIIOD returns a bus for device on an existing client. dial may be nil,
// in which case the bus lives and dies with client.
func NewIIOD(client AttrClient, dial DialFunc, device string, opts IIODOptions) (*IIODBus, error) {
	if client == nil && dial == nil {
		return nil, errors.New("regbus: iiod bus needs a client or a dial function")
	}
	if device == "" {
		return nil, errors.New("regbus: iiod device is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = iiod.DefaultTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 50 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	initial, maxWait := opts.InitialBackoff, opts.MaxBackoff
	return &IIODBus{
		client:  client,
		dial:    dial,
		device:  device,
		timeout: opts.Timeout,
		retries: opts.Retries,
		log:     opts.Logger.With(logging.String("bus", "iiod"), logging.String("device", device)),
		newBackOff: func() backoff.BackOff {
			exp := backoff.NewExponentialBackOff()
			exp.InitialInterval = initial
			exp.MaxInterval = maxWait
			exp.MaxElapsedTime = 0
			return exp
		},
	}, nil
}

func (b *IIODBus) Poke32(addr, value uint32) error {
	if err := checkAligned(addr); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cmd := fmt.Sprintf("0x%x 0x%x", addr, value)
	return b.do("poke", func(ctx context.Context, c AttrClient) error {
		return c.WriteDebugAttr(ctx, b.device, regAccessAttr, cmd)
	})
}

func (b *IIODBus) Peek32(addr uint32) (uint32, error) {
	if err := checkAligned(addr); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var value uint32
	err := b.do("peek", func(ctx context.Context, c AttrClient) error {
		if err := c.WriteDebugAttr(ctx, b.device, regAccessAttr, fmt.Sprintf("0x%x", addr)); err != nil {
			return err
		}
		raw, err := c.ReadDebugAttr(ctx, b.device, regAccessAttr)
		if err != nil {
			return err
		}
		v, err := parseRegValue(raw)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}

// Close releases the current client if it is closable.
func (b *IIODBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropClient()
}

// do runs op with retries. Caller holds b.mu.
func (b *IIODBus) do(name string, op func(ctx context.Context, c AttrClient) error) error {
	var final error
	attempt := 0

	try := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()

		if b.client == nil {
			if b.dial == nil {
				final = errBusClosed
				return nil
			}
			c, err := b.dial(ctx)
			if err != nil {
				return fmt.Errorf("redial: %w", err)
			}
			b.client = c
		}

		err := op(ctx, b.client)
		var status *iiod.StatusError
		var parse *strconv.NumError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &status), errors.As(err, &parse):
			// the device answered; retrying will not change its mind
			final = err
			return nil
		}
		// the failed round trip may have left the connection mid-reply
		_ = b.dropClient()
		if b.dial == nil {
			final = err
			return nil
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		b.log.Warn("register access failed, retrying",
			logging.String("op", name),
			logging.Uint("attempt", uint64(attempt)),
			logging.String("wait", wait.String()),
			logging.Err(err))
	}

	// WithMaxRetries treats zero as unlimited
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if b.retries > 0 {
		policy = backoff.WithMaxRetries(b.newBackOff(), b.retries)
	}
	if err := backoff.RetryNotify(try, policy, notify); err != nil {
		return fmt.Errorf("regbus: iiod %s: %w", name, err)
	}
	if final != nil {
		return fmt.Errorf("regbus: iiod %s: %w", name, final)
	}
	return nil
}

func (b *IIODBus) dropClient() error {
	c := b.client
	b.client = nil
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// parseRegValue accepts the kernel's "0x1A2B" reply as well as plain decimal.
func parseRegValue(raw string) (uint32, error) {
	s := strings.TrimSpace(raw)
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
