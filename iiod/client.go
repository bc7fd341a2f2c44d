// Package iiod speaks the libiio ASCII protocol to an IIOD server, limited to
// device, channel and debug attribute access.
//
// Every command is answered by a status line holding a decimal integer: a
// negative errno on failure, otherwise a byte count. READ replies follow the
// status with that many payload bytes and a trailing newline.
package iiod

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rjboer/txdsp/internal/logging"
)

// DefaultTimeout bounds a single command round trip when the context has no
// earlier deadline.
const DefaultTimeout = 5 * time.Second

// maxAttrLen caps attribute payloads; IIOD attributes are page-sized.
const maxAttrLen = 64 * 1024

var errNotConnected = errors.New("iiod: not connected")

// StatusError is a negative status returned by the server.
type StatusError struct {
	Cmd  string
	Code int // negative errno
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("iiod: %s returned %d", e.Cmd, e.Code)
}

// Client is a single IIOD connection. Commands are serialized internally so
// one Client may be shared.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	timeout time.Duration
	log     logging.Logger
}

// Dial connects to addr (host:port, default port 30431).
func Dial(ctx context.Context, addr string) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "30431")
	}
	d := net.Dialer{Timeout: DefaultTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to IIOD at %s: %w", addr, err)
	}
	c := NewClient(conn)
	c.log.Debug("iiod connected", logging.String("addr", addr))
	return c, nil
}

// NewClient wraps an established connection, e.g. an SSH tunnel or a test pipe.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn:    conn,
		r:       bufio.NewReader(conn),
		w:       bufio.NewWriter(conn),
		timeout: DefaultTimeout,
		log:     logging.Default().With(logging.String("component", "iiod")),
	}
}

// SetTimeout changes the per-command timeout. Non-positive values restore
// DefaultTimeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		d = DefaultTimeout
	}
	c.timeout = d
}

// SetLogger replaces the client logger.
func (c *Client) SetLogger(l logging.Logger) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.log = l
	c.mu.Unlock()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ReadAttr reads a device attribute.
func (c *Client) ReadAttr(ctx context.Context, dev, attr string) (string, error) {
	if dev == "" || attr == "" {
		return "", errors.New("iiod: device and attribute are required")
	}
	return c.read(ctx, fmt.Sprintf("READ %s %s", dev, attr))
}

// ReadDebugAttr reads a debugfs attribute such as direct_reg_access.
func (c *Client) ReadDebugAttr(ctx context.Context, dev, attr string) (string, error) {
	if dev == "" || attr == "" {
		return "", errors.New("iiod: device and attribute are required")
	}
	return c.read(ctx, fmt.Sprintf("READ %s DEBUG %s", dev, attr))
}

// ReadChannelAttr reads an input or output channel attribute.
func (c *Client) ReadChannelAttr(ctx context.Context, dev string, output bool, ch, attr string) (string, error) {
	if dev == "" || ch == "" || attr == "" {
		return "", errors.New("iiod: device, channel and attribute are required")
	}
	return c.read(ctx, fmt.Sprintf("READ %s %s %s %s", dev, direction(output), ch, attr))
}

// WriteAttr writes a device attribute.
func (c *Client) WriteAttr(ctx context.Context, dev, attr, value string) error {
	if dev == "" || attr == "" {
		return errors.New("iiod: device and attribute are required")
	}
	return c.write(ctx, fmt.Sprintf("WRITE %s %s", dev, attr), value)
}

// WriteDebugAttr writes a debugfs attribute.
func (c *Client) WriteDebugAttr(ctx context.Context, dev, attr, value string) error {
	if dev == "" || attr == "" {
		return errors.New("iiod: device and attribute are required")
	}
	return c.write(ctx, fmt.Sprintf("WRITE %s DEBUG %s", dev, attr), value)
}

// WriteChannelAttr writes an input or output channel attribute.
func (c *Client) WriteChannelAttr(ctx context.Context, dev string, output bool, ch, attr, value string) error {
	if dev == "" || ch == "" || attr == "" {
		return errors.New("iiod: device, channel and attribute are required")
	}
	return c.write(ctx, fmt.Sprintf("WRITE %s %s %s %s", dev, direction(output), ch, attr), value)
}

func direction(output bool) string {
	if output {
		return "OUTPUT"
	}
	return "INPUT"
}

func (c *Client) read(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(ctx); err != nil {
		return "", err
	}
	c.log.Debug("iiod command", logging.String("cmd", cmd))
	if err := c.send(cmd, nil); err != nil {
		return "", c.abort(err)
	}
	n, err := c.readStatus()
	if err != nil {
		return "", c.abort(err)
	}
	if n < 0 {
		return "", &StatusError{Cmd: cmd, Code: n}
	}
	if n > maxAttrLen {
		return "", c.abort(fmt.Errorf("iiod: %s reply of %d bytes exceeds %d", cmd, n, maxAttrLen))
	}

	// payload plus trailing newline
	buf := make([]byte, n+1)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return "", c.abort(fmt.Errorf("iiod: failed to read %d bytes: %w", n+1, err))
	}
	return strings.TrimRight(string(buf[:n]), "\x00\r\n"), nil
}

func (c *Client) write(ctx context.Context, cmd, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.begin(ctx); err != nil {
		return err
	}
	line := fmt.Sprintf("%s %d", cmd, len(value))
	c.log.Debug("iiod command", logging.String("cmd", line), logging.String("value", value))
	if err := c.send(line, []byte(value)); err != nil {
		return c.abort(err)
	}
	n, err := c.readStatus()
	if err != nil {
		return c.abort(err)
	}
	if n < 0 {
		return &StatusError{Cmd: cmd, Code: n}
	}
	return nil
}

// begin arms the connection deadline for one round trip.
func (c *Client) begin(ctx context.Context) error {
	if c.conn == nil {
		return errNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return c.abort(err)
	}
	return nil
}

// abort closes the connection after a failed round trip. Part of the reply
// may still be buffered or in flight, so the stream cannot be reused.
// Caller holds c.mu.
func (c *Client) abort(err error) error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.log.Warn("iiod connection dropped", logging.Err(err))
	}
	return err
}

func (c *Client) send(line string, payload []byte) error {
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		return fmt.Errorf("iiod: write command: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.w.Write(payload); err != nil {
			return fmt.Errorf("iiod: write payload: %w", err)
		}
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("iiod: write command: %w", err)
	}
	return nil
}

// readStatus reads the decimal status line, skipping blank lines.
func (c *Client) readStatus() (int, error) {
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("iiod: read status: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		n, err := strconv.Atoi(line)
		if err != nil {
			return 0, fmt.Errorf("iiod: parse status %q: %w", line, err)
		}
		return n, nil
	}
}
