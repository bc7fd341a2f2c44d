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
	"testing"
	"time"
)

type mockOp struct {
	cmd     string // expected command line without CRLF
	payload string // expected WRITE payload
	status  int
	reply   string // READ payload, sent with a trailing newline
}

// startMockServer serves ops in order on one end of a pipe and reports the
// first mismatch on the returned channel.
func startMockServer(t *testing.T, ops []mockOp) (*Client, chan error) {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	errCh := make(chan error, 1)

	go func() {
		defer serverConn.Close()
		reader := bufio.NewReader(serverConn)

		for _, op := range ops {
			line, err := reader.ReadString('\n')
			if err != nil {
				errCh <- fmt.Errorf("read command: %w", err)
				return
			}
			got := strings.TrimRight(line, "\r\n")
			if got != op.cmd {
				errCh <- fmt.Errorf("unexpected command %q, want %q", got, op.cmd)
				return
			}

			if strings.HasPrefix(got, "WRITE ") {
				fields := strings.Fields(got)
				n, err := strconv.Atoi(fields[len(fields)-1])
				if err != nil {
					errCh <- fmt.Errorf("bad length in %q", got)
					return
				}
				data := make([]byte, n)
				if _, err := io.ReadFull(reader, data); err != nil {
					errCh <- fmt.Errorf("read payload: %w", err)
					return
				}
				if string(data) != op.payload {
					errCh <- fmt.Errorf("payload %q, want %q", data, op.payload)
					return
				}
			}

			if _, err := fmt.Fprintf(serverConn, "%d\n", op.status); err != nil {
				errCh <- err
				return
			}
			if op.status > 0 && strings.HasPrefix(got, "READ ") {
				if _, err := fmt.Fprintf(serverConn, "%s\n", op.reply); err != nil {
					errCh <- err
					return
				}
			}
		}
		errCh <- nil
	}()

	c := NewClient(clientConn)
	t.Cleanup(func() { c.Close() })
	return c, errCh
}

func TestReadAttr(t *testing.T) {
	c, errCh := startMockServer(t, []mockOp{
		{cmd: "READ ad9361-phy calib_mode", status: 4, reply: "auto"},
	})

	got, err := c.ReadAttr(context.Background(), "ad9361-phy", "calib_mode")
	if err != nil {
		t.Fatalf("ReadAttr failed: %v", err)
	}
	if got != "auto" {
		t.Fatalf("expected %q, got %q", "auto", got)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server error: %v", err)
	}
}

func TestReadDebugAttr(t *testing.T) {
	c, errCh := startMockServer(t, []mockOp{
		{cmd: "READ cf-ad9361-dds-core-lpc DEBUG direct_reg_access", status: 6, reply: "0x1A2B"},
	})

	got, err := c.ReadDebugAttr(context.Background(), "cf-ad9361-dds-core-lpc", "direct_reg_access")
	if err != nil {
		t.Fatalf("ReadDebugAttr failed: %v", err)
	}
	if got != "0x1A2B" {
		t.Fatalf("expected 0x1A2B, got %q", got)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server error: %v", err)
	}
}

func TestReadChannelAttr(t *testing.T) {
	c, errCh := startMockServer(t, []mockOp{
		{cmd: "READ ad9361-phy OUTPUT altvoltage1 frequency", status: 10, reply: "2400000000"},
	})

	got, err := c.ReadChannelAttr(context.Background(), "ad9361-phy", true, "altvoltage1", "frequency")
	if err != nil {
		t.Fatalf("ReadChannelAttr failed: %v", err)
	}
	if got != "2400000000" {
		t.Fatalf("unexpected value %q", got)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server error: %v", err)
	}
}

func TestReadAttrNegativeStatus(t *testing.T) {
	c, errCh := startMockServer(t, []mockOp{
		{cmd: "READ pluto missing", status: -2},
	})

	_, err := c.ReadAttr(context.Background(), "pluto", "missing")
	var status *StatusError
	if !errors.As(err, &status) || status.Code != -2 {
		t.Fatalf("expected StatusError -2, got %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server error: %v", err)
	}
}

func TestReadAttrShortPayload(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	c := NewClient(clientConn)
	defer c.Close()

	go func() {
		defer serverConn.Close()
		bufio.NewReader(serverConn).ReadString('\n')
		serverConn.Write([]byte("8\nhi\n"))
	}()

	if _, err := c.ReadAttr(context.Background(), "pluto", "status"); err == nil || !strings.Contains(err.Error(), "failed to read 9 bytes") {
		t.Fatalf("expected short read error, got %v", err)
	}
}

func TestWriteDebugAttr(t *testing.T) {
	c, errCh := startMockServer(t, []mockOp{
		{cmd: "WRITE dds DEBUG direct_reg_access 14", payload: "0x8 0x40000000", status: 14},
	})

	if err := c.WriteDebugAttr(context.Background(), "dds", "direct_reg_access", "0x8 0x40000000"); err != nil {
		t.Fatalf("WriteDebugAttr failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server error: %v", err)
	}
}

func TestWriteAttrAndChannelAttr(t *testing.T) {
	c, errCh := startMockServer(t, []mockOp{
		{cmd: "WRITE ad9361-phy ensm_mode 3", payload: "fdd", status: 3},
		{cmd: "WRITE ad9361-phy INPUT voltage0 hardwaregain 2", payload: "30", status: 2},
	})

	ctx := context.Background()
	if err := c.WriteAttr(ctx, "ad9361-phy", "ensm_mode", "fdd"); err != nil {
		t.Fatalf("WriteAttr failed: %v", err)
	}
	if err := c.WriteChannelAttr(ctx, "ad9361-phy", false, "voltage0", "hardwaregain", "30"); err != nil {
		t.Fatalf("WriteChannelAttr failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server error: %v", err)
	}
}

func TestWriteAttrRejected(t *testing.T) {
	c, errCh := startMockServer(t, []mockOp{
		{cmd: "WRITE dds DEBUG direct_reg_access 3", payload: "bad", status: -22},
	})

	err := c.WriteDebugAttr(context.Background(), "dds", "direct_reg_access", "bad")
	var status *StatusError
	if !errors.As(err, &status) || status.Code != -22 {
		t.Fatalf("expected StatusError -22, got %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server error: %v", err)
	}
}

func TestArgumentValidation(t *testing.T) {
	c := NewClient(nil)
	ctx := context.Background()
	if _, err := c.ReadAttr(ctx, "", "x"); err == nil {
		t.Fatalf("expected error for empty device")
	}
	if _, err := c.ReadChannelAttr(ctx, "dev", false, "", "x"); err == nil {
		t.Fatalf("expected error for empty channel")
	}
	if err := c.WriteDebugAttr(ctx, "dev", "", "1"); err == nil {
		t.Fatalf("expected error for empty attribute")
	}
}

func TestTimeout(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	c := NewClient(clientConn)
	defer c.Close()
	c.SetTimeout(50 * time.Millisecond)

	go io.Copy(io.Discard, serverConn) // never answers

	start := time.Now()
	_, err := c.ReadAttr(context.Background(), "pluto", "status")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	var ne net.Error
	if !errors.As(err, &ne) || !ne.Timeout() {
		t.Fatalf("expected net timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not honoured")
	}
}

func TestClosedClient(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	c := NewClient(clientConn)
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.WriteAttr(context.Background(), "dev", "attr", "1"); !errors.Is(err, errNotConnected) {
		t.Fatalf("expected errNotConnected, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestFailedRoundTripDropsConnection(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	c := NewClient(clientConn)
	defer c.Close()

	go func() {
		defer serverConn.Close()
		r := bufio.NewReader(serverConn)
		r.ReadString('\n')
		// status promises more than is sent
		serverConn.Write([]byte("8\nhi"))
	}()

	if _, err := c.ReadAttr(context.Background(), "pluto", "status"); err == nil {
		t.Fatalf("expected short read error")
	}
	if _, err := c.ReadAttr(context.Background(), "pluto", "status"); !errors.Is(err, errNotConnected) {
		t.Fatalf("expected errNotConnected after a broken reply, got %v", err)
	}
}
