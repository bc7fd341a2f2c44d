package regbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rjboer/txdsp/internal/logging"
)

// SSHConfig describes how to reach a device's debugfs over SSH. It is the
// fallback when IIOD on older firmware cannot write debug attributes.
type SSHConfig struct {
	Host     string        `json:"host"`
	User     string        `json:"user"`
	Password string        `json:"password,omitempty"`
	KeyPath  string        `json:"key_path,omitempty"`
	Port     int           `json:"port"`
	Device   string        `json:"device"` // e.g. "iio:device3"
	Debugfs  string        `json:"debugfs"`
	Timeout  time.Duration `json:"-"`
}

// SSHBus writes direct_reg_access in the IIO debugfs tree through an SSH
// session per access.
type SSHBus struct {
	mu     sync.Mutex
	cfg    SSHConfig
	client *ssh.Client
	log    logging.Logger
}

// NewSSH validates cfg and prepares a bus. The connection is opened lazily
// on first access.
func NewSSH(cfg SSHConfig, log logging.Logger) (*SSHBus, error) {
	if cfg.Host == "" {
		return nil, errors.New("regbus: ssh host is required")
	}
	if cfg.Device == "" {
		return nil, errors.New("regbus: ssh device is required")
	}
	if strings.ContainsAny(cfg.Device, "/ '\"") {
		return nil, fmt.Errorf("regbus: invalid device name %q", cfg.Device)
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Debugfs == "" {
		cfg.Debugfs = "/sys/kernel/debug/iio"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	return &SSHBus{
		cfg: cfg,
		log: log.With(logging.String("bus", "ssh"), logging.String("host", cfg.Host), logging.String("device", cfg.Device)),
	}, nil
}

func (b *SSHBus) Poke32(addr, value uint32) error {
	if err := checkAligned(addr); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cmd := fmt.Sprintf("printf %s > %s", shellQuote(fmt.Sprintf("0x%x 0x%x", addr, value)), shellQuote(b.attrPath()))
	if _, err := b.run(cmd); err != nil {
		return fmt.Errorf("regbus: ssh poke 0x%08x: %w", addr, err)
	}
	return nil
}

func (b *SSHBus) Peek32(addr uint32) (uint32, error) {
	if err := checkAligned(addr); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	p := shellQuote(b.attrPath())
	cmd := fmt.Sprintf("printf %s > %s && cat %s", shellQuote(fmt.Sprintf("0x%x", addr)), p, p)
	out, err := b.run(cmd)
	if err != nil {
		return 0, fmt.Errorf("regbus: ssh peek 0x%08x: %w", addr, err)
	}
	v, err := parseRegValue(string(out))
	if err != nil {
		return 0, fmt.Errorf("regbus: ssh peek 0x%08x: %w", addr, err)
	}
	return v, nil
}

func (b *SSHBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *SSHBus) attrPath() string {
	return path.Join(b.cfg.Debugfs, b.cfg.Device, regAccessAttr)
}

// run executes cmd in a new session. Caller holds b.mu.
func (b *SSHBus) run(cmd string) ([]byte, error) {
	client, err := b.dial()
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		// the connection went away; reconnect on the next access
		_ = client.Close()
		b.client = nil
		return nil, fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()

	b.log.Debug("ssh command", logging.String("cmd", cmd))
	out, err := session.Output(cmd)
	if err != nil {
		return nil, fmt.Errorf("run %q: %w", cmd, err)
	}
	return out, nil
}

func (b *SSHBus) dial() (*ssh.Client, error) {
	if b.client != nil {
		return b.client, nil
	}

	auth, err := b.authMethods()
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            b.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         b.cfg.Timeout,
	}

	addr := net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port))
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial ssh: %w", err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create ssh client: %w", err)
	}

	b.client = ssh.NewClient(clientConn, chans, reqs)
	b.log.Info("ssh connected", logging.String("addr", addr))
	return b.client, nil
}

func (b *SSHBus) authMethods() ([]ssh.AuthMethod, error) {
	var auth []ssh.AuthMethod
	if b.cfg.Password != "" {
		auth = append(auth, ssh.Password(b.cfg.Password))
	}
	if b.cfg.KeyPath != "" {
		key, err := os.ReadFile(b.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh password or key configured")
	}
	return auth, nil
}

// shellQuote wraps value in single quotes for the remote shell.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
