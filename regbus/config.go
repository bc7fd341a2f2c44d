// Package regbus provides the register bus backends the transmit DSP core
// writes through: an in-memory register file, IIOD debug register access,
// and debugfs over SSH.
package regbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rjboer/txdsp/iiod"
	"github.com/rjboer/txdsp/internal/logging"
)

var (
	ErrUnknownBackend = errors.New("unknown bus backend")
	ErrBadAddress     = errors.New("bad register address")
)

// Bus is 32-bit register access plus release of the underlying transport.
type Bus interface {
	Poke32(addr, value uint32) error
	Peek32(addr uint32) (uint32, error)
	Close() error
}

// Config selects and tunes a bus backend.
type Config struct {
	Backend   string    `json:"backend"` // memory | iiod | ssh
	Address   string    `json:"address"` // IIOD host[:port]
	Device    string    `json:"device"`  // IIO device holding the DSP block
	TimeoutMS int       `json:"timeout_ms"`
	Retries   int       `json:"retries"`
	SSH       SSHConfig `json:"ssh"`
	LogLevel  string    `json:"log_level"`
	LogFormat string    `json:"log_format"`
}

func DefaultConfig() Config {
	return Config{
		Backend:   "memory",
		Address:   "192.168.2.1:30431",
		TimeoutMS: 5000,
		Retries:   3,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadConfig reads a JSON config file on top of DefaultConfig. A missing
// file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read bus config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse bus config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// ConfigFromEnv overlays TXDSP_BUS_* variables on defaults. lookup is
// normally os.LookupEnv.
func ConfigFromEnv(lookup func(string) (string, bool), defaults Config) (Config, error) {
	cfg := defaults
	cfg.Backend = envString(lookup, "TXDSP_BUS_BACKEND", cfg.Backend)
	cfg.Address = envString(lookup, "TXDSP_BUS_ADDRESS", cfg.Address)
	cfg.Device = envString(lookup, "TXDSP_BUS_DEVICE", cfg.Device)
	cfg.LogLevel = envString(lookup, "TXDSP_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString(lookup, "TXDSP_LOG_FORMAT", cfg.LogFormat)
	cfg.SSH.Host = envString(lookup, "TXDSP_BUS_SSH_HOST", cfg.SSH.Host)
	cfg.SSH.User = envString(lookup, "TXDSP_BUS_SSH_USER", cfg.SSH.User)
	cfg.SSH.Password = envString(lookup, "TXDSP_BUS_SSH_PASSWORD", cfg.SSH.Password)
	cfg.SSH.KeyPath = envString(lookup, "TXDSP_BUS_SSH_KEY", cfg.SSH.KeyPath)

	var err error
	if cfg.TimeoutMS, err = envInt(lookup, "TXDSP_BUS_TIMEOUT_MS", cfg.TimeoutMS); err != nil {
		return Config{}, err
	}
	if cfg.Retries, err = envInt(lookup, "TXDSP_BUS_RETRIES", cfg.Retries); err != nil {
		return Config{}, err
	}
	if cfg.SSH.Port, err = envInt(lookup, "TXDSP_BUS_SSH_PORT", cfg.SSH.Port); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks the fields the selected backend depends on.
func (c Config) Validate() error {
	if c.TimeoutMS < 0 {
		return fmt.Errorf("timeout_ms must not be negative, got %d", c.TimeoutMS)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", c.Retries)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		return err
	}
	switch strings.ToLower(c.Backend) {
	case "memory":
		return nil
	case "iiod":
		if c.Address == "" || c.Device == "" {
			return errors.New("iiod backend needs address and device")
		}
		return nil
	case "ssh":
		if c.SSH.Host == "" || c.Device == "" {
			return errors.New("ssh backend needs ssh.host and device")
		}
		return nil
	default:
		return fmt.Errorf("%w %q", ErrUnknownBackend, c.Backend)
	}
}

// Logger builds the logger described by LogLevel and LogFormat.
func (c Config) Logger() (logging.Logger, error) {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.LogFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, os.Stderr), nil
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Open builds the bus described by cfg. For iiod the first connection is
// made before Open returns.
func Open(ctx context.Context, cfg Config, log logging.Logger) (Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Default()
	}

	switch strings.ToLower(cfg.Backend) {
	case "memory":
		return NewMemory(), nil
	case "iiod":
		dial := func(ctx context.Context) (AttrClient, error) {
			c, err := iiod.Dial(ctx, cfg.Address)
			if err != nil {
				return nil, err
			}
			c.SetTimeout(cfg.timeout())
			c.SetLogger(log.With(logging.String("component", "iiod")))
			return c, nil
		}
		first, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		return NewIIOD(first, dial, cfg.Device, IIODOptions{
			Timeout: cfg.timeout(),
			Retries: uint64(cfg.Retries),
			Logger:  log,
		})
	case "ssh":
		sshCfg := cfg.SSH
		sshCfg.Device = cfg.Device
		sshCfg.Timeout = cfg.timeout()
		return NewSSH(sshCfg, log)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, cfg.Backend)
	}
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) (int, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
