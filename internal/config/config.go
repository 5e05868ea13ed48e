package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Network monitor modes.
const (
	NetworkProbe  = "probe"
	NetworkManual = "manual"
)

// Config represents the global ~/.threadsync/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	MemberID       string    `toml:"member_id"`
	Queue          Queue     `toml:"queue"`
	Reconnect      Reconnect `toml:"reconnect"`
	Network        Network   `toml:"network"`
}

// Queue configures the offline send queue.
type Queue struct {
	MaxAttempts   int           `toml:"max_attempts"`
	FlushInterval time.Duration `toml:"flush_interval"`
}

// Reconnect configures the reconnect coordinator.
type Reconnect struct {
	RetryDelay time.Duration `toml:"retry_delay"`
}

// Network selects and configures the network monitor.
type Network struct {
	Mode          string        `toml:"mode"`
	ProbeAddr     string        `toml:"probe_addr"`
	ProbeInterval time.Duration `toml:"probe_interval"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Queue: Queue{
			MaxAttempts:   3,
			FlushInterval: 30 * time.Second,
		},
		Reconnect: Reconnect{
			RetryDelay: 2 * time.Second,
		},
		Network: Network{
			Mode:          NetworkProbe,
			ProbeAddr:     "1.1.1.1:443",
			ProbeInterval: 5 * time.Second,
		},
	}
}

// Load reads config from the given path on top of Default(). Returns an error
// if the file is missing; use LoadOrDefault to tolerate that.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the sync core cannot run with.
func (c *Config) Validate() error {
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.FlushInterval < 0 {
		return fmt.Errorf("queue.flush_interval must not be negative")
	}
	if c.Reconnect.RetryDelay < 0 {
		return fmt.Errorf("reconnect.retry_delay must not be negative")
	}
	switch c.Network.Mode {
	case NetworkManual:
	case NetworkProbe:
		if c.Network.ProbeAddr == "" {
			return fmt.Errorf("network.probe_addr is required in probe mode")
		}
		if c.Network.ProbeInterval <= 0 {
			return fmt.Errorf("network.probe_interval must be positive")
		}
	default:
		return fmt.Errorf("unknown network.mode %q", c.Network.Mode)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
