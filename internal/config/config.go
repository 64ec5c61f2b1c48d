package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string ("1.5s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultDevice string `toml:"default_device"`
	// UserID is the local user; it authors every message sent from this device.
	UserID string `toml:"user_id"`

	Window       Window       `toml:"window"`
	Reconciler   Reconciler   `toml:"reconciler"`
	Connectivity Connectivity `toml:"connectivity"`
	Delivery     Delivery     `toml:"delivery"`
	Log          Log          `toml:"log"`
}

// Window configures the history loader.
type Window struct {
	Size       int      `toml:"size"`
	FetchDelay Duration `toml:"fetch_delay"`
}

// Reconciler configures outbox draining.
type Reconciler struct {
	RetryInterval Duration `toml:"retry_interval"`
}

// Connectivity configures the online signal. Without a probe address the
// device is treated as always online when AssumeOnline is set.
type Connectivity struct {
	AssumeOnline  bool     `toml:"assume_online"`
	ProbeAddr     string   `toml:"probe_addr"`
	ProbeInterval Duration `toml:"probe_interval"`
}

// Delivery selects and configures the delivery capability.
type Delivery struct {
	Mode               string   `toml:"mode"` // simulated, redis
	Delay              Duration `toml:"delay"`
	MaxTextLength      int      `toml:"max_text_length"`
	RedisAddr          string   `toml:"redis_addr"`
	RedisChannelPrefix string   `toml:"redis_channel_prefix"`
}

// Log configures the rotating daemon log.
type Log struct {
	RotationTime Duration `toml:"rotation_time"`
	MaxAge       Duration `toml:"max_age"`
}

const (
	DeliverySimulated = "simulated"
	DeliveryRedis     = "redis"
)

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		UserID: "me",
		Window: Window{
			Size:       15,
			FetchDelay: Duration{1500 * time.Millisecond},
		},
		Reconciler: Reconciler{
			RetryInterval: Duration{5 * time.Second},
		},
		Connectivity: Connectivity{
			AssumeOnline:  true,
			ProbeInterval: Duration{5 * time.Second},
		},
		Delivery: Delivery{
			Mode:               DeliverySimulated,
			Delay:              Duration{500 * time.Millisecond},
			MaxTextLength:      4096,
			RedisAddr:          "localhost:6379",
			RedisChannelPrefix: "channel:conversation:",
		},
		Log: Log{
			RotationTime: Duration{24 * time.Hour},
			MaxAge:       Duration{7 * 24 * time.Hour},
		},
	}
}

// Load reads config from the given path over the defaults. Returns nil and
// error if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks values that would make the daemon misbehave.
func (c *Config) Validate() error {
	if c.Window.Size <= 0 {
		return fmt.Errorf("window.size must be positive, got %d", c.Window.Size)
	}
	switch c.Delivery.Mode {
	case DeliverySimulated, DeliveryRedis:
	default:
		return fmt.Errorf("delivery.mode %q: want %q or %q", c.Delivery.Mode, DeliverySimulated, DeliveryRedis)
	}
	if c.UserID == "" {
		return errors.New("user_id must not be empty")
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
