// Package config loads the daemon's YAML configuration and applies
// defaults. The core packages take their settings as options; config is the
// one place those settings are read from disk.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "250ms" or "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	LogLevel  string       `yaml:"log_level"`
	Heartbeat Duration     `yaml:"heartbeat"`
	Bus       BusConfig    `yaml:"bus"`
	Mode      ModeConfig   `yaml:"mode"`
	Bridge    BridgeConfig `yaml:"bridge"`
}

type BusConfig struct {
	HandlerTimeout Duration `yaml:"handler_timeout"`
	Workers        int      `yaml:"workers"`
	InboxSize      int      `yaml:"inbox_size"`
	Strict         bool     `yaml:"strict"`
}

type ModeConfig struct {
	Initial     string   `yaml:"initial"`
	GracePeriod Duration `yaml:"grace_period"`
}

type BridgeConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	Topics         []string `yaml:"topics"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration the daemon runs with when no file is
// given.
func Default() Config {
	return Config{
		LogLevel:  "info",
		Heartbeat: Duration(30 * time.Second),
		Bus: BusConfig{
			HandlerTimeout: Duration(250 * time.Millisecond),
			Workers:        4,
			InboxSize:      64,
		},
		Mode: ModeConfig{
			Initial:     "idle",
			GracePeriod: Duration(200 * time.Millisecond),
		},
		Bridge: BridgeConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8765",
			Topics: []string{
				"mode/transition/started",
				"mode/transition/completed",
				"mode/transition/failed",
				"bus/handler/failed",
			},
			AllowedOrigins: []string{"*"},
		},
	}
}

// Load reads path over the defaults. Unknown keys are an error so a typo in
// a device's config file fails at boot, not silently.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Bus.HandlerTimeout <= 0 {
		return fmt.Errorf("config: bus.handler_timeout must be positive")
	}
	if c.Bus.Workers < 1 {
		return fmt.Errorf("config: bus.workers must be at least 1")
	}
	if c.Bus.InboxSize < 1 {
		return fmt.Errorf("config: bus.inbox_size must be at least 1")
	}
	if c.Mode.GracePeriod < 0 {
		return fmt.Errorf("config: mode.grace_period must not be negative")
	}
	if c.Bridge.Enabled && c.Bridge.Addr == "" {
		return fmt.Errorf("config: bridge.addr is required when the bridge is enabled")
	}
	return nil
}
