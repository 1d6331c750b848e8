// Package config holds the daemon configuration.
//
// Settings resolve in three layers: built-in defaults, then config.yaml in the
// config directory, then PREVIEW_* environment variables. The loaded Config is
// read-only after Load(); nothing mutates it at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zhubert/preview-core/paths"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "60s" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the daemon configuration
type Config struct {
	ListenAddr    string   `yaml:"listen_addr"`    // HTTP listen address
	DataDir       string   `yaml:"data_dir"`       // Override for the data directory (projects, db)
	DevCommand    string   `yaml:"dev_command"`    // Command used to start a project's dev server
	ReadyTimeout  Duration `yaml:"ready_timeout"`  // How long to wait for the dev server to accept connections
	ProbeInterval Duration `yaml:"probe_interval"` // Delay between readiness probes
	StopGrace     Duration `yaml:"stop_grace"`     // How long to wait after SIGTERM before SIGKILL
	RingSize      int      `yaml:"ring_size"`      // Output lines retained per project
	PingInterval  Duration `yaml:"ping_interval"`  // WebSocket keepalive ping interval
	PongWait      Duration `yaml:"pong_wait"`      // WebSocket read deadline extension
	Debug         bool     `yaml:"debug"`          // Debug-level logging
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		ListenAddr:    "127.0.0.1:8700",
		DevCommand:    "npm run dev",
		ReadyTimeout:  Duration(60 * time.Second),
		ProbeInterval: Duration(250 * time.Millisecond),
		StopGrace:     Duration(5 * time.Second),
		RingSize:      2000,
		PingInterval:  Duration(30 * time.Second),
		PongWait:      Duration(60 * time.Second),
	}
}

// Load reads the config from disk, applies environment overrides, and
// validates the result. A missing config file is not an error.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom is Load with an explicit file path, primarily for testing.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays PREVIEW_* environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("PREVIEW_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("PREVIEW_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PREVIEW_DEV_COMMAND"); v != "" {
		c.DevCommand = v
	}
	if v := os.Getenv("PREVIEW_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if strings.TrimSpace(c.DevCommand) == "" {
		return fmt.Errorf("dev_command must not be empty")
	}
	if c.ReadyTimeout.Std() <= 0 {
		return fmt.Errorf("ready_timeout must be positive")
	}
	if c.ProbeInterval.Std() <= 0 {
		return fmt.Errorf("probe_interval must be positive")
	}
	if c.StopGrace.Std() <= 0 {
		return fmt.Errorf("stop_grace must be positive")
	}
	if c.RingSize <= 0 {
		return fmt.Errorf("ring_size must be positive")
	}
	if c.PingInterval.Std() <= 0 {
		return fmt.Errorf("ping_interval must be positive")
	}
	if c.PongWait.Std() <= c.PingInterval.Std() {
		return fmt.Errorf("pong_wait must be longer than ping_interval")
	}
	return nil
}

// DevCommandArgs splits the dev command on whitespace.
// Returns the program and its arguments.
func (c *Config) DevCommandArgs() []string {
	return strings.Fields(c.DevCommand)
}

// Save writes the config to disk as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
