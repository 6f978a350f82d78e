// Package config loads and persists the taskpulse client configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the client settings. Zero values are never used directly;
// Load starts from Default and overlays the file and environment.
type Config struct {
	Server  string       `yaml:"server"`
	Timeout Duration     `yaml:"timeout"`
	Stream  StreamConfig `yaml:"stream"`
}

// StreamConfig tunes the event stream engine.
type StreamConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	RetryDelay Duration `yaml:"retry_delay"`
	Heartbeat  Duration `yaml:"heartbeat"`
}

// Default returns the built-in configuration. The server address matches
// the upstream agent server's default listen port.
func Default() Config {
	return Config{
		Server:  "http://127.0.0.1:5172",
		Timeout: Duration(10 * time.Second),
		Stream: StreamConfig{
			MaxRetries: 3,
			RetryDelay: Duration(2 * time.Second),
			Heartbeat:  Duration(5 * time.Second),
		},
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "taskpulse", "config.yaml"), nil
}

// Load reads the config at path, falling back to defaults when the file
// does not exist. TASKPULSE_SERVER overrides the server URL either way.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if server := os.Getenv("TASKPULSE_SERVER"); server != "" {
		cfg.Server = server
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory with owner-only
// permissions.
func Save(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server must be a full URL, got %q", c.Server)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	if c.Stream.MaxRetries < 0 {
		return fmt.Errorf("stream.max_retries must be greater than or equal to 0")
	}
	if c.Stream.RetryDelay < 0 {
		return fmt.Errorf("stream.retry_delay must be greater than or equal to 0")
	}
	if c.Stream.Heartbeat <= 0 {
		return fmt.Errorf("stream.heartbeat must be greater than 0")
	}
	return nil
}

// Duration wraps time.Duration so YAML can use strings like "2s" or
// "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
