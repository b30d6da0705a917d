package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATSYNC_"

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string       `toml:"default_profile" env:"PROFILE"`
	ViewerID       string       `toml:"viewer_id,omitempty" env:"VIEWER_ID"`
	Server         ServerConfig `toml:"server" envPrefix:"SERVER_"`
	Live           LiveConfig   `toml:"live" envPrefix:"LIVE_"`
	Log            LogConfig    `toml:"log" envPrefix:"LOG_"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	APIBaseURL     string   `toml:"api_base_url" env:"API_BASE_URL"`
	HubURL         string   `toml:"hub_url" env:"HUB_URL"`
	StreamBaseURL  string   `toml:"stream_base_url,omitempty" env:"STREAM_BASE_URL"`
	RequestTimeout Duration `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// LiveConfig tunes the live connection.
type LiveConfig struct {
	ReconnectDelays []Duration `toml:"reconnect_delays" env:"RECONNECT_DELAYS"`
	Keepalive       Duration   `toml:"keepalive" env:"KEEPALIVE"`
}

// LogConfig sets the daemon log level.
type LogConfig struct {
	Level string `toml:"level" env:"LEVEL"`
}

// Duration is a time.Duration written as a string such as "2s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: ServerConfig{
			APIBaseURL:     "http://localhost:5000/api",
			HubURL:         "http://localhost:5000/hubs/chat",
			RequestTimeout: Duration(30 * time.Second),
		},
		Live: LiveConfig{
			ReconnectDelays: []Duration{0, Duration(2 * time.Second), Duration(10 * time.Second), Duration(30 * time.Second)},
			Keepalive:       Duration(15 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads path if it exists, applies environment overrides, and
// validates the result.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CHATSYNC_* environment variables.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}

// Validate checks URLs and the log level.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"server.api_base_url":    c.Server.APIBaseURL,
		"server.hub_url":         c.Server.HubURL,
		"server.stream_base_url": c.Server.StreamBaseURL,
	} {
		if raw == "" {
			if name == "server.stream_base_url" {
				continue
			}
			return fmt.Errorf("config: %s is required", name)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: %s: invalid url %q", name, raw)
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.Server.RequestTimeout < 0 {
		return errors.New("config: server.request_timeout must not be negative")
	}
	return nil
}

// StreamURL returns the base URL of the assistant streaming endpoint.
func (c *Config) StreamURL() string {
	if c.Server.StreamBaseURL != "" {
		return c.Server.StreamBaseURL
	}
	return c.Server.APIBaseURL
}

// Delays returns the reconnect schedule as durations.
func (c *Config) Delays() []time.Duration {
	out := make([]time.Duration, len(c.Live.ReconnectDelays))
	for i, d := range c.Live.ReconnectDelays {
		out[i] = d.Std()
	}
	return out
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
