package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Upstream UpstreamConfig `toml:"upstream"`
	Sessions SessionsConfig `toml:"sessions"`
	Stream   StreamConfig   `toml:"stream"`
	Persist  PersistConfig  `toml:"persist"`
	API      APIConfig      `toml:"api"`

	// Runtime flags (not from TOML)
	Dev bool `toml:"-"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
}

type AuthConfig struct {
	Token       string `toml:"token"`
	StreamToken string `toml:"stream_token"` // read-only token for streaming clients
}

type UpstreamConfig struct {
	// Mode selects the source implementation: "sse" (orchestrator API)
	// or "file" (tail local JSONL files, dev mode).
	Mode     string `toml:"mode"`
	Endpoint string `toml:"endpoint"`
	Token    string `toml:"token"`
	FileDir  string `toml:"file_dir"`

	LogRetryAttempts      int `toml:"log_retry_attempts"`
	ProgressRetryAttempts int `toml:"progress_retry_attempts"`
	RetryDelayMS          int `toml:"retry_delay_ms"`
}

type SessionsConfig struct {
	Max                int `toml:"max"`
	IdleTimeoutMinutes int `toml:"idle_timeout_minutes"`
	SweepIntervalSecs  int `toml:"sweep_interval_seconds"`
}

type StreamConfig struct {
	SubscriberBuffer int    `toml:"subscriber_buffer"`
	PersistBatchSize int    `toml:"persist_batch_size"`
	PresetsPath      string `toml:"presets_path"`
}

type PersistConfig struct {
	Enabled   bool   `toml:"enabled"`
	DSN       string `toml:"dsn"`
	QueueSize int    `toml:"queue_size"`
}

type APIConfig struct {
	// Platform API the daemon reports heartbeats to. Empty disables
	// reporting.
	Endpoint string `toml:"endpoint"`
	RelayID  string `toml:"relay_id"`
	APIKey   string `toml:"api_key"`
}

func DefaultDev() *Config {
	return &Config{
		Dev: true,
		Server: ServerConfig{
			Listen: "localhost:7620",
		},
		Upstream: UpstreamConfig{
			Mode:                  "file",
			FileDir:               "./streams",
			LogRetryAttempts:      3,
			ProgressRetryAttempts: 2,
			RetryDelayMS:          500,
		},
		Sessions: SessionsConfig{
			Max:                1000,
			IdleTimeoutMinutes: 30,
			SweepIntervalSecs:  60,
		},
		Stream: StreamConfig{
			SubscriberBuffer: 64,
			PersistBatchSize: 100,
		},
		Persist: PersistConfig{
			Enabled:   false,
			QueueSize: 64,
		},
	}
}

func DefaultProd() *Config {
	cfg := DefaultDev()
	cfg.Dev = false
	cfg.Server.Listen = "0.0.0.0:7620"
	cfg.Upstream.Mode = "sse"
	cfg.Upstream.Endpoint = "http://orchestrator:8080/api/v1"
	return cfg
}

func Load(path string, dev bool) (*Config, error) {
	var cfg *Config
	if dev {
		cfg = DefaultDev()
	} else {
		cfg = DefaultProd()
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Upstream.Mode {
	case "sse":
		if c.Upstream.Endpoint == "" {
			return fmt.Errorf("config: upstream.endpoint required in sse mode")
		}
	case "file":
		if c.Upstream.FileDir == "" {
			return fmt.Errorf("config: upstream.file_dir required in file mode")
		}
	default:
		return fmt.Errorf("config: unknown upstream.mode %q", c.Upstream.Mode)
	}
	if c.Persist.Enabled && c.Persist.DSN == "" {
		return fmt.Errorf("config: persist.dsn required when persistence is enabled")
	}
	return nil
}

func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sessions.IdleTimeoutMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sessions.SweepIntervalSecs) * time.Second
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Upstream.RetryDelayMS) * time.Millisecond
}
