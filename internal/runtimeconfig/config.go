package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/google/go-containerregistry/pkg/name"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Normalize. Durations live here as plain numbers; the
// CLI converts them when wiring components.
const (
	DefaultTokenHeader       = "X-Understudy-Token"
	DefaultMinTokenLength    = 16
	DefaultMaxPayloadMB      = 50
	DefaultSessionTTLHours   = 72
	DefaultSweepMinutes      = 60
	DefaultSandboxImage      = "node:18-alpine"
	DefaultSandboxTimeoutSec = 300
	DefaultMaxConcurrent     = 5
	DefaultMinScratchMB      = 256
	DefaultSyncWorkers       = 4
	DefaultQueueCapacity     = 100
	DefaultAnalysisTimeout   = 10
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Session  SessionConfig  `yaml:"session"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Sync     SyncConfig     `yaml:"sync"`
	Analysis AnalysisConfig `yaml:"analysis"`
}

type ServerConfig struct {
	// Listen is an endpoint string: unix:///path, http://host:port,
	// https://host:port, or tsnet://hostname.
	Listen       string `yaml:"listen" env:"UNDERSTUDY_LISTEN"`
	TLSCert      string `yaml:"tls_cert" env:"UNDERSTUDY_TLS_CERT"`
	TLSKey       string `yaml:"tls_key" env:"UNDERSTUDY_TLS_KEY"`
	MaxPayloadMB int    `yaml:"max_payload_mb" env:"UNDERSTUDY_MAX_PAYLOAD_MB"`
}

type AuthConfig struct {
	TokenHeader    string `yaml:"token_header" env:"UNDERSTUDY_TOKEN_HEADER"`
	MinTokenLength int    `yaml:"min_token_length" env:"UNDERSTUDY_MIN_TOKEN_LENGTH"`
}

type SessionConfig struct {
	TTLHours     int `yaml:"ttl_hours" env:"UNDERSTUDY_SESSION_TTL_HOURS"`
	SweepMinutes int `yaml:"sweep_minutes" env:"UNDERSTUDY_SESSION_SWEEP_MINUTES"`
}

type SandboxConfig struct {
	Image          string `yaml:"image" env:"UNDERSTUDY_SANDBOX_IMAGE"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"UNDERSTUDY_SANDBOX_TIMEOUT_SECONDS"`
	MaxConcurrent  int    `yaml:"max_concurrent" env:"UNDERSTUDY_SANDBOX_MAX_CONCURRENT"`
	ScratchRoot    string `yaml:"scratch_root" env:"UNDERSTUDY_SCRATCH_ROOT"`
	MinScratchMB   int    `yaml:"min_scratch_mb" env:"UNDERSTUDY_MIN_SCRATCH_MB"`
}

type SyncConfig struct {
	Workers       int `yaml:"workers" env:"UNDERSTUDY_SYNC_WORKERS"`
	QueueCapacity int `yaml:"queue_capacity" env:"UNDERSTUDY_SYNC_QUEUE_CAPACITY"`
}

type AnalysisConfig struct {
	// Command is the analyzer argv. Empty disables risk analysis.
	Command        []string `yaml:"command" env:"UNDERSTUDY_ANALYSIS_COMMAND" envSeparator:" "`
	TimeoutSeconds int      `yaml:"timeout_seconds" env:"UNDERSTUDY_ANALYSIS_TIMEOUT_SECONDS"`
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "understudy", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "understudy", "config.yaml"), nil
}

// Load reads the config file, applies UNDERSTUDY_* environment overrides on
// top, and normalizes the result. A missing file is not an error; the
// defaults plus environment are a complete configuration.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	cfg := Config{}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse environment: %w", err)
	}

	cfg.Normalize()
	return cfg, path, nil
}

// Normalize trims strings and fills in defaults for everything unset.
func (c *Config) Normalize() {
	c.Server.Listen = strings.TrimSpace(c.Server.Listen)
	c.Server.TLSCert = strings.TrimSpace(c.Server.TLSCert)
	c.Server.TLSKey = strings.TrimSpace(c.Server.TLSKey)
	if c.Server.MaxPayloadMB <= 0 {
		c.Server.MaxPayloadMB = DefaultMaxPayloadMB
	}

	c.Auth.TokenHeader = strings.TrimSpace(c.Auth.TokenHeader)
	if c.Auth.TokenHeader == "" {
		c.Auth.TokenHeader = DefaultTokenHeader
	}
	if c.Auth.MinTokenLength <= 0 {
		c.Auth.MinTokenLength = DefaultMinTokenLength
	}

	if c.Session.TTLHours <= 0 {
		c.Session.TTLHours = DefaultSessionTTLHours
	}
	if c.Session.SweepMinutes <= 0 {
		c.Session.SweepMinutes = DefaultSweepMinutes
	}

	c.Sandbox.Image = strings.TrimSpace(c.Sandbox.Image)
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = DefaultSandboxImage
	}
	if c.Sandbox.TimeoutSeconds <= 0 {
		c.Sandbox.TimeoutSeconds = DefaultSandboxTimeoutSec
	}
	if c.Sandbox.MaxConcurrent <= 0 {
		c.Sandbox.MaxConcurrent = DefaultMaxConcurrent
	}
	c.Sandbox.ScratchRoot = strings.TrimSpace(c.Sandbox.ScratchRoot)
	if c.Sandbox.MinScratchMB <= 0 {
		c.Sandbox.MinScratchMB = DefaultMinScratchMB
	}

	if c.Sync.Workers <= 0 {
		c.Sync.Workers = DefaultSyncWorkers
	}
	if c.Sync.QueueCapacity <= 0 {
		c.Sync.QueueCapacity = DefaultQueueCapacity
	}

	if c.Analysis.TimeoutSeconds <= 0 {
		c.Analysis.TimeoutSeconds = DefaultAnalysisTimeout
	}
}

// Validate reports configuration that cannot possibly serve. It assumes
// Normalize ran first.
func (c *Config) Validate() error {
	if _, err := name.ParseReference(c.Sandbox.Image); err != nil {
		return fmt.Errorf("sandbox image %q: %w", c.Sandbox.Image, err)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	if len(c.Analysis.Command) == 1 && strings.TrimSpace(c.Analysis.Command[0]) == "" {
		return errors.New("analysis command must not be a single empty string")
	}
	return nil
}
