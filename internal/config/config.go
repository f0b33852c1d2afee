// Package config resolves all runtime settings once at startup into an
// immutable value: defaults, then an optional YAML file, then environment
// overrides. Nothing else in the program reads the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	backendURLEnv   = "BACKCHECK_BACKEND_URL"
	listenAddrEnv   = "BACKCHECK_LISTEN_ADDR"
	sessionDBEnv    = "BACKCHECK_SESSION_DB"
	dashboardURLEnv = "BACKCHECK_DASHBOARD_URL"
	pollIntervalEnv = "BACKCHECK_POLL_INTERVAL_SEC"
	maxTweetsEnv    = "BACKCHECK_MAX_TWEETS"
	sessionTTLEnv   = "BACKCHECK_SESSION_TTL_HOURS"
)

// Config is threaded explicitly to every component that needs it.
type Config struct {
	ListenAddress       string `yaml:"listen_address"`
	BackendBaseURL      string `yaml:"backend_base_url"`
	DashboardURL        string `yaml:"dashboard_url"`
	SessionDBPath       string `yaml:"session_db_path"`
	SessionTTLHours     int    `yaml:"session_ttl_hours"`
	SessionSweepSpec    string `yaml:"session_sweep_spec"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	MaxTweets           int    `yaml:"max_tweets"`
	HTTPReadTimeoutSec  int    `yaml:"http_read_timeout_sec"`
	HTTPWriteTimeoutSec int    `yaml:"http_write_timeout_sec"`
	HTTPIdleTimeoutSec  int    `yaml:"http_idle_timeout_sec"`
	MaxBodyBytes        int64  `yaml:"max_body_bytes"`
}

func defaultConfig() Config {
	return Config{
		ListenAddress:       ":8090",
		BackendBaseURL:      "http://localhost:8080",
		DashboardURL:        "http://localhost:8090/dashboard",
		SessionDBPath:       "backcheck.db",
		SessionTTLHours:     24,
		SessionSweepSpec:    "@every 15m",
		PollIntervalSeconds: 3,
		MaxTweets:           0,
		HTTPReadTimeoutSec:  10,
		HTTPWriteTimeoutSec: 30,
		HTTPIdleTimeoutSec:  60,
		MaxBodyBytes:        1 << 20,
	}
}

// Load resolves the configuration. path may be empty; a missing file is not
// an error, only an unparseable one is.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(backendURLEnv); v != "" {
		c.BackendBaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv(listenAddrEnv); v != "" {
		c.ListenAddress = v
	}
	if v := os.Getenv(sessionDBEnv); v != "" {
		c.SessionDBPath = v
	}
	if v := os.Getenv(dashboardURLEnv); v != "" {
		c.DashboardURL = v
	}
	if v := os.Getenv(pollIntervalEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv(maxTweetsEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxTweets = n
		}
	}
	if v := os.Getenv(sessionTTLEnv); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SessionTTLHours = n
		}
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return errors.New("listen_address is required")
	}
	if strings.TrimSpace(c.BackendBaseURL) == "" {
		return errors.New("backend_base_url is required")
	}
	if c.PollIntervalSeconds <= 0 || c.PollIntervalSeconds > 300 {
		return errors.New("poll_interval_seconds must be 1..300")
	}
	if c.SessionTTLHours <= 0 || c.SessionTTLHours > 24*30 {
		return errors.New("session_ttl_hours out of range")
	}
	if c.MaxTweets < 0 {
		return errors.New("max_tweets must not be negative")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("max_body_bytes must be positive")
	}
	return nil
}

// PollInterval is the job-status polling cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// SessionTTL is how long a session row lives without renewal.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}
