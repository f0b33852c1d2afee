package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddress != ":8090" || cfg.PollIntervalSeconds != 3 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.PollInterval() != 3*time.Second || cfg.SessionTTL() != 24*time.Hour {
		t.Fatalf("durations = %s %s", cfg.PollInterval(), cfg.SessionTTL())
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err != nil {
		t.Fatal(err)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backcheck.yaml")
	data := []byte("listen_address: \":9999\"\nbackend_base_url: \"http://api.test\"\nmax_tweets: 500\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddress != ":9999" || cfg.BackendBaseURL != "http://api.test" || cfg.MaxTweets != 500 {
		t.Fatalf("cfg = %+v", cfg)
	}
	// Unset fields keep their defaults.
	if cfg.PollIntervalSeconds != 3 {
		t.Fatalf("poll interval = %d", cfg.PollIntervalSeconds)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backcheck.yaml")
	if err := os.WriteFile(path, []byte("backend_base_url: \"http://file.test\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(backendURLEnv, "http://env.test/")
	t.Setenv(pollIntervalEnv, "10")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BackendBaseURL != "http://env.test" {
		t.Fatalf("backend url = %q, want env value without trailing slash", cfg.BackendBaseURL)
	}
	if cfg.PollIntervalSeconds != 10 {
		t.Fatalf("poll interval = %d", cfg.PollIntervalSeconds)
	}
}

func TestValidate(t *testing.T) {
	base := defaultConfig()

	bad := base
	bad.PollIntervalSeconds = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero poll interval accepted")
	}

	bad = base
	bad.BackendBaseURL = " "
	if err := bad.Validate(); err == nil {
		t.Error("blank backend url accepted")
	}

	bad = base
	bad.MaxTweets = -1
	if err := bad.Validate(); err == nil {
		t.Error("negative max_tweets accepted")
	}

	if err := base.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
