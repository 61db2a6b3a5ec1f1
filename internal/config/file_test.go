package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromFileMissingIsNotError(t *testing.T) {
	cfg, err := FromFile(Default(), filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("missing file should not be an error, got %v", err)
	}
	if cfg != Default() {
		t.Errorf("expected unchanged config for missing file")
	}
}

func TestFromFileOverridesSubset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
base_url: https://file-override.test/replication
num_workers: 9
throttle_delay_seconds: 3
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}

	cfg, err := FromFile(Default(), path)
	if err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if cfg.BaseURL != "https://file-override.test/replication" {
		t.Errorf("BaseURL = %q, want override", cfg.BaseURL)
	}
	if cfg.NumWorkers != 9 {
		t.Errorf("NumWorkers = %d, want 9", cfg.NumWorkers)
	}
	if cfg.ThrottleDelay != 3*time.Second {
		t.Errorf("ThrottleDelay = %v, want 3s", cfg.ThrottleDelay)
	}
	// Fields not named in the file keep their default value.
	if cfg.BatchSize != Default().BatchSize {
		t.Errorf("BatchSize = %d, want unchanged default", cfg.BatchSize)
	}
}

func TestFromFileMalformedIsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("not: [valid yaml"), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	if _, err := FromFile(Default(), path); err == nil {
		t.Fatal("expected malformed YAML to return an error")
	}
}
