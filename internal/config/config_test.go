package config

import (
	"os"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config failed validation: %v", err)
	}
}

func TestValidateRejectsMissingBaseURL(t *testing.T) {
	cfg := Default()
	cfg.BaseURL = ""
	cfg.DBURL = "postgres://example"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing base_url")
	}
}

func TestValidateRejectsMissingDBURL(t *testing.T) {
	cfg := Default()
	cfg.DBURL = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing db_url")
	}
}

func TestValidateRejectsNonPositiveWorkers(t *testing.T) {
	cfg := Default()
	cfg.DBURL = "postgres://example"
	cfg.NumWorkers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero num_workers")
	}
}

func TestValidateRejectsNegativeMaxRetries(t *testing.T) {
	cfg := Default()
	cfg.DBURL = "postgres://example"
	cfg.MaxRetries = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative max_retries")
	}
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("OSM_INGEST_BASE_URL", "https://example.test/replication")
	t.Setenv("OSM_INGEST_NUM_WORKERS", "12")
	t.Setenv("OSM_INGEST_MAX_DB_CONNECTIONS", "32")
	t.Setenv("OSM_INGEST_POLLING_INTERVAL_SECONDS", "30")

	cfg := FromEnv(Default())
	if cfg.BaseURL != "https://example.test/replication" {
		t.Errorf("BaseURL = %q, want override", cfg.BaseURL)
	}
	if cfg.NumWorkers != 12 {
		t.Errorf("NumWorkers = %d, want 12", cfg.NumWorkers)
	}
	if cfg.MaxDBConns != 32 {
		t.Errorf("MaxDBConns = %d, want 32", cfg.MaxDBConns)
	}
	if cfg.PollingInterval != 30*time.Second {
		t.Errorf("PollingInterval = %v, want 30s", cfg.PollingInterval)
	}
}

func TestFromEnvLeavesUnsetFieldsAlone(t *testing.T) {
	os.Unsetenv("OSM_INGEST_BATCH_SIZE")
	cfg := FromEnv(Default())
	if cfg.BatchSize != Default().BatchSize {
		t.Errorf("BatchSize = %d, want unchanged default %d", cfg.BatchSize, Default().BatchSize)
	}
}
