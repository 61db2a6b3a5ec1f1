// Package config loads and validates the typed configuration shared by
// both entry points (cmd/replication-daemon, cmd/archive-loader). Values
// come from OSM_INGEST_-prefixed environment variables, following the
// env-lookup-plus-strconv idiom the teacher's daemon entry point uses,
// with an optional YAML file for local overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized option from spec.md §6.
type Config struct {
	BaseURL  string // replication root, e.g. https://planet.osm.org/replication/changesets
	StateURL string // overrides the derived {BaseURL}/state.yaml location

	DBURL string // postgres connection string

	NumWorkers int
	MaxDBConns int32
	BatchSize  int
	QueueSize  int
	BufferSize int // archive loader's bufio read buffer, bytes

	ThrottleDelay        time.Duration
	PollingInterval      time.Duration
	RetryInterval        time.Duration
	MaxRetries           int
	StaleProcessingGrace time.Duration

	RetentionDays int // archive loader only
	StartSequence int // replication daemon: ascending start point when the store is empty
	MinSequence   int

	LogLevel string
}

// Default returns a Config populated with the defaults named in spec.md
// §6/§7.
func Default() Config {
	return Config{
		BaseURL:              "https://planet.osm.org/replication/changesets",
		NumWorkers:           6,
		MaxDBConns:           16,
		BatchSize:            1000,
		QueueSize:            100,
		BufferSize:           262144, // bufio read buffer for the archive loader, bytes
		ThrottleDelay:        time.Second,
		PollingInterval:      60 * time.Second,
		RetryInterval:        5 * time.Minute,
		MaxRetries:           3,
		StaleProcessingGrace: 10 * time.Minute,
		LogLevel:             "info",
	}
}

// FromEnv overlays environment variables onto a copy of cfg and returns
// the result. Unset variables leave the existing value untouched.
func FromEnv(cfg Config) Config {
	str(&cfg.BaseURL, "OSM_INGEST_BASE_URL")
	str(&cfg.StateURL, "OSM_INGEST_STATE_URL")
	str(&cfg.DBURL, "OSM_INGEST_DB_URL")
	intVal(&cfg.NumWorkers, "OSM_INGEST_NUM_WORKERS")
	int32Val(&cfg.MaxDBConns, "OSM_INGEST_MAX_DB_CONNECTIONS")
	intVal(&cfg.BatchSize, "OSM_INGEST_BATCH_SIZE")
	intVal(&cfg.QueueSize, "OSM_INGEST_QUEUE_SIZE")
	intVal(&cfg.BufferSize, "OSM_INGEST_BUFFER_SIZE")
	durationVal(&cfg.ThrottleDelay, "OSM_INGEST_THROTTLE_DELAY_SECONDS")
	durationVal(&cfg.PollingInterval, "OSM_INGEST_POLLING_INTERVAL_SECONDS")
	durationVal(&cfg.RetryInterval, "OSM_INGEST_RETRY_INTERVAL_SECONDS")
	intVal(&cfg.MaxRetries, "OSM_INGEST_MAX_RETRIES")
	durationVal(&cfg.StaleProcessingGrace, "OSM_INGEST_STALE_PROCESSING_GRACE_SECONDS")
	intVal(&cfg.RetentionDays, "OSM_INGEST_RETENTION_DAYS")
	intVal(&cfg.StartSequence, "OSM_INGEST_START_SEQUENCE")
	intVal(&cfg.MinSequence, "OSM_INGEST_MIN_SEQUENCE")
	str(&cfg.LogLevel, "OSM_INGEST_LOG_LEVEL")
	return cfg
}

// Validate fails fast on a configuration that cannot possibly run,
// matching spec.md §7's "Configuration error" taxonomy entry: the
// process must exit non-zero before any goroutine starts rather than
// fail confusingly later.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("config: base_url must be set")
	}
	if c.DBURL == "" {
		return fmt.Errorf("config: db_url must be set")
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("config: num_workers must be positive, got %d", c.NumWorkers)
	}
	if c.MaxDBConns <= 0 {
		return fmt.Errorf("config: max_db_connections must be positive, got %d", c.MaxDBConns)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be non-negative, got %d", c.MaxRetries)
	}
	return nil
}

func str(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok {
		*dst = v
	}
}

func intVal(dst *int, env string) {
	v, ok := os.LookupEnv(env)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

func int32Val(dst *int32, env string) {
	v, ok := os.LookupEnv(env)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return
	}
	*dst = int32(n)
}

func durationVal(dst *time.Duration, env string) {
	v, ok := os.LookupEnv(env)
	if !ok {
		return
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = time.Duration(secs) * time.Second
}
