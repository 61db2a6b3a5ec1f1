package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileOverrides mirrors Config but with pointer fields so a YAML file
// can override a subset of options without needing every field present.
type fileOverrides struct {
	BaseURL              *string `yaml:"base_url"`
	StateURL             *string `yaml:"state_url"`
	DBURL                *string `yaml:"db_url"`
	NumWorkers           *int    `yaml:"num_workers"`
	MaxDBConns           *int32  `yaml:"max_db_connections"`
	BatchSize            *int    `yaml:"batch_size"`
	QueueSize            *int    `yaml:"queue_size"`
	BufferSize           *int    `yaml:"buffer_size"`
	ThrottleDelaySeconds *int    `yaml:"throttle_delay_seconds"`
	PollingIntervalSecs  *int    `yaml:"polling_interval_seconds"`
	RetryIntervalSecs    *int    `yaml:"retry_interval_seconds"`
	MaxRetries           *int    `yaml:"max_retries"`
	StaleGraceSecs       *int    `yaml:"stale_processing_grace_seconds"`
	RetentionDays        *int    `yaml:"retention_days"`
	StartSequence        *int    `yaml:"start_sequence"`
	MinSequence          *int    `yaml:"min_sequence"`
	LogLevel             *string `yaml:"log_level"`
}

// FromFile overlays a YAML config file onto cfg, for local development.
// A missing file is not an error; a malformed one is.
func FromFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}

	var o fileOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return cfg, err
	}

	applyString(&cfg.BaseURL, o.BaseURL)
	applyString(&cfg.StateURL, o.StateURL)
	applyString(&cfg.DBURL, o.DBURL)
	applyInt(&cfg.NumWorkers, o.NumWorkers)
	if o.MaxDBConns != nil {
		cfg.MaxDBConns = *o.MaxDBConns
	}
	applyInt(&cfg.BatchSize, o.BatchSize)
	applyInt(&cfg.QueueSize, o.QueueSize)
	applyInt(&cfg.BufferSize, o.BufferSize)
	applySeconds(&cfg.ThrottleDelay, o.ThrottleDelaySeconds)
	applySeconds(&cfg.PollingInterval, o.PollingIntervalSecs)
	applySeconds(&cfg.RetryInterval, o.RetryIntervalSecs)
	applyInt(&cfg.MaxRetries, o.MaxRetries)
	applySeconds(&cfg.StaleProcessingGrace, o.StaleGraceSecs)
	applyInt(&cfg.RetentionDays, o.RetentionDays)
	applyInt(&cfg.StartSequence, o.StartSequence)
	applyInt(&cfg.MinSequence, o.MinSequence)
	applyString(&cfg.LogLevel, o.LogLevel)

	return cfg, nil
}

func applyString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func applyInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func applySeconds(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Second
	}
}
