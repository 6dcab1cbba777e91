package config

import "time"

// WatcherSettings holds the core delivery configuration.
type WatcherSettings struct {
	// BaseURL of the ingestion API; events go to BaseURL + /v1/events.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	// RunID and PlayerID scope this watcher to one spool partition.
	RunID    string `mapstructure:"run_id" validate:"required"`
	PlayerID string `mapstructure:"player_id" validate:"required"`
	// Token is the bearer token, read live at send time so rotation takes
	// effect without re-enqueueing.
	Token string `mapstructure:"token" validate:"required"`
	// SpoolRoot is the directory holding all spool partitions.
	SpoolRoot string `mapstructure:"spool_root" validate:"required"`
	// SourcePath optionally points at an NDJSON file to bulk-ingest at
	// startup.
	SourcePath string `mapstructure:"source_path"`

	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout" validate:"gt=0"`
	// StaleAfter is the age past which an in-flight record is presumed
	// abandoned by a crashed worker and recovered to the queue. Must exceed
	// any realistic single send attempt.
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"gt=0"`

	// Permissive relaxes partition-lock acquisition to a warning, for dev
	// setups where a stale lock would otherwise block startup.
	Permissive bool `mapstructure:"permissive"`

	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
}

// BackoffSettings tunes the exponential retry delay.
type BackoffSettings struct {
	Base   time.Duration `mapstructure:"base" validate:"gt=0"`
	Max    time.Duration `mapstructure:"max" validate:"gt=0"`
	Jitter float64       `mapstructure:"jitter" validate:"gte=0,lte=1"`
}

// BreakerSettings tunes the outbound circuit breaker.
type BreakerSettings struct {
	FailureThreshold    uint32        `mapstructure:"failure_threshold" validate:"gt=0"`
	SuccessThreshold    uint32        `mapstructure:"success_threshold" validate:"gt=0"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout" validate:"gt=0"`
	FailureResetTimeout time.Duration `mapstructure:"failure_reset_timeout" validate:"gte=0"`
}
