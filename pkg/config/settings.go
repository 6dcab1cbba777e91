package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Settings is the full watcher configuration, constructed once at process
// start and passed into every component constructor. Nothing reads ambient
// global state after load.
type Settings struct {
	Watcher       WatcherSettings `mapstructure:"watcher"`
	Backoff       BackoffSettings `mapstructure:"backoff"`
	Breaker       BreakerSettings `mapstructure:"breaker"`
	Observability Observability   `mapstructure:"observability"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// LoadFromFile reads watcher.yaml from configPath (falling back to the
// current directory), merges an optional watcher.{environment} overlay,
// applies WATCHER_* environment variables, fills defaults and validates.
func LoadFromFile(configPath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("watcher")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read watcher.yaml: %w", err)
		}
		// No config file is fine; env vars may carry everything.
	}

	if err := mergeConfig(v, configPath, "watcher."+env); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: merge %s overlay: %w", env, err)
		}
	}

	bindEnv(v)

	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("watcher.poll_interval", 5*time.Second)
	v.SetDefault("watcher.batch_size", 25)
	v.SetDefault("watcher.http_timeout", 10*time.Second)
	v.SetDefault("watcher.stale_after", 5*time.Minute)
	v.SetDefault("watcher.log_level", "info")
	v.SetDefault("backoff.base", time.Second)
	v.SetDefault("backoff.max", time.Minute)
	v.SetDefault("backoff.jitter", 0.2)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.open_timeout", 30*time.Second)
	v.SetDefault("breaker.failure_reset_timeout", time.Minute)
	v.SetDefault("observability.service_name", "eventspool-watcher")
}

func bindEnv(v *viper.Viper) {
	v.AutomaticEnv()
	v.SetEnvPrefix("WATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like WATCHER_WATCHER_BASE_URL

	// Bind explicitly so nested keys map correctly.
	for _, key := range []string{
		"watcher.base_url",
		"watcher.run_id",
		"watcher.player_id",
		"watcher.token",
		"watcher.spool_root",
		"watcher.source_path",
		"watcher.poll_interval",
		"watcher.batch_size",
		"watcher.http_timeout",
		"watcher.stale_after",
		"watcher.permissive",
		"watcher.log_level",
		"watcher.log_pretty",
		"backoff.base",
		"backoff.max",
		"backoff.jitter",
		"breaker.failure_threshold",
		"breaker.success_threshold",
		"breaker.open_timeout",
		"breaker.failure_reset_timeout",
		"observability.service_name",
		"observability.tracing_url",
		"observability.metrics_addr",
	} {
		_ = v.BindEnv(key)
	}
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
