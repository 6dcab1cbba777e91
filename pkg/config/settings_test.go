package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() Settings {
	return Settings{
		Watcher: WatcherSettings{
			BaseURL:      "https://ingest.example.test",
			RunID:        "run-1",
			PlayerID:     "player-1",
			Token:        "secret-token",
			SpoolRoot:    "/var/spool/watcher",
			PollInterval: 5 * time.Second,
			BatchSize:    25,
			HTTPTimeout:  10 * time.Second,
			StaleAfter:   5 * time.Minute,
		},
		Backoff: BackoffSettings{
			Base:   time.Second,
			Max:    time.Minute,
			Jitter: 0.2,
		},
		Breaker: BreakerSettings{
			FailureThreshold:    5,
			SuccessThreshold:    2,
			OpenTimeout:         30 * time.Second,
			FailureResetTimeout: time.Minute,
		},
		Observability: Observability{
			ServiceName: "eventspool-watcher",
		},
	}
}

func TestValidate_ValidSettings(t *testing.T) {
	cfg := validSettings()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidSettings(t *testing.T) {
	cfg := validSettings()
	cfg.Watcher.BaseURL = "not-a-url"
	assert.Error(t, cfg.Validate())

	cfg = validSettings()
	cfg.Watcher.Token = ""
	assert.Error(t, cfg.Validate())

	cfg = validSettings()
	cfg.Watcher.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = validSettings()
	cfg.Backoff.Jitter = 1.5
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	configFile := `
watcher:
  base_url: https://ingest.example.test
  run_id: run-42
  player_id: player-7
  token: secret-token
  spool_root: /var/spool/watcher
  poll_interval: 2s
  batch_size: 10
backoff:
  base: 500ms
  max: 30s
  jitter: 0.1
observability:
  service_name: watcher-test
  tracing_url: http://localhost:4318
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "watcher.yaml"), []byte(configFile), 0o644))

	cfg, err := LoadFromFile(dir)
	require.NoError(t, err)

	assert.Equal(t, "https://ingest.example.test", cfg.Watcher.BaseURL)
	assert.Equal(t, "run-42", cfg.Watcher.RunID)
	assert.Equal(t, "player-7", cfg.Watcher.PlayerID)
	assert.Equal(t, 2*time.Second, cfg.Watcher.PollInterval)
	assert.Equal(t, 10, cfg.Watcher.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Backoff.Base)
	assert.Equal(t, 0.1, cfg.Backoff.Jitter)
	assert.Equal(t, "http://localhost:4318", cfg.Observability.TracingURL)

	// Defaults fill anything the file omits.
	assert.Equal(t, 10*time.Second, cfg.Watcher.HTTPTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Watcher.StaleAfter)
	assert.Equal(t, uint32(5), cfg.Breaker.FailureThreshold)
}

func TestLoadFromFile_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	configFile := `
watcher:
  base_url: https://ingest.example.test
  run_id: run-42
  player_id: player-7
  token: from-file
  spool_root: /var/spool/watcher
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "watcher.yaml"), []byte(configFile), 0o644))

	t.Setenv("WATCHER_WATCHER_TOKEN", "from-env")

	cfg, err := LoadFromFile(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Watcher.Token)
}

func TestLoadFromFile_MissingRequired(t *testing.T) {
	dir := t.TempDir()
	configFile := `
watcher:
  base_url: https://ingest.example.test
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "watcher.yaml"), []byte(configFile), 0o644))

	_, err := LoadFromFile(dir)
	assert.Error(t, err)
}
