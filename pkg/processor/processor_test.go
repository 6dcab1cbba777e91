package processor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-eventspool/pkg/breaker"
	"github.com/zoff-tech/go-eventspool/pkg/config"
	"github.com/zoff-tech/go-eventspool/pkg/sender"
	"github.com/zoff-tech/go-eventspool/pkg/spool"
	"github.com/zoff-tech/go-eventspool/schema"
)

func testSettings(baseURL string) *config.Settings {
	return &config.Settings{
		Watcher: config.WatcherSettings{
			BaseURL:      baseURL,
			RunID:        "nuzlocke-7",
			PlayerID:     "ash",
			Token:        "test-token",
			PollInterval: 10 * time.Millisecond,
			BatchSize:    25,
			HTTPTimeout:  2 * time.Second,
			StaleAfter:   5 * time.Minute,
		},
		Backoff: config.BackoffSettings{
			Base:   200 * time.Millisecond,
			Max:    5 * time.Second,
			Jitter: 0,
		},
		Breaker: config.BreakerSettings{
			FailureThreshold:    5,
			SuccessThreshold:    2,
			OpenTimeout:         30 * time.Second,
			FailureResetTimeout: time.Minute,
		},
	}
}

func newTestProcessor(t *testing.T, cfg *config.Settings) (*Processor, *spool.Queue) {
	t.Helper()

	q, err := spool.Open(t.TempDir(), cfg.Watcher.RunID, cfg.Watcher.PlayerID)
	require.NoError(t, err)

	brk := breaker.New(breaker.Config{
		Name:                     "test",
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		SuccessThreshold:         cfg.Breaker.SuccessThreshold,
		OpenTimeout:              cfg.Breaker.OpenTimeout,
		FailureCountResetTimeout: cfg.Breaker.FailureResetTimeout,
	})
	snd := sender.New(&http.Client{Timeout: cfg.Watcher.HTTPTimeout}, brk, func() string {
		return cfg.Watcher.Token
	})
	return New(cfg, q, snd), q
}

func enqueueTestRecord(t *testing.T, q *spool.Queue, cfg *config.Settings, payload string) *spool.Handle {
	t.Helper()
	rec := schema.NewRecord([]byte(payload), nil,
		cfg.Watcher.BaseURL, cfg.Watcher.RunID, cfg.Watcher.PlayerID)
	h, err := q.Enqueue(rec)
	require.NoError(t, err)
	return h
}

func filesWithSuffix(t *testing.T, dir, suffix string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestDrainDeliversQueuedRecords(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := testSettings(srv.URL)
	p, q := newTestProcessor(t, cfg)

	enqueueTestRecord(t, q, cfg, `{"type":"encounter","species":"pidgey"}`)
	enqueueTestRecord(t, q, cfg, `{"type":"encounter","species":"rattata"}`)

	processed := p.drainOnce(context.Background())
	assert.Equal(t, 2, processed)
	assert.Equal(t, int32(2), received.Load())
	assert.Empty(t, filesWithSuffix(t, q.Dir(), ".json"))
	assert.Empty(t, filesWithSuffix(t, q.Dir(), ".sending"))
}

func TestDrainReschedulesOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testSettings(srv.URL)
	p, q := newTestProcessor(t, cfg)
	enqueueTestRecord(t, q, cfg, `{"type":"encounter"}`)

	processed := p.drainOnce(context.Background())
	assert.Equal(t, 1, processed)

	// Still queued, one attempt recorded, scheduled in the future.
	queued := filesWithSuffix(t, q.Dir(), ".json")
	require.Len(t, queued, 1)
	due, err := q.ListDue(time.Now().UTC().Add(10 * time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Record.Attempt)
	assert.Contains(t, due[0].Record.LastError, "http 500")
	assert.True(t, due[0].Record.NextAttemptAt.After(time.Now().UTC()))
}

func TestDrainDeadLettersPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	cfg := testSettings(srv.URL)
	p, q := newTestProcessor(t, cfg)
	enqueueTestRecord(t, q, cfg, `{"type":"mystery"}`)

	processed := p.drainOnce(context.Background())
	assert.Equal(t, 1, processed)

	assert.Empty(t, filesWithSuffix(t, q.Dir(), ".json"))
	dead := filesWithSuffix(t, q.DeadDir(), ".json")
	assert.Len(t, dead, 1)
}

func TestDrainHonorsRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testSettings(srv.URL)
	p, q := newTestProcessor(t, cfg)
	enqueueTestRecord(t, q, cfg, `{"type":"encounter"}`)

	before := time.Now().UTC()
	p.drainOnce(context.Background())

	due, err := q.ListDue(before.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	// Rescheduled per the server hint, not the (much shorter) backoff curve.
	assert.True(t, due[0].Record.NextAttemptAt.After(before.Add(110*time.Second)))
	assert.True(t, due[0].Record.NextAttemptAt.Before(before.Add(130*time.Second)))
}

func TestDrainBatchIsBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := testSettings(srv.URL)
	cfg.Watcher.BatchSize = 2
	p, q := newTestProcessor(t, cfg)
	for i := 0; i < 5; i++ {
		enqueueTestRecord(t, q, cfg, `{"type":"encounter"}`)
	}

	assert.Equal(t, 2, p.drainOnce(context.Background()))
	assert.Len(t, filesWithSuffix(t, q.Dir(), ".json"), 3)
}

func TestDrainSkipsRecordsClaimedElsewhere(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := testSettings(srv.URL)
	p, q := newTestProcessor(t, cfg)
	h := enqueueTestRecord(t, q, cfg, `{"type":"encounter"}`)

	// Simulate a concurrent worker winning the claim first.
	_, err := q.Claim(h)
	require.NoError(t, err)

	assert.Equal(t, 0, p.drainOnce(context.Background()))
}

func TestBulkIngestSendsValidAndSkipsInvalid(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := testSettings(srv.URL)
	p, q := newTestProcessor(t, cfg)

	source := filepath.Join(t.TempDir(), "events.ndjson")
	lines := []string{
		`{"type":"encounter","location":"route 1","species":"pidgey","level":3,"shiny":false,"method":"grass"}`,
		`{"species":"rattata"}`,
		`{"type":"faint","pokemon":"pidgey","slot":1}`,
	}
	require.NoError(t, os.WriteFile(source, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	p.bulkIngest(context.Background(), source)

	// Two valid records delivered, the type-less one dropped, nothing spooled.
	assert.Equal(t, int32(2), received.Load())
	assert.Empty(t, filesWithSuffix(t, q.Dir(), ".json"))
}

func TestBulkIngestSpoolsOnDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testSettings(srv.URL)
	p, q := newTestProcessor(t, cfg)

	source := filepath.Join(t.TempDir(), "events.ndjson")
	content := `{"type":"result","encounter_id":"e1","status":"caught"}` + "\n"
	require.NoError(t, os.WriteFile(source, []byte(content), 0o644))

	p.bulkIngest(context.Background(), source)

	queued := filesWithSuffix(t, q.Dir(), ".json")
	require.Len(t, queued, 1)

	// The failed optimistic attempt is recorded on the spooled copy.
	due, err := q.ListDue(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Record.Attempt)
	assert.NotEmpty(t, due[0].Record.LastError)
}

func TestBulkIngestInjectsIdentity(t *testing.T) {
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		body.Store(string(buf))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := testSettings(srv.URL)
	p, _ := newTestProcessor(t, cfg)

	source := filepath.Join(t.TempDir(), "events.ndjson")
	content := `{"type":"faint","pokemon":"pidgey","slot":2}` + "\n"
	require.NoError(t, os.WriteFile(source, []byte(content), 0o644))

	p.bulkIngest(context.Background(), source)

	got, _ := body.Load().(string)
	assert.Contains(t, got, `"run_id":"nuzlocke-7"`)
	assert.Contains(t, got, `"player_id":"ash"`)
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := testSettings(srv.URL)
	p, q := newTestProcessor(t, cfg)
	enqueueTestRecord(t, q, cfg, `{"type":"encounter"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	// The record was delivered and the lock released during shutdown.
	assert.Empty(t, filesWithSuffix(t, q.Dir(), ".json"))
	assert.NoError(t, q.AcquireLock())
	assert.NoError(t, q.ReleaseLock())
}

func TestRunFailsWhenPartitionLocked(t *testing.T) {
	cfg := testSettings("http://localhost:1")
	p, q := newTestProcessor(t, cfg)
	require.NoError(t, q.AcquireLock())
	defer func() { _ = q.ReleaseLock() }()

	// A second run against a held partition must refuse to start.
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, spool.ErrLocked)
}

func TestRunPermissiveContinuesWhenLocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := testSettings(srv.URL)
	cfg.Watcher.Permissive = true
	p, q := newTestProcessor(t, cfg)
	require.NoError(t, q.AcquireLock())
	defer func() { _ = q.ReleaseLock() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))
}
