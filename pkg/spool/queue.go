// Package spool implements the durable on-disk queue of records awaiting
// delivery. All queue state is encoded in file names and locations: queued
// records end in ".json", in-flight records in ".sending", and permanently
// failed records live under "dead/". Every transition is a filesystem rename,
// which makes claiming atomic and the whole queue recoverable by rescanning
// disk after a crash.
package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/zoff-tech/go-eventspool/pkg/logging"
	"github.com/zoff-tech/go-eventspool/pkg/metrics"
	"github.com/zoff-tech/go-eventspool/schema"
)

const (
	queuedSuffix   = ".json"
	inFlightSuffix = ".sending"
	tmpPrefix      = ".tmp-"
	deadDirName    = "dead"
	lockFileName   = "watcher.lock"
	crashLogName   = "crash.log"
)

// ErrAlreadyClaimed is returned by Claim when another worker won the rename
// race for the same record.
var ErrAlreadyClaimed = errors.New("record already claimed")

// ErrNotInFlight is returned when an operation requiring an in-flight handle
// receives a queued one.
var ErrNotInFlight = errors.New("record is not in flight")

// Handle identifies one record file on disk.
type Handle struct {
	Path   string
	Record *schema.SpoolRecord
}

// InFlight reports whether the handle points at a claimed record.
func (h *Handle) InFlight() bool {
	return strings.HasSuffix(h.Path, inFlightSuffix)
}

// Queue is one (run, player) partition of the spool.
type Queue struct {
	dir      string
	runID    string
	playerID string
}

// Open creates (if needed) and returns the partition for the given run and
// player under root. Failure to create the partition directories is fatal to
// the caller; nothing else about the queue is.
func Open(root, runID, playerID string) (*Queue, error) {
	if runID == "" || playerID == "" {
		return nil, errors.New("spool: run ID and player ID are required")
	}
	dir := filepath.Join(root, runID, playerID)
	if err := os.MkdirAll(filepath.Join(dir, deadDirName), 0o755); err != nil {
		return nil, fmt.Errorf("spool: create partition %s: %w", dir, err)
	}
	return &Queue{dir: dir, runID: runID, playerID: playerID}, nil
}

// Dir returns the partition directory.
func (q *Queue) Dir() string { return q.dir }

// DeadDir returns the dead-letter directory of the partition.
func (q *Queue) DeadDir() string { return filepath.Join(q.dir, deadDirName) }

// baseName gives every record a unique, creation-ordered file stem.
func baseName(rec *schema.SpoolRecord) string {
	return fmt.Sprintf("%020d-%s", rec.CreatedAt.UnixNano(), rec.ID)
}

// Enqueue durably writes rec as a queued record and returns its handle.
// The record is written to a temp file and renamed into place, so a reader
// can never observe a partial record at the final path.
func (q *Queue) Enqueue(rec *schema.SpoolRecord) (*Handle, error) {
	if rec.RunID == "" {
		rec.RunID = q.runID
	}
	if rec.PlayerID == "" {
		rec.PlayerID = q.playerID
	}
	path := filepath.Join(q.dir, baseName(rec)+queuedSuffix)
	if err := q.writeRecord(path, rec); err != nil {
		return nil, err
	}
	logging.Debug().
		Str("record_id", rec.ID).
		Str("path", path).
		Msg("record enqueued")
	return &Handle{Path: path, Record: rec}, nil
}

// writeRecord serializes rec to a temp file in the partition and atomically
// renames it to path.
func (q *Queue) writeRecord(path string, rec *schema.SpoolRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("spool: marshal record %s: %w", rec.ID, err)
	}

	tmp, err := os.CreateTemp(q.dir, tmpPrefix+rec.ID+"-*")
	if err != nil {
		return fmt.Errorf("spool: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("spool: write record %s: %w", rec.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("spool: sync record %s: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("spool: close record %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("spool: publish record %s: %w", rec.ID, err)
	}
	return nil
}

// ListDue scans the partition for queued records eligible at now and returns
// them ordered by (NextAttemptAt, CreatedAt), earliest first. Records whose
// content cannot be parsed are moved to the dead-letter partition during the
// scan rather than returned.
func (q *Queue) ListDue(now time.Time) ([]*Handle, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: scan partition: %w", err)
	}

	var due []*Handle
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), queuedSuffix) {
			continue
		}
		path := filepath.Join(q.dir, entry.Name())
		rec, err := readRecord(path)
		if err != nil {
			// Self-healing: corrupt content is dead-lettered, never retried.
			logging.Warn().Err(err).Str("path", path).Msg("corrupt spool record, dead-lettering")
			if _, dlErr := q.MoveToDead(&Handle{Path: path}, fmt.Sprintf("corrupt record: %v", err)); dlErr != nil {
				logging.Error().Err(dlErr).Str("path", path).Msg("failed to dead-letter corrupt record")
			}
			continue
		}
		if rec.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, &Handle{Path: path, Record: rec})
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].Record, due[j].Record
		if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
			return a.NextAttemptAt.Before(b.NextAttemptAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return due, nil
}

func readRecord(path string) (*schema.SpoolRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec schema.SpoolRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("parse %s: missing record id", filepath.Base(path))
	}
	return &rec, nil
}

// Claim atomically marks a queued record as in flight by renaming it. Exactly
// one claimer can win: the loser of a rename race gets ErrAlreadyClaimed.
// The record content is not modified.
func (q *Queue) Claim(h *Handle) (*Handle, error) {
	if h.InFlight() {
		return nil, fmt.Errorf("spool: claim %s: already in flight", h.Path)
	}
	target := strings.TrimSuffix(h.Path, queuedSuffix) + inFlightSuffix
	if err := os.Rename(h.Path, target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("spool: claim %s: %w", h.Path, err)
	}
	return &Handle{Path: target, Record: h.Record}, nil
}

// ReleaseForRetry returns an in-flight record to the queue after a retryable
// failure: the attempt counter is incremented, the next attempt time and last
// error recorded, and the record rewritten as queued before the in-flight
// file is removed. The idempotency key is never touched.
func (q *Queue) ReleaseForRetry(h *Handle, nextAttemptAt time.Time, lastError string) (*Handle, error) {
	if !h.InFlight() {
		return nil, ErrNotInFlight
	}
	rec, err := readRecord(h.Path)
	if err != nil {
		return nil, fmt.Errorf("spool: release %s: %w", h.Path, err)
	}

	rec.Attempt++
	rec.NextAttemptAt = nextAttemptAt.UTC()
	rec.LastError = lastError

	queuedPath := strings.TrimSuffix(h.Path, inFlightSuffix) + queuedSuffix
	if err := q.writeRecord(queuedPath, rec); err != nil {
		return nil, err
	}
	if err := os.Remove(h.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.Warn().Err(err).Str("path", h.Path).Msg("failed to remove in-flight file after release")
	}
	return &Handle{Path: queuedPath, Record: rec}, nil
}

// Delete permanently removes an in-flight record after confirmed delivery.
func (q *Queue) Delete(h *Handle) error {
	if !h.InFlight() {
		return ErrNotInFlight
	}
	if err := os.Remove(h.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("spool: delete %s: %w", h.Path, err)
	}
	return nil
}

// MoveToDead moves a record into the dead-letter partition with the failure
// reason recorded. Dead-lettered records are terminal; nothing retries them.
// Content that cannot be parsed is moved raw rather than lost. If even the
// move fails, the failure is appended to the partition crash log and the
// source file is left in place so a later scan can try again.
func (q *Queue) MoveToDead(h *Handle, reason string) (*Handle, error) {
	name := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(h.Path), inFlightSuffix), queuedSuffix)
	deadPath := filepath.Join(q.DeadDir(), name+queuedSuffix)

	rec, err := readRecord(h.Path)
	if err != nil {
		// Unparseable: preserve the raw bytes as-is.
		if renameErr := os.Rename(h.Path, deadPath); renameErr != nil {
			q.appendCrashLog(h.Path, reason, renameErr)
			return nil, fmt.Errorf("spool: dead-letter raw %s: %w", h.Path, renameErr)
		}
		metrics.RecordsDeadLettered.WithLabelValues("corrupt").Inc()
		return &Handle{Path: deadPath}, nil
	}

	rec.LastError = reason
	if err := q.writeRecord(deadPath, rec); err != nil {
		// Last resort: fall back to moving the original bytes.
		if renameErr := os.Rename(h.Path, deadPath); renameErr != nil {
			q.appendCrashLog(h.Path, reason, renameErr)
			return nil, fmt.Errorf("spool: dead-letter %s: %w", h.Path, renameErr)
		}
	} else if rmErr := os.Remove(h.Path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		logging.Warn().Err(rmErr).Str("path", h.Path).Msg("failed to remove source after dead-letter copy")
	}

	metrics.RecordsDeadLettered.WithLabelValues("permanent").Inc()
	logging.Warn().
		Str("record_id", rec.ID).
		Str("reason", reason).
		Str("path", deadPath).
		Msg("record dead-lettered")
	return &Handle{Path: deadPath, Record: rec}, nil
}

// appendCrashLog records a failed dead-letter move so the record's fate is
// never silently ambiguous. Append-only and best-effort.
func (q *Queue) appendCrashLog(path, reason string, cause error) {
	line := fmt.Sprintf("%s dead-letter failed path=%s reason=%q error=%q\n",
		time.Now().UTC().Format(time.RFC3339), path, reason, cause)
	f, err := os.OpenFile(filepath.Join(q.dir, crashLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logging.Error().Err(err).Str("path", path).Msg("failed to append crash log")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		logging.Error().Err(err).Str("path", path).Msg("failed to append crash log")
	}
}

// RecoverStale renames in-flight files older than maxAge (by modification
// time) back to queued, recovering claims left dangling by a crashed worker.
// Returns the number of records recovered.
func (q *Queue) RecoverStale(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0, fmt.Errorf("spool: scan partition: %w", err)
	}

	recovered := 0
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), inFlightSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		src := filepath.Join(q.dir, entry.Name())
		dst := strings.TrimSuffix(src, inFlightSuffix) + queuedSuffix
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			logging.Warn().Err(err).Str("path", src).Msg("failed to recover stale in-flight record")
			continue
		}
		recovered++
		metrics.RecordsRecovered.Inc()
		logging.Info().Str("path", dst).Msg("recovered stale in-flight record")
	}
	return recovered, nil
}
