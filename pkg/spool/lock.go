package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/zoff-tech/go-eventspool/pkg/logging"
)

// ErrLocked is returned by AcquireLock when another live process owns the
// partition.
var ErrLocked = errors.New("partition is locked by another process")

// staleLockAge is the fallback reclamation threshold for lock files whose
// owner liveness cannot be probed (foreign host, unreadable content).
const staleLockAge = time.Hour

// lockOwner is the content of a partition lock file.
type lockOwner struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// AcquireLock takes the single advisory lock for the partition. The lock is
// a coarse single-owner hint discouraging two watchers from draining the same
// partition; Claim's atomic rename remains the correctness primitive. A lock
// whose owning process is demonstrably dead, or whose file has gone stale,
// is reclaimed.
func (q *Queue) AcquireLock() error {
	path := filepath.Join(q.dir, lockFileName)

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			hostname, _ := os.Hostname()
			owner := lockOwner{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now().UTC()}
			data, mErr := json.Marshal(owner)
			if mErr == nil {
				_, mErr = f.Write(data)
			}
			f.Close()
			if mErr != nil {
				os.Remove(path)
				return fmt.Errorf("spool: write lock file: %w", mErr)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("spool: acquire lock: %w", err)
		}
		if !q.reclaimableLock(path) {
			return ErrLocked
		}
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return fmt.Errorf("spool: reclaim lock: %w", rmErr)
		}
	}
	return ErrLocked
}

// reclaimableLock reports whether an existing lock file may be taken over:
// its owner is a dead process on this host, or the file is too old to trust.
func (q *Queue) reclaimableLock(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err == nil && owner.PID > 0 {
		hostname, _ := os.Hostname()
		if owner.Hostname == hostname {
			if owner.PID == os.Getpid() {
				return false
			}
			if processAlive(owner.PID) {
				return false
			}
			logging.Warn().
				Int("pid", owner.PID).
				Str("path", path).
				Msg("reclaiming lock from dead process")
			return true
		}
	}

	// Foreign host or unreadable owner: fall back to staleness by age.
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if time.Since(info.ModTime()) > staleLockAge {
		logging.Warn().Str("path", path).Msg("reclaiming stale lock file")
		return true
	}
	return false
}

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to another user, which still counts as alive.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// ReleaseLock drops the partition lock if this process holds it.
func (q *Queue) ReleaseLock() error {
	path := filepath.Join(q.dir, lockFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("spool: release lock: %w", err)
	}

	var owner lockOwner
	if err := json.Unmarshal(data, &owner); err == nil && owner.PID != os.Getpid() {
		// Not ours; leave it alone.
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("spool: release lock: %w", err)
	}
	return nil
}
