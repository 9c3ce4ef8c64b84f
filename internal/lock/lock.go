// Package lock provides the filesystem mutex that serializes job
// execution across the gateway and the background worker.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// DefaultStaleAfter is how old an orphaned lock file may get before a
// new acquirer forcibly reclaims it.
const DefaultStaleAfter = time.Hour

// Lock is a single-filesystem mutex built on exclusive file creation.
// It is not a distributed lock; all acquirers must share one volume.
//
// The lock file is not a status indicator: "is something processing"
// is answered by the processing bucket, because acquirers hold the
// lock briefly while making that very decision.
type Lock struct {
	path       string
	staleAfter time.Duration
	logger     *slog.Logger
}

type lockFile struct {
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
	PID       int       `json:"pid"`
}

// New creates a Lock at path. staleAfter <= 0 uses DefaultStaleAfter.
func New(path string, staleAfter time.Duration, logger *slog.Logger) *Lock {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{path: path, staleAfter: staleAfter, logger: logger}
}

// Acquire makes a single non-blocking attempt to take the lock for
// owner. On success it returns a release func which the caller must
// run on every exit path. On contention it inspects the holder: a lock
// older than the staleness threshold is assumed orphaned by a crashed
// process, deleted, and acquisition retried exactly once.
func (l *Lock) Acquire(owner string) (release func(), acquired bool) {
	if release, ok := l.tryCreate(owner); ok {
		return release, true
	}

	if !l.isStale() {
		return nil, false
	}

	l.logger.Warn("reclaiming stale processing lock", "path", l.path, "owner", owner)
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to remove stale lock", "path", l.path, "error", err)
		return nil, false
	}
	return l.tryCreate(owner)
}

func (l *Lock) tryCreate(owner string) (func(), bool) {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, false
	}

	body := lockFile{Owner: owner, CreatedAt: time.Now().UTC(), PID: os.Getpid()}
	data, _ := json.Marshal(body)
	if _, err := f.Write(data); err != nil {
		l.logger.Warn("failed to write lock body", "path", l.path, "error", err)
	}
	if err := f.Close(); err != nil {
		l.logger.Warn("failed to close lock file", "path", l.path, "error", err)
	}

	release := func() {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			l.logger.Error("failed to release processing lock", "path", l.path, "error", err)
		}
	}
	return release, true
}

// isStale reports whether the current lock file is older than the
// staleness threshold. An unreadable body falls back to file mtime; a
// lock that vanished since the failed create counts as stale so the
// retry can race for it.
func (l *Lock) isStale() bool {
	age, err := l.age()
	if err != nil {
		if os.IsNotExist(err) {
			return true
		}
		l.logger.Warn("failed to inspect lock age", "path", l.path, "error", err)
		return false
	}
	return age > l.staleAfter
}

func (l *Lock) age() (time.Duration, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}

	var body lockFile
	if err := json.Unmarshal(data, &body); err == nil && !body.CreatedAt.IsZero() {
		return time.Since(body.CreatedAt), nil
	}

	info, err := os.Stat(l.path)
	if err != nil {
		return 0, err
	}
	return time.Since(info.ModTime()), nil
}

// Holder returns the current lock body, or ErrNotHeld when the lock is
// free. Used for diagnostics, never for scheduling decisions.
func (l *Lock) Holder() (owner string, createdAt time.Time, err error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", time.Time{}, ErrNotHeld
		}
		return "", time.Time{}, fmt.Errorf("read lock: %w", err)
	}
	var body lockFile
	if err := json.Unmarshal(data, &body); err != nil {
		return "", time.Time{}, fmt.Errorf("decode lock: %w", err)
	}
	return body.Owner, body.CreatedAt, nil
}

var ErrNotHeld = errors.New("processing lock not held")
