package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FSStore is a filesystem-backed implementation of Store.
//
// Canonical records live under <root>/jobs/<id>.json. Queue membership
// is a separate pointer file per job under <root>/queues/<status>/,
// named <created-ns>-<id>.json so a lexicographic directory listing is
// creation (FIFO) order. Status transitions move the pointer with
// os.Rename, which either fully succeeds or does not happen, so a
// crash can never leave a job in two buckets.
type FSStore struct {
	root   string
	logger *slog.Logger
}

type pointer struct {
	JobID     string    `json:"job_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// NewFSStore prepares the directory layout under root.
func NewFSStore(root string, logger *slog.Logger) (*FSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dirs := []string{filepath.Join(root, "jobs")}
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		dirs = append(dirs, filepath.Join(root, "queues", string(s)))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return &FSStore{root: root, logger: logger}, nil
}

func (s *FSStore) recordPath(id string) string {
	return filepath.Join(s.root, "jobs", id+".json")
}

func (s *FSStore) bucketDir(status Status) string {
	return filepath.Join(s.root, "queues", string(status))
}

func pointerName(j *Job) string {
	return fmt.Sprintf("%020d-%s.json", j.CreatedAt.UTC().UnixNano(), j.ID)
}

// pointerJobID extracts the job ID from a pointer filename.
func pointerJobID(name string) (string, bool) {
	base, ok := strings.CutSuffix(name, ".json")
	if !ok {
		return "", false
	}
	_, id, ok := strings.Cut(base, "-")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func (s *FSStore) Create(ctx context.Context, j *Job) error {
	if j.Status != StatusPending && j.Status != StatusProcessing {
		return fmt.Errorf("create job %s: invalid initial status %q", j.ID, j.Status)
	}
	if err := s.writeRecord(j); err != nil {
		return err
	}
	p := pointer{JobID: j.ID, Status: j.Status, CreatedAt: j.CreatedAt}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pointer for job %s: %w", j.ID, err)
	}
	path := filepath.Join(s.bucketDir(j.Status), pointerName(j))
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("create pointer for job %s: %w", j.ID, err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, id string) (*Job, error) {
	return s.readRecord(id)
}

func (s *FSStore) MarkProcessing(ctx context.Context, id string) error {
	j, err := s.readRecord(id)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("mark processing: job %s not found", id)
	}
	if j.Status != StatusPending {
		return fmt.Errorf("mark processing: job %s is %q, want %q", id, j.Status, StatusPending)
	}

	name, err := s.findPointer(StatusPending, id)
	if err != nil {
		return err
	}
	from := filepath.Join(s.bucketDir(StatusPending), name)
	to := filepath.Join(s.bucketDir(StatusProcessing), name)
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("move pointer for job %s to processing: %w", id, err)
	}

	now := time.Now().UTC()
	j.Status = StatusProcessing
	j.StartedAt = &now
	return s.writeRecord(j)
}

// Quarantine evicts a job from the pending bucket without requiring a
// readable record. For a corrupt record a minimal failed record is
// rebuilt from the pointer metadata; for a stale pointer whose record
// already moved on, only the pointer is dropped.
func (s *FSStore) Quarantine(ctx context.Context, id, reason string) error {
	name, err := s.findPointer(StatusPending, id)
	if err != nil {
		if errors.Is(err, errPointerNotFound) {
			return nil
		}
		return err
	}
	from := filepath.Join(s.bucketDir(StatusPending), name)

	j, readErr := s.readRecord(id)
	if readErr == nil && j != nil && j.Status != StatusPending {
		// The record is fine, the pending pointer is the leftover.
		s.logger.Warn("dropping stale pending pointer", "job_id", id, "status", string(j.Status))
		if err := os.Remove(from); err != nil {
			return fmt.Errorf("remove stale pointer for job %s: %w", id, err)
		}
		return nil
	}

	var p pointer
	if data, err := os.ReadFile(from); err == nil {
		json.Unmarshal(data, &p) //nolint:errcheck
	}

	to := filepath.Join(s.bucketDir(StatusFailed), name)
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("move pointer for job %s to failed: %w", id, err)
	}

	now := time.Now().UTC()
	if j == nil {
		// Corrupt or missing record: rebuild what the pointer knows.
		j = &Job{ID: id, CreatedAt: p.CreatedAt}
	}
	j.Status = StatusFailed
	j.Error = reason
	j.CompletedAt = &now
	return s.writeRecord(j)
}

func (s *FSStore) Finalize(ctx context.Context, id string, status Status, result json.RawMessage, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize job %s: status %q is not terminal", id, status)
	}
	j, err := s.readRecord(id)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("finalize: job %s not found", id)
	}
	if j.Status != StatusProcessing {
		return fmt.Errorf("finalize: job %s is %q, want %q", id, j.Status, StatusProcessing)
	}

	name, err := s.findPointer(StatusProcessing, id)
	if err != nil {
		return err
	}
	from := filepath.Join(s.bucketDir(StatusProcessing), name)
	to := filepath.Join(s.bucketDir(status), name)
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("move pointer for job %s to %s: %w", id, status, err)
	}

	now := time.Now().UTC()
	j.Status = status
	j.Result = result
	j.Error = errMsg
	j.CompletedAt = &now
	return s.writeRecord(j)
}

func (s *FSStore) OldestPending(ctx context.Context) (string, error) {
	// os.ReadDir returns entries sorted by filename, and pointer names
	// start with the zero-padded creation timestamp.
	entries, err := os.ReadDir(s.bucketDir(StatusPending))
	if err != nil {
		return "", fmt.Errorf("scan pending: %w", err)
	}
	for _, e := range entries {
		id, ok := pointerJobID(e.Name())
		if !ok {
			s.logger.Warn("skipping non-pointer file in pending", "name", e.Name())
			continue
		}
		return id, nil
	}
	return "", nil
}

func (s *FSStore) HasProcessing(ctx context.Context) (bool, error) {
	entries, err := os.ReadDir(s.bucketDir(StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("scan processing: %w", err)
	}
	for _, e := range entries {
		if _, ok := pointerJobID(e.Name()); ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *FSStore) List(ctx context.Context, status Status) ([]*Job, error) {
	var buckets []Status
	if status == "" {
		buckets = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
	} else {
		if !status.Valid() {
			return nil, fmt.Errorf("list jobs: invalid status %q", status)
		}
		buckets = []Status{status}
	}

	var jobs []*Job
	for _, b := range buckets {
		entries, err := os.ReadDir(s.bucketDir(b))
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", b, err)
		}
		for _, e := range entries {
			id, ok := pointerJobID(e.Name())
			if !ok {
				s.logger.Warn("skipping non-pointer file", "bucket", string(b), "name", e.Name())
				continue
			}
			j, err := s.readRecord(id)
			if err != nil {
				s.logger.Warn("skipping unreadable job record", "job_id", id, "error", err)
				continue
			}
			if j == nil {
				s.logger.Warn("skipping dangling pointer", "bucket", string(b), "job_id", id)
				continue
			}
			jobs = append(jobs, j)
		}
	}

	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	return jobs, nil
}

func (s *FSStore) Delete(ctx context.Context, id string) error {
	for _, b := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		name, err := s.findPointer(b, id)
		if err != nil {
			if errors.Is(err, errPointerNotFound) {
				continue
			}
			return err
		}
		if err := os.Remove(filepath.Join(s.bucketDir(b), name)); err != nil {
			return fmt.Errorf("remove pointer for job %s: %w", id, err)
		}
	}
	if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove record for job %s: %w", id, err)
	}
	return nil
}

func (s *FSStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, int, error) {
	var deleted, errCount int
	for _, b := range []Status{StatusCompleted, StatusFailed} {
		entries, err := os.ReadDir(s.bucketDir(b))
		if err != nil {
			return deleted, errCount, fmt.Errorf("scan %s: %w", b, err)
		}
		for _, e := range entries {
			id, ok := pointerJobID(e.Name())
			if !ok {
				s.logger.Warn("skipping non-pointer file", "bucket", string(b), "name", e.Name())
				continue
			}
			j, err := s.readRecord(id)
			if err != nil {
				s.logger.Warn("cleanup: unreadable job record", "job_id", id, "error", err)
				errCount++
				continue
			}
			// A job with no parseable CompletedAt is skipped, never
			// treated as expired.
			if j == nil || j.CompletedAt == nil {
				continue
			}
			if !j.CompletedAt.Before(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(s.bucketDir(b), e.Name())); err != nil {
				s.logger.Warn("cleanup: remove pointer", "job_id", id, "error", err)
				errCount++
				continue
			}
			if err := os.Remove(s.recordPath(id)); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("cleanup: remove record", "job_id", id, "error", err)
				errCount++
				continue
			}
			deleted++
		}
	}
	return deleted, errCount, nil
}

func (s *FSStore) Close() error { return nil }

var errPointerNotFound = errors.New("pointer not found")

func (s *FSStore) findPointer(bucket Status, id string) (string, error) {
	entries, err := os.ReadDir(s.bucketDir(bucket))
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", bucket, err)
	}
	suffix := "-" + id + ".json"
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			return e.Name(), nil
		}
	}
	return "", fmt.Errorf("job %s in %s: %w", id, bucket, errPointerNotFound)
}

func (s *FSStore) readRecord(id string) (*Job, error) {
	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	j := &Job{}
	if err := json.Unmarshal(data, j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

func (s *FSStore) writeRecord(j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", j.ID, err)
	}
	if err := writeFileAtomic(s.recordPath(j.ID), data); err != nil {
		return fmt.Errorf("write job %s: %w", j.ID, err)
	}
	return nil
}

// writeFileAtomic writes to a temp file in the same directory and
// renames it into place so readers never observe a partial write.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
