package job

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists and retrieves jobs. Exactly one canonical record
// exists per job ID; queue membership (which status bucket a job sits
// in) moves atomically with the status transitions below.
type Store interface {
	// Create persists a new job in the bucket matching j.Status
	// (pending, or processing for the direct-execute path).
	Create(ctx context.Context, j *Job) error
	// Get returns nil, nil when no job with the given ID exists.
	Get(ctx context.Context, id string) (*Job, error)
	// MarkProcessing moves a pending job to processing and stamps StartedAt.
	MarkProcessing(ctx context.Context, id string) error
	// Finalize moves a processing job to a terminal status, records the
	// result or error message, and stamps CompletedAt.
	Finalize(ctx context.Context, id string, status Status, result json.RawMessage, errMsg string) error
	// Quarantine takes a job out of the pending bucket when it cannot
	// be promoted, marking it failed with the given reason. It must
	// succeed even when the job's record is corrupt or missing, so a
	// broken head entry can never block the rest of the queue.
	Quarantine(ctx context.Context, id, reason string) error
	// OldestPending returns the ID of the pending job that was created
	// first, or "" when the pending bucket is empty.
	OldestPending(ctx context.Context) (string, error)
	// HasProcessing reports whether any job currently sits in processing.
	HasProcessing(ctx context.Context) (bool, error)
	// List returns jobs ordered by created_at DESC. An empty status
	// returns jobs in every bucket.
	List(ctx context.Context, status Status) ([]*Job, error)
	// Delete removes the job's record and any bucket membership.
	Delete(ctx context.Context, id string) error
	// DeleteTerminalBefore removes completed/failed jobs whose
	// CompletedAt is before cutoff. Jobs with no CompletedAt are left
	// alone. Returns the number deleted and the number of per-job errors.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (deleted, errCount int, err error)
	Close() error
}
