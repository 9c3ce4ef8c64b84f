// Package queue implements the execute-or-queue gateway: run a job
// synchronously when the processing slot is free, park it durably in
// the pending bucket otherwise. At most one job executes at a time,
// enforced by the shared processing lock.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/workflowd/workflowd/internal/handler"
	"github.com/workflowd/workflowd/internal/job"
	"github.com/workflowd/workflowd/internal/lock"
	"github.com/workflowd/workflowd/internal/webhook"
)

// Lock owner names, recorded in the lock file for diagnostics.
const (
	OwnerAPI    = "api"
	OwnerWorker = "worker"
)

// DefaultRetention is how long finished jobs are kept before cleanup.
const DefaultRetention = 7 * 24 * time.Hour

var (
	ErrNotFound    = errors.New("job not found")
	ErrNotFinished = errors.New("job not finished")
)

// Queue coordinates the store, the processing lock, the handler
// registry, and the callback notifier.
type Queue struct {
	store     job.Store
	lock      *lock.Lock
	registry  *handler.Registry
	notifier  *webhook.Notifier
	retention time.Duration
	logger    *slog.Logger
}

// New creates a Queue. retention <= 0 uses DefaultRetention.
func New(store job.Store, lk *lock.Lock, reg *handler.Registry, notifier *webhook.Notifier, retention time.Duration, logger *slog.Logger) *Queue {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:     store,
		lock:      lk,
		registry:  reg,
		notifier:  notifier,
		retention: retention,
		logger:    logger,
	}
}

// ExecutionResult is the outcome of ExecuteOrQueue. Immediate means
// the job ran inline and Result holds its output; otherwise the job
// was enqueued and only JobID is set.
type ExecutionResult struct {
	Immediate bool            `json:"immediate"`
	JobID     string          `json:"job_id"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// ExecuteOrQueue runs the job now if the processing lock is free and
// returns its result synchronously; otherwise it enqueues the job and
// returns its ID. When an inline handler fails, the job is finalized
// as failed and the handler's error is returned to the caller together
// with a result carrying the job ID.
func (q *Queue) ExecuteOrQueue(ctx context.Context, req job.SubmitRequest) (*ExecutionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.ForceQueue {
		return q.enqueue(ctx, req)
	}

	release, ok := q.lock.Acquire(OwnerAPI)
	if !ok {
		// Someone else is mid-decision or mid-execution. Enqueue even
		// if they finish before we do: FIFO fairness over latency.
		return q.enqueue(ctx, req)
	}
	defer release()

	j := newJob(req)
	now := time.Now().UTC()
	j.Status = job.StatusProcessing
	j.StartedAt = &now
	if err := q.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	q.logger.Info("executing job inline", "job_id", j.ID, "type", string(j.Type))
	result, err := q.execute(ctx, j)
	if err != nil {
		return &ExecutionResult{Immediate: true, JobID: j.ID}, err
	}
	return &ExecutionResult{Immediate: true, JobID: j.ID, Result: result}, nil
}

// Enqueue durably parks a job in the pending bucket without executing
// anything, and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, req job.SubmitRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	res, err := q.enqueue(ctx, req)
	if err != nil {
		return "", err
	}
	return res.JobID, nil
}

func (q *Queue) enqueue(ctx context.Context, req job.SubmitRequest) (*ExecutionResult, error) {
	j := newJob(req)
	if err := q.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	q.logger.Info("job enqueued", "job_id", j.ID, "type", string(j.Type))
	return &ExecutionResult{Immediate: false, JobID: j.ID}, nil
}

// DrainOne is the worker-tick body: under the processing lock, promote
// the oldest pending job and execute it. It reports whether a job was
// processed. Handler failures are recorded on the job, not returned.
func (q *Queue) DrainOne(ctx context.Context) (bool, error) {
	release, ok := q.lock.Acquire(OwnerWorker)
	if !ok {
		return false, nil
	}
	defer release()

	// Defensive: with the lock held nothing should be processing.
	busy, err := q.store.HasProcessing(ctx)
	if err != nil {
		return false, err
	}
	if busy {
		q.logger.Warn("processing job present while holding lock, backing off")
		return false, nil
	}

	// A head entry that cannot be promoted (corrupt record, stale
	// pointer) is quarantined and the scan moves on, so one broken
	// job never blocks the ones behind it.
	var id string
	for {
		var err error
		id, err = q.store.OldestPending(ctx)
		if err != nil {
			return false, err
		}
		if id == "" {
			return false, nil
		}
		err = q.store.MarkProcessing(ctx, id)
		if err == nil {
			break
		}
		q.logger.Warn("quarantining unpromotable job", "job_id", id, "error", err)
		if qerr := q.store.Quarantine(ctx, id, fmt.Sprintf("cannot promote: %v", err)); qerr != nil {
			return false, fmt.Errorf("quarantine job %s: %w", id, qerr)
		}
	}

	j, err := q.store.Get(ctx, id)
	if err != nil || j == nil {
		errMsg := "job record unreadable after promotion"
		if err != nil {
			errMsg = fmt.Sprintf("failed to load job: %v", err)
		}
		if ferr := q.store.Finalize(ctx, id, job.StatusFailed, nil, errMsg); ferr != nil {
			q.logger.Error("finalize unreadable job", "job_id", id, "error", ferr)
		}
		return true, nil
	}

	q.logger.Info("worker executing job", "job_id", j.ID, "type", string(j.Type))
	if _, err := q.execute(ctx, j); err != nil {
		q.logger.Warn("job failed", "job_id", j.ID, "error", err)
	}
	return true, nil
}

// execute dispatches to the handler, finalizes the job, and fires the
// callback notifier. Both the gateway and the worker path converge
// here. The returned error is the handler's own error (already
// recorded on the job).
func (q *Queue) execute(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	result, err := q.registry.Dispatch(ctx, j)
	if err != nil {
		if ferr := q.store.Finalize(ctx, j.ID, job.StatusFailed, nil, err.Error()); ferr != nil {
			q.logger.Error("finalize failed job", "job_id", j.ID, "error", ferr)
		}
		q.notifyFinished(ctx, j.ID)
		return nil, err
	}

	if ferr := q.store.Finalize(ctx, j.ID, job.StatusCompleted, result, ""); ferr != nil {
		return nil, fmt.Errorf("finalize job %s: %w", j.ID, ferr)
	}
	q.notifyFinished(ctx, j.ID)
	return result, nil
}

// notifyFinished reloads the finalized job and hands it to the
// notifier. Callback delivery is detached and best-effort; it must
// survive the caller's request context.
func (q *Queue) notifyFinished(ctx context.Context, id string) {
	j, err := q.store.Get(ctx, id)
	if err != nil || j == nil {
		q.logger.Warn("skipping callback, job unreadable", "job_id", id, "error", err)
		return
	}
	q.notifier.Notify(context.WithoutCancel(ctx), j)
}

// GetJob returns nil, nil when the job does not exist.
func (q *Queue) GetJob(ctx context.Context, id string) (*job.Job, error) {
	return q.store.Get(ctx, id)
}

// ListJobs returns jobs newest-first, optionally filtered by status.
func (q *Queue) ListJobs(ctx context.Context, status job.Status) ([]*job.Job, error) {
	return q.store.List(ctx, status)
}

// DeleteFinishedJob removes a terminal job. It refuses with
// ErrNotFinished when the job is still pending or processing, and with
// ErrNotFound when it does not exist.
func (q *Queue) DeleteFinishedJob(ctx context.Context, id string) error {
	j, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if !j.Status.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", id, j.Status, ErrNotFinished)
	}
	return q.store.Delete(ctx, id)
}

// CleanupStats reports one retention sweep.
type CleanupStats struct {
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

// CleanupOldJobs deletes terminal jobs whose CompletedAt is older than
// the retention window. Pending and processing jobs are never touched.
func (q *Queue) CleanupOldJobs(ctx context.Context) (CleanupStats, error) {
	cutoff := time.Now().UTC().Add(-q.retention)
	deleted, errCount, err := q.store.DeleteTerminalBefore(ctx, cutoff)
	stats := CleanupStats{Deleted: deleted, Errors: errCount}
	if err != nil {
		return stats, fmt.Errorf("cleanup old jobs: %w", err)
	}
	if deleted > 0 || errCount > 0 {
		q.logger.Info("retention sweep", "deleted", deleted, "errors", errCount)
	}
	return stats, nil
}

func newJob(req job.SubmitRequest) *job.Job {
	return &job.Job{
		ID:        uuid.New().String(),
		Type:      req.Type,
		Payload:   req.Payload,
		Status:    job.StatusPending,
		Callback:  req.Callback,
		CreatedAt: time.Now().UTC(),
	}
}
