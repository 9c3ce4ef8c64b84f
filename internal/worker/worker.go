// Package worker runs the background poller that drains the pending
// bucket one job at a time when the system is idle.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/workflowd/workflowd/internal/queue"
)

const (
	DefaultInterval     = 2 * time.Second
	DefaultCleanupEvery = 100
)

// Worker is an interval-driven, single-threaded loop. Each tick makes
// one non-blocking attempt at the processing lock, so overlapping or
// concurrent instances are harmless: whoever loses the lock does
// nothing. Every Nth tick also runs the retention sweep.
type Worker struct {
	queue        *queue.Queue
	interval     time.Duration
	cleanupEvery int
	logger       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	ticks   int
	running bool
}

// New creates a Worker. interval <= 0 uses DefaultInterval;
// cleanupEvery <= 0 uses DefaultCleanupEvery.
func New(q *queue.Queue, interval time.Duration, cleanupEvery int, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if cleanupEvery <= 0 {
		cleanupEvery = DefaultCleanupEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:        q,
		interval:     interval,
		cleanupEvery: cleanupEvery,
		logger:       logger,
	}
}

// Start launches the loop. Starting an already-running worker is a
// no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.run(ctx, w.done)
	w.logger.Info("worker started", "interval", w.interval.String())
}

// Stop halts the loop and waits for an in-flight tick to finish.
// Stopping an unstarted worker is a no-op.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel, done := w.cancel, w.done
	w.running = false
	w.mu.Unlock()

	cancel()
	<-done
	w.logger.Info("worker stopped")
}

// IsRunning reports whether the loop is active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick is one loop iteration, exported so tests can drive the worker
// deterministically without the ticker.
func (w *Worker) Tick(ctx context.Context) {
	w.mu.Lock()
	w.ticks++
	runCleanup := w.ticks%w.cleanupEvery == 0
	w.mu.Unlock()

	if runCleanup {
		if _, err := w.queue.CleanupOldJobs(ctx); err != nil {
			w.logger.Error("retention sweep failed", "error", err)
		}
	}

	if _, err := w.queue.DrainOne(ctx); err != nil {
		w.logger.Error("worker tick failed", "error", err)
	}
}
