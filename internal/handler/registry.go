// Package handler maps job types to the executor functions supplied by
// the embedding application. The queue core never inspects what a
// handler does; it only observes a result or an error.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/workflowd/workflowd/internal/job"
)

// ErrUnknownType is returned when a job's type has no registered handler.
var ErrUnknownType = errors.New("no handler registered for job type")

// Func executes one job and returns its result, or an error that fails
// the job.
type Func func(ctx context.Context, j *job.Job) (json.RawMessage, error)

// Registry holds the handler for each job type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[job.Type]Func
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[job.Type]Func)}
}

// Register binds fn to job type t, replacing any previous binding.
func (r *Registry) Register(t job.Type, fn Func) error {
	if !t.Valid() {
		return fmt.Errorf("register handler: unknown job type %q", t)
	}
	if fn == nil {
		return fmt.Errorf("register handler for %q: fn must not be nil", t)
	}
	r.mu.Lock()
	r.handlers[t] = fn
	r.mu.Unlock()
	return nil
}

// Dispatch runs the handler for the job's type.
func (r *Registry) Dispatch(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	r.mu.RLock()
	fn, ok := r.handlers[j.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, j.Type)
	}
	return fn(ctx, j)
}

// Echo is the built-in handler for diagnostic echo jobs: it returns the
// payload unchanged.
func Echo(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	if _, err := j.DecodePayload(); err != nil {
		return nil, err
	}
	return j.Payload, nil
}
