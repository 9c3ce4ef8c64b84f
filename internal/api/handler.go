package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/workflowd/workflowd/internal/job"
	"github.com/workflowd/workflowd/internal/queue"
	"github.com/workflowd/workflowd/internal/worker"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	queue  *queue.Queue
	worker *worker.Worker
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(q *queue.Queue, w *worker.Worker) *Handler {
	return &Handler{queue: q, worker: w}
}

// Route paths, shared with the middleware that special-cases them.
const (
	PathJobs   = "/api/v1/jobs"
	PathHealth = "/api/v1/health"
)

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+PathJobs, h.SubmitJob)
	mux.HandleFunc("GET "+PathJobs, h.ListJobs)
	mux.HandleFunc("GET "+PathJobs+"/{id}", h.GetJob)
	mux.HandleFunc("DELETE "+PathJobs+"/{id}", h.DeleteJob)
	mux.HandleFunc("POST /api/v1/cleanup", h.Cleanup)
	mux.HandleFunc("GET /api/v1/worker", h.WorkerStatus)
	mux.HandleFunc("POST /api/v1/worker/start", h.StartWorker)
	mux.HandleFunc("POST /api/v1/worker/stop", h.StopWorker)
	mux.HandleFunc("GET "+PathHealth, h.Health)
}

// SubmitJob handles POST /api/v1/jobs. When the system is idle the job
// runs inline and the response carries its result (200); otherwise the
// job is enqueued and the response carries its ID (202).
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.queue.ExecuteOrQueue(r.Context(), req)
	if err != nil {
		// The inline handler failed: the job record holds the error,
		// and the synchronous caller sees it too.
		body := map[string]any{"error": err.Error()}
		if res != nil {
			body["job_id"] = res.JobID
			body["immediate"] = res.Immediate
		}
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}

	status := http.StatusAccepted
	if res.Immediate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// ListJobs handles GET /api/v1/jobs with an optional ?status= filter.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := job.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status filter")
		return
	}

	jobs, err := h.queue.ListJobs(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	j, err := h.queue.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /api/v1/jobs/{id}. Only terminal jobs can
// be deleted; a pending or processing job yields 409.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := h.queue.DeleteFinishedJob(r.Context(), id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrNotFinished):
		writeError(w, http.StatusConflict, "job not finished")
	default:
		writeError(w, http.StatusInternalServerError, "failed to delete job")
	}
}

// Cleanup handles POST /api/v1/cleanup and runs a retention sweep.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.CleanupOldJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// WorkerStatus handles GET /api/v1/worker.
func (h *Handler) WorkerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"running": h.worker.IsRunning()})
}

// StartWorker handles POST /api/v1/worker/start. Idempotent.
func (h *Handler) StartWorker(w http.ResponseWriter, r *http.Request) {
	h.worker.Start()
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

// StopWorker handles POST /api/v1/worker/stop. Idempotent.
func (h *Handler) StopWorker(w http.ResponseWriter, r *http.Request) {
	h.worker.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"worker_running": h.worker.IsRunning(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
