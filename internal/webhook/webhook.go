// Package webhook delivers signed completion callbacks. Delivery is
// best-effort: it retries a few times and then gives up, and never
// feeds back into the job's own status.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/workflowd/workflowd/internal/job"
)

const (
	defaultAttempts = 3
	defaultTimeout  = 10 * time.Second
	defaultBackoff  = time.Second
)

const (
	HeaderJobID     = "X-Workflow-Job-Id"
	HeaderJobType   = "X-Workflow-Job-Type"
	HeaderJobStatus = "X-Workflow-Job-Status"
	HeaderSignature = "X-Workflow-Signature"
)

// Notifier posts job completion callbacks.
type Notifier struct {
	client   *http.Client
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// Option adjusts a Notifier; used by tests to shrink timeouts.
type Option func(*Notifier)

func WithAttempts(n int) Option          { return func(w *Notifier) { w.attempts = n } }
func WithBackoff(d time.Duration) Option { return func(w *Notifier) { w.backoff = d } }
func WithTimeout(d time.Duration) Option { return func(w *Notifier) { w.client.Timeout = d } }

func New(logger *slog.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		client:   &http.Client{Timeout: defaultTimeout},
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		logger:   logger,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// payload is the callback body. Timestamp is the delivery time, not the
// job's completion time.
type payload struct {
	JobID     string          `json:"jobId"`
	Type      job.Type        `json:"type"`
	Status    job.Status      `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Notify delivers the callback for a finished job in a detached
// goroutine so retries never delay lock release or the next worker
// tick. Jobs without a callback, or with a non-http(s) URL, are
// silently skipped; a skipped or failed delivery never fails the job.
// ctx should outlive the job (e.g. context.WithoutCancel) so retries
// stop only on shutdown.
func (n *Notifier) Notify(ctx context.Context, j *job.Job) {
	if j.Callback == nil || j.Callback.URL == "" {
		return
	}
	if err := validateURL(j.Callback.URL); err != nil {
		n.logger.Warn("webhook: skipping callback URL", "job_id", j.ID, "url", j.Callback.URL, "error", err)
		return
	}
	go func() {
		if err := n.Deliver(ctx, j); err != nil {
			n.logger.Error("webhook: delivery abandoned", "job_id", j.ID, "url", j.Callback.URL, "error", err)
		}
	}()
}

// Deliver posts the callback synchronously, retrying with exponential
// backoff between attempts. Exported for tests and for callers that
// want to block on delivery.
func (n *Notifier) Deliver(ctx context.Context, j *job.Job) error {
	body, err := json.Marshal(payload{
		JobID:     j.ID,
		Type:      j.Type,
		Status:    j.Status,
		Timestamp: time.Now().UTC(),
		Result:    j.Result,
		Error:     j.Error,
	})
	if err != nil {
		return fmt.Errorf("marshal callback body: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = n.post(ctx, j, body)
		if lastErr == nil {
			return nil
		}
		n.logger.Warn("webhook attempt failed",
			"job_id", j.ID, "attempt", attempt, "url", j.Callback.URL, "error", lastErr)
		if attempt < n.attempts {
			// 1x, 2x, 4x... the base backoff.
			time.Sleep(n.backoff * (1 << (attempt - 1)))
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", n.attempts, lastErr)
}

// Sign returns the signature header value for body: "sha256=" followed
// by the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, j *job.Job, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.Callback.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderJobID, j.ID)
	req.Header.Set(HeaderJobType, string(j.Type))
	req.Header.Set(HeaderJobStatus, string(j.Status))
	if j.Callback.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(j.Callback.Secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
