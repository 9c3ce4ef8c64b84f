package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/workflowd/workflowd/internal/job"
)

func finishedJob(callbackURL, secret string) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:          "job-1",
		Type:        job.TypeEcho,
		Status:      job.StatusCompleted,
		Result:      json.RawMessage(`{"msg":"hi"}`),
		Callback:    &job.Callback{URL: callbackURL, Secret: secret},
		CreatedAt:   now,
		CompletedAt: &now,
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "https", url: "https://example.com/hook", wantErr: false},
		{name: "http", url: "http://example.com/hook", wantErr: false},
		{name: "ftp rejected", url: "ftp://example.com/hook", wantErr: true},
		{name: "file rejected", url: "file:///etc/passwd", wantErr: true},
		{name: "garbled", url: "://not a valid url%%", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestDeliver_HeadersAndSignature(t *testing.T) {
	type received struct {
		headers http.Header
		body    []byte
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{headers: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(slog.Default(), WithBackoff(time.Millisecond))
	j := finishedJob(srv.URL, "s")
	if err := n.Deliver(context.Background(), j); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	rec := <-got
	if ct := rec.headers.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if id := rec.headers.Get(HeaderJobID); id != "job-1" {
		t.Errorf("%s = %q, want job-1", HeaderJobID, id)
	}
	if typ := rec.headers.Get(HeaderJobType); typ != "echo" {
		t.Errorf("%s = %q, want echo", HeaderJobType, typ)
	}
	if st := rec.headers.Get(HeaderJobStatus); st != "completed" {
		t.Errorf("%s = %q, want completed", HeaderJobStatus, st)
	}

	// The signature must be the HMAC of the exact body bytes.
	mac := hmac.New(sha256.New, []byte("s"))
	mac.Write(rec.body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if sig := rec.headers.Get(HeaderSignature); sig != want {
		t.Errorf("%s = %q, want %q", HeaderSignature, sig, want)
	}

	var body struct {
		JobID  string          `json:"jobId"`
		Type   string          `json:"type"`
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rec.body, &body); err != nil {
		t.Fatalf("Unmarshal body: %v", err)
	}
	if body.JobID != "job-1" || body.Type != "echo" || body.Status != "completed" {
		t.Errorf("body = %+v, want job-1/echo/completed", body)
	}
	if string(body.Result) != `{"msg":"hi"}` {
		t.Errorf("body.result = %s, want {\"msg\":\"hi\"}", body.Result)
	}
}

func TestDeliver_NoSignatureWithoutSecret(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(HeaderSignature)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(slog.Default(), WithBackoff(time.Millisecond))
	if err := n.Deliver(context.Background(), finishedJob(srv.URL, "")); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sig := <-got; sig != "" {
		t.Errorf("signature header = %q, want none without a secret", sig)
	}
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(slog.Default(), WithBackoff(time.Millisecond))
	if err := n.Deliver(context.Background(), finishedJob(srv.URL, "")); err != nil {
		t.Fatalf("Deliver should succeed on the third attempt: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestDeliver_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(slog.Default(), WithBackoff(time.Millisecond))
	if err := n.Deliver(context.Background(), finishedJob(srv.URL, "")); err == nil {
		t.Fatal("Deliver should fail after exhausting attempts")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestNotify_SkipsNonHTTPScheme(t *testing.T) {
	n := New(slog.Default())
	// Must not panic, spawn requests, or fail anything.
	n.Notify(context.Background(), finishedJob("ftp://example.com/hook", "s"))
	n.Notify(context.Background(), &job.Job{ID: "no-callback", Type: job.TypeEcho, Status: job.StatusCompleted})
}
