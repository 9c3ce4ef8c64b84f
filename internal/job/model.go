package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Type identifies what a job does. The set is closed: submitting an
// unknown type is rejected before anything is persisted.
type Type string

const (
	TypeEcho       Type = "echo"
	TypeClaudeCode Type = "claude-code"
	TypeGitPush    Type = "git-push"
)

func (t Type) Valid() bool {
	switch t {
	case TypeEcho, TypeClaudeCode, TypeGitPush:
		return true
	}
	return false
}

// Callback describes where to deliver the completion webhook for a job.
// Secret, when set, is used to HMAC-sign the delivery body.
type Callback struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

type Job struct {
	ID          string          `json:"job_id"`
	Type        Type            `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Callback    *Callback       `json:"callback,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// EchoPayload is the payload for diagnostic echo jobs; the handler
// returns it unchanged.
type EchoPayload struct {
	Msg string `json:"msg"`
}

// ClaudeCodePayload asks the assistant CLI to analyze or edit a workspace.
type ClaudeCodePayload struct {
	Workspace string `json:"workspace"`
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
}

// GitPushPayload commits and pushes the current state of a workspace.
type GitPushPayload struct {
	Workspace string `json:"workspace"`
	Branch    string `json:"branch,omitempty"`
	Remote    string `json:"remote,omitempty"`
	Message   string `json:"message,omitempty"`
}

// DecodePayload unmarshals the job's payload into the struct matching
// its type.
func (j *Job) DecodePayload() (any, error) {
	return decodePayload(j.Type, j.Payload)
}

func decodePayload(t Type, raw json.RawMessage) (any, error) {
	switch t {
	case TypeEcho:
		var p EchoPayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case TypeClaudeCode:
		var p ClaudeCodePayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		if p.Workspace == "" {
			return nil, errors.New("claude-code payload: workspace must not be empty")
		}
		if p.Prompt == "" {
			return nil, errors.New("claude-code payload: prompt must not be empty")
		}
		return &p, nil
	case TypeGitPush:
		var p GitPushPayload
		if err := unmarshalPayload(raw, &p); err != nil {
			return nil, err
		}
		if p.Workspace == "" {
			return nil, errors.New("git-push payload: workspace must not be empty")
		}
		return &p, nil
	}
	return nil, fmt.Errorf("unknown job type %q", t)
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("payload must not be empty")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// SubmitRequest is the payload used to submit a new job.
type SubmitRequest struct {
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Callback   *Callback       `json:"callback,omitempty"`
	ForceQueue bool            `json:"force_queue,omitempty"`
}

func (r *SubmitRequest) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("type must be one of: %s, %s, %s", TypeEcho, TypeClaudeCode, TypeGitPush)
	}
	if _, err := decodePayload(r.Type, r.Payload); err != nil {
		return err
	}
	if r.Callback != nil {
		if r.Callback.URL == "" {
			return errors.New("callback.url must not be empty")
		}
		u, err := url.Parse(r.Callback.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("callback.url %q must use http or https", r.Callback.URL)
		}
	}
	return nil
}
