// Package runner provides the built-in job handlers that shell out to
// external tools: the assistant CLI for claude-code jobs and git for
// git-push jobs. They are registered in cmd; the queue core never
// depends on this package.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/workflowd/workflowd/internal/job"
)

// Claude executes claude-code jobs by running the assistant CLI inside
// the job's workspace.
type Claude struct {
	Path         string
	DefaultModel string
}

// Handle runs the CLI and returns its final result as {"output": ...}.
func (c *Claude) Handle(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	decoded, err := j.DecodePayload()
	if err != nil {
		return nil, err
	}
	p, ok := decoded.(*job.ClaudeCodePayload)
	if !ok {
		return nil, fmt.Errorf("claude handler got %s job", j.Type)
	}

	model := p.Model
	if model == "" {
		model = c.DefaultModel
	}

	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, p.Prompt)

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Dir = p.Workspace
	cmd.Env = filteredEnv()

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start assistant cli: %w", err)
	}

	var finalResult string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if result, ok := parseResultLine(line); ok {
			finalResult = result
		}
	}
	scanErr := scanner.Err()
	if scanErr != nil {
		// Keep draining so the process is not blocked on a full pipe
		// while we wait for it to exit.
		io.Copy(io.Discard, stdout) //nolint:errcheck
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The CLI often reports errors in the JSON stream rather than
		// stderr; prefer the stream result as the error detail.
		detail := stderr.String()
		if detail == "" && finalResult != "" {
			detail = finalResult
		}
		return nil, fmt.Errorf("assistant cli exited: %w - %s", err, strings.TrimSpace(detail))
	}
	if scanErr != nil {
		// A truncated stream must not pass as an empty success.
		return nil, fmt.Errorf("read assistant cli output: %w", scanErr)
	}

	return json.Marshal(map[string]string{"output": finalResult})
}

// parseResultLine extracts the final result from a stream-json line of
// type "result".
func parseResultLine(line []byte) (string, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return "", false
	}

	var msgType string
	if err := json.Unmarshal(raw["type"], &msgType); err != nil || msgType != "result" {
		return "", false
	}

	var result string
	if err := json.Unmarshal(raw["result"], &result); err != nil {
		return "", false
	}
	return result, true
}

// filteredEnv returns os.Environ() without variables starting with CLAUDE.
func filteredEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "CLAUDE") {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// Git executes git-push jobs: stage everything, commit, push.
type Git struct {
	Path string
}

func (g *Git) Handle(ctx context.Context, j *job.Job) (json.RawMessage, error) {
	decoded, err := j.DecodePayload()
	if err != nil {
		return nil, err
	}
	p, ok := decoded.(*job.GitPushPayload)
	if !ok {
		return nil, fmt.Errorf("git handler got %s job", j.Type)
	}

	remote := p.Remote
	if remote == "" {
		remote = "origin"
	}
	message := p.Message
	if message == "" {
		message = "workflowd: automated commit"
	}

	if _, err := g.run(ctx, p.Workspace, "add", "-A"); err != nil {
		return nil, err
	}
	// An empty tree makes commit exit non-zero; tolerate it and push
	// whatever is already committed.
	commitOut, commitErr := g.run(ctx, p.Workspace, "commit", "-m", message)
	if commitErr != nil && !strings.Contains(commitOut, "nothing to commit") {
		return nil, commitErr
	}

	pushArgs := []string{"push", remote}
	if p.Branch != "" {
		pushArgs = append(pushArgs, "HEAD:"+p.Branch)
	}
	pushOut, err := g.run(ctx, p.Workspace, pushArgs...)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{
		"commit": strings.TrimSpace(commitOut),
		"push":   strings.TrimSpace(pushOut),
	})
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, g.Path, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w - %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
