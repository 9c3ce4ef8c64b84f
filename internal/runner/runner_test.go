package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/workflowd/workflowd/internal/job"
)

func TestParseResultLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{"result line", `{"type":"result","result":"done"}`, "done", true},
		{"assistant line", `{"type":"assistant","message":{}}`, "", false},
		{"missing result field", `{"type":"result"}`, "", false},
		{"result not a string", `{"type":"result","result":42}`, "", false},
		{"not json", `plain text output`, "", false},
		{"missing type", `{"result":"done"}`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseResultLine([]byte(tt.line))
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseResultLine(%s) = (%q, %v), want (%q, %v)", tt.line, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestFilteredEnv(t *testing.T) {
	t.Setenv("CLAUDE_API_KEY", "secret")
	t.Setenv("CLAUDECODE", "1")
	t.Setenv("UNRELATED_VAR", "keep")

	for _, kv := range filteredEnv() {
		if strings.HasPrefix(kv, "CLAUDE") {
			t.Errorf("filteredEnv leaked %q", kv)
		}
	}

	found := false
	for _, kv := range filteredEnv() {
		if kv == "UNRELATED_VAR=keep" {
			found = true
		}
	}
	if !found {
		t.Error("filteredEnv dropped an unrelated variable")
	}
}

// writeScript creates an executable shell script standing in for an
// external tool.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script mocks require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func claudeJob(t *testing.T, workspace, prompt string) *job.Job {
	t.Helper()
	payload, err := json.Marshal(job.ClaudeCodePayload{Workspace: workspace, Prompt: prompt})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return &job.Job{ID: "j1", Type: job.TypeClaudeCode, Payload: payload}
}

func TestClaude_Handle(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"assistant","message":{}}'
echo '{"type":"result","result":"all done"}'
`)
	c := &Claude{Path: script}

	out, err := c.Handle(context.Background(), claudeJob(t, t.TempDir(), "do the thing"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var res map[string]string
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if res["output"] != "all done" {
		t.Errorf("output = %q, want %q", res["output"], "all done")
	}
}

func TestClaude_HandleNonZeroExit(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"result","result":"ran out of budget"}'
exit 1
`)
	c := &Claude{Path: script}

	_, err := c.Handle(context.Background(), claudeJob(t, t.TempDir(), "fail please"))
	if err == nil {
		t.Fatal("Handle succeeded despite non-zero exit")
	}
	if !strings.Contains(err.Error(), "ran out of budget") {
		t.Errorf("error %q does not surface the stream result", err)
	}
}

func TestClaude_HandleOversizedLine(t *testing.T) {
	// A single line past the scanner's buffer cap must surface as an
	// error, not as an empty successful result.
	script := writeScript(t, `
head -c 5242880 /dev/zero | tr '\0' 'a'
echo
`)
	c := &Claude{Path: script}

	_, err := c.Handle(context.Background(), claudeJob(t, t.TempDir(), "huge output"))
	if err == nil {
		t.Fatal("Handle succeeded despite a truncated output stream")
	}
	if !strings.Contains(err.Error(), "read assistant cli output") {
		t.Errorf("error %q does not report the stream read failure", err)
	}
}

func TestClaude_HandleWrongPayload(t *testing.T) {
	c := &Claude{Path: "/bin/true"}
	j := &job.Job{ID: "j1", Type: job.TypeClaudeCode, Payload: json.RawMessage(`{"prompt":""}`)}
	if _, err := c.Handle(context.Background(), j); err == nil {
		t.Fatal("Handle accepted a payload without a workspace")
	}
}

func TestGit_Handle(t *testing.T) {
	// A stand-in that records each subcommand and succeeds.
	dir := t.TempDir()
	script := writeScript(t, `echo "$1" >> `+filepath.Join(dir, "calls.log")+`
echo "git $1 ok"
`)
	g := &Git{Path: script}

	payload, err := json.Marshal(job.GitPushPayload{Workspace: t.TempDir(), Branch: "main", Message: "save work"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	j := &job.Job{ID: "j1", Type: job.TypeGitPush, Payload: payload}

	out, err := g.Handle(context.Background(), j)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	calls, err := os.ReadFile(filepath.Join(dir, "calls.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got := strings.Fields(string(calls))
	want := []string{"add", "commit", "push"}
	if len(got) != len(want) {
		t.Fatalf("subcommands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("subcommand[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	var res map[string]string
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if !strings.Contains(res["push"], "git push ok") {
		t.Errorf("push output = %q", res["push"])
	}
}

func TestGit_HandleNothingToCommit(t *testing.T) {
	script := writeScript(t, `
if [ "$1" = "commit" ]; then
  echo "nothing to commit, working tree clean"
  exit 1
fi
echo "git $1 ok"
`)
	g := &Git{Path: script}

	payload, err := json.Marshal(job.GitPushPayload{Workspace: t.TempDir(), Branch: "main"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	j := &job.Job{ID: "j1", Type: job.TypeGitPush, Payload: payload}

	if _, err := g.Handle(context.Background(), j); err != nil {
		t.Fatalf("Handle must tolerate an empty commit: %v", err)
	}
}

func TestGit_HandlePushFails(t *testing.T) {
	script := writeScript(t, `
if [ "$1" = "push" ]; then
  echo "remote rejected" >&2
  exit 1
fi
echo "git $1 ok"
`)
	g := &Git{Path: script}

	payload, err := json.Marshal(job.GitPushPayload{Workspace: t.TempDir(), Branch: "main"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	j := &job.Job{ID: "j1", Type: job.TypeGitPush, Payload: payload}

	if _, err := g.Handle(context.Background(), j); err == nil {
		t.Fatal("Handle succeeded despite a failed push")
	}
}
