package shell

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	relay "github.com/nevindra/relay"
)

func newTestSkill(t *testing.T, allowlist []string) *Skill {
	t.Helper()
	return New(relay.SandboxProfile{WorkspaceRoot: t.TempDir()}, allowlist, nil)
}

func TestShellRunsCommand(t *testing.T) {
	s := newTestSkill(t, nil)
	raw, err := s.Invoke(context.Background(), json.RawMessage(`{"command":"echo hello from shell"}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Output   string `json:"output"`
		TimedOut bool   `json:"timed_out"`
		ExitErr  string `json:"exit_err"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.Output) != "hello from shell" || out.TimedOut || out.ExitErr != "" {
		t.Errorf("result = %+v", out)
	}
}

func TestShellRejectsDisallowedCommands(t *testing.T) {
	s := newTestSkill(t, nil)
	cases := []string{
		`{"command":"curl https://example.com"}`,
		`{"command":"cat a | grep b"}`,
		`{"command":"rm -rf /"}`,
		`{"command":""}`,
	}
	for _, args := range cases {
		if _, err := s.Invoke(context.Background(), json.RawMessage(args)); err == nil {
			t.Errorf("Invoke(%s) accepted", args)
		}
	}
}

func TestShellCustomAllowlist(t *testing.T) {
	s := newTestSkill(t, []string{"echo"})
	if _, err := s.Invoke(context.Background(), json.RawMessage(`{"command":"echo ok"}`)); err != nil {
		t.Errorf("allow-listed command rejected: %v", err)
	}
	if _, err := s.Invoke(context.Background(), json.RawMessage(`{"command":"ls"}`)); err == nil {
		t.Error("ls accepted under custom allow-list")
	}
}

func TestShellTimeout(t *testing.T) {
	s := newTestSkill(t, []string{"sleep"})
	raw, err := s.Invoke(context.Background(), json.RawMessage(`{"command":"sleep 30","timeout":1}`))
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		TimedOut bool `json:"timed_out"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if !out.TimedOut {
		t.Errorf("result = %s, want timed_out", raw)
	}
}

func TestShellEmptyOutputPlaceholder(t *testing.T) {
	s := newTestSkill(t, nil)
	raw, err := s.Invoke(context.Background(), json.RawMessage(`{"command":"echo -n"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "(no output)") {
		t.Errorf("result = %s", raw)
	}
}

func TestShellDescriptorRequiresCommand(t *testing.T) {
	s := newTestSkill(t, nil)
	r, err := relay.NewRegistry(s)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Validate("shell_exec", json.RawMessage(`{"command":"ls"}`)); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := r.Validate("shell_exec", json.RawMessage(`{}`)); err == nil {
		t.Error("missing command accepted")
	}
}
