package relay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolveInWorkspace(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := ResolveInWorkspace(root, "sub/notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(got, filepath.Join("sub", "notes.txt")) {
		t.Errorf("resolved = %q", got)
	}

	rejected := []string{
		"../outside.txt",
		"sub/../../outside.txt",
		"/etc/passwd",
	}
	for _, p := range rejected {
		if _, err := ResolveInWorkspace(root, p); err == nil {
			t.Errorf("ResolveInWorkspace accepted %q", p)
		}
	}
}

func TestResolveInWorkspaceSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "leak")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := ResolveInWorkspace(root, "leak/secret.txt"); err == nil {
		t.Fatal("symlinked escape accepted")
	}
}

func TestResolveInWorkspaceRequiresRoot(t *testing.T) {
	if _, err := ResolveInWorkspace("", "x"); err == nil {
		t.Fatal("empty root accepted")
	}
}

func TestSandboxRun(t *testing.T) {
	root := t.TempDir()
	sb := NewSandbox(SandboxProfile{WorkspaceRoot: root}, nil)

	res, err := sb.Run(t.Context(), "skill:test", []string{"echo", "hello sandbox"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Output) != "hello sandbox" {
		t.Errorf("Output = %q", res.Output)
	}
	if res.TimedOut || res.ExitErr != "" {
		t.Errorf("result = %+v", res)
	}
}

func TestSandboxRunTimeout(t *testing.T) {
	root := t.TempDir()
	sb := NewSandbox(SandboxProfile{WorkspaceRoot: root}, nil)

	start := time.Now()
	res, err := sb.Run(t.Context(), "skill:test", []string{"sleep", "30"}, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut {
		t.Fatalf("result = %+v, want timeout", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not cut the process short")
	}
}

func TestScrubbedEnvBlocksNetwork(t *testing.T) {
	sb := NewSandbox(SandboxProfile{WorkspaceRoot: "/tmp", NetworkEnabled: false}, nil)
	env := sb.scrubbedEnv()
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "http_proxy=http://127.0.0.1:1") {
		t.Errorf("proxy pin missing:\n%s", joined)
	}
	if !strings.Contains(joined, "HOME=/tmp") {
		t.Errorf("HOME not pinned to workspace:\n%s", joined)
	}

	open := NewSandbox(SandboxProfile{WorkspaceRoot: "/tmp", NetworkEnabled: true}, nil)
	if strings.Contains(strings.Join(open.scrubbedEnv(), "\n"), "http_proxy") {
		t.Error("network-enabled profile still pins proxies")
	}
}

func TestCombineOutputTruncates(t *testing.T) {
	out := combineOutput(strings.Repeat("x", maxSandboxOutput+100), "")
	if len(out) > maxSandboxOutput+50 {
		t.Errorf("len = %d", len(out))
	}
	if !strings.HasSuffix(out, "(truncated)") {
		t.Error("missing truncation marker")
	}
}
