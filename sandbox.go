package relay

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultSandboxTimeout applies when a profile names none.
	DefaultSandboxTimeout = 30 * time.Second

	// MaxSandboxTimeout caps any per-invocation timeout override.
	MaxSandboxTimeout = 300 * time.Second

	// maxSandboxOutput truncates captured process output.
	maxSandboxOutput = 4000
)

// ExecResult is the outcome of one sandboxed process run.
type ExecResult struct {
	Output   string
	TimedOut bool
	ExitErr  string
}

// Sandbox executes vetted argv commands under a profile: fixed working
// directory inside the workspace, scrubbed environment, hard timeout,
// and an audit entry per invocation. It never delegates to a shell.
type Sandbox struct {
	profile SandboxProfile
	auditor Auditor
}

// NewSandbox builds a sandbox for profile. A nil auditor discards entries.
func NewSandbox(profile SandboxProfile, auditor Auditor) *Sandbox {
	if auditor == nil {
		auditor = NopAuditor{}
	}
	return &Sandbox{profile: profile, auditor: auditor}
}

// Run executes argv and returns its combined output. argv must already
// have passed CommandPolicy.Check; Run enforces only the runtime bounds.
func (s *Sandbox) Run(ctx context.Context, actor string, argv []string, timeout time.Duration) (ExecResult, error) {
	if len(argv) == 0 {
		return ExecResult{}, fmt.Errorf("empty argv")
	}
	if timeout <= 0 {
		if s.profile.TimeoutSeconds > 0 {
			timeout = time.Duration(s.profile.TimeoutSeconds) * time.Second
		} else {
			timeout = DefaultSandboxTimeout
		}
	}
	if timeout > MaxSandboxTimeout {
		timeout = MaxSandboxTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = s.profile.WorkspaceRoot
	cmd.Env = s.scrubbedEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := ExecResult{Output: combineOutput(stdout.String(), stderr.String())}
	outcome := "ok"
	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitErr = fmt.Sprintf("timed out after %s", timeout)
		outcome = "timeout"
	} else if err != nil {
		res.ExitErr = err.Error()
		outcome = "error"
	}

	s.auditor.Record(ctx, NewAuditEntry(actor, AuditSkillInvoke,
		map[string]any{"argv": argv}, outcome, elapsed, false))
	return res, nil
}

// scrubbedEnv builds a minimal environment. With networking disabled,
// proxy variables point at a closed loopback port so well-behaved HTTP
// clients inside the sandbox cannot reach out.
func (s *Sandbox) scrubbedEnv() []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + s.profile.WorkspaceRoot,
		"TMPDIR=" + os.TempDir(),
		"LANG=C.UTF-8",
	}
	if !s.profile.NetworkEnabled {
		env = append(env,
			"http_proxy=http://127.0.0.1:1",
			"https_proxy=http://127.0.0.1:1",
			"HTTP_PROXY=http://127.0.0.1:1",
			"HTTPS_PROXY=http://127.0.0.1:1",
			"no_proxy=",
			"NO_PROXY=",
		)
	}
	return env
}

func combineOutput(stdout, stderr string) string {
	out := stdout
	if stderr != "" {
		if out != "" {
			out += "\n--- stderr ---\n"
		}
		out += stderr
	}
	if len(out) > maxSandboxOutput {
		out = out[:maxSandboxOutput] + "\n... (truncated)"
	}
	return out
}

// ResolveInWorkspace canonicalizes p relative to root and rejects any
// path that escapes root, including through symlinks. The returned path
// is absolute and safe to open.
func ResolveInWorkspace(root, p string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no workspace root configured")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("workspace root: %w", err)
	}

	if filepath.IsAbs(p) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	joined := filepath.Clean(filepath.Join(realRoot, p))
	if !within(realRoot, joined) {
		return "", fmt.Errorf("path escapes workspace: %s", p)
	}

	// Canonicalize the deepest existing ancestor so a symlink inside the
	// workspace cannot point the path outside it.
	existing := joined
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	realExisting, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	if !within(realRoot, realExisting) {
		return "", fmt.Errorf("path escapes workspace via symlink: %s", p)
	}
	return joined, nil
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}
