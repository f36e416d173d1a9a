// Package shell provides the command-execution skill. Commands run as a
// plain argv under the sandbox after passing the allow-list gate; there
// is no shell interpretation anywhere on the path.
package shell

import (
	"context"
	"encoding/json"
	"time"

	relay "github.com/nevindra/relay"
)

// Skill executes vetted commands in the sandbox workspace.
type Skill struct {
	policy  *relay.CommandPolicy
	sandbox *relay.Sandbox
	profile relay.SandboxProfile
}

var _ relay.Skill = (*Skill)(nil)

// New creates the shell skill. An empty allowlist uses the defaults.
func New(profile relay.SandboxProfile, allowlist []string, auditor relay.Auditor) *Skill {
	return &Skill{
		policy:  relay.NewCommandPolicy(allowlist),
		sandbox: relay.NewSandbox(profile, auditor),
		profile: profile,
	}
}

func (s *Skill) Descriptor() relay.SkillDescriptor {
	return relay.SkillDescriptor{
		Name:        "shell_exec",
		Description: "Execute an allow-listed command in the workspace directory. Returns stdout and stderr. Shell constructs (pipes, redirection) are not supported.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Command line to execute"},
				"timeout": {"type": "integer", "description": "Timeout in seconds (default 30, max 300)"}
			},
			"required": ["command"]
		}`),
		Sandbox: s.profile,
	}
}

func (s *Skill) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	argv, err := s.policy.Check(params.Command)
	if err != nil {
		return nil, err
	}
	res, err := s.sandbox.Run(ctx, "skill:shell_exec", argv, time.Duration(params.Timeout)*time.Second)
	if err != nil {
		return nil, err
	}
	out := res.Output
	if out == "" {
		out = "(no output)"
	}
	return json.Marshal(map[string]any{
		"output":    out,
		"timed_out": res.TimedOut,
		"exit_err":  res.ExitErr,
	})
}
