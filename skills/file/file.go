// Package file provides workspace file operations as a skill. Every path
// is canonicalized and confined to the workspace root; symlink escapes
// are rejected before any filesystem access.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	relay "github.com/nevindra/relay"
)

// maxReadBytes caps how much of a file the read action returns.
const maxReadBytes = 64 * 1024

// Skill reads, writes and lists files under the workspace root.
type Skill struct {
	profile relay.SandboxProfile
}

var _ relay.Skill = (*Skill)(nil)

// New creates the file skill confined to profile.WorkspaceRoot.
func New(profile relay.SandboxProfile) *Skill {
	return &Skill{profile: profile}
}

func (s *Skill) Descriptor() relay.SkillDescriptor {
	return relay.SkillDescriptor{
		Name:        "file_ops",
		Description: "Read, write or list files inside the workspace. Paths are relative to the workspace root.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {"type": "string", "enum": ["read", "write", "list"]},
				"path": {"type": "string", "description": "Path relative to the workspace root"},
				"content": {"type": "string", "description": "Content for the write action"}
			},
			"required": ["action", "path"]
		}`),
		Sandbox: s.profile,
	}
}

func (s *Skill) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Action  string `json:"action"`
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	resolved, err := relay.ResolveInWorkspace(s.profile.WorkspaceRoot, params.Path)
	if err != nil {
		return nil, err
	}
	switch params.Action {
	case "read":
		return s.read(resolved)
	case "write":
		return s.write(resolved, params.Content)
	case "list":
		return s.list(resolved)
	default:
		return nil, fmt.Errorf("unknown action: %s", params.Action)
	}
}

func (s *Skill) read(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	return json.Marshal(map[string]any{"content": string(data), "truncated": truncated})
}

func (s *Skill) write(path, content string) (json.RawMessage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"written": len(content)})
}

func (s *Skill) list(path string) (json.RawMessage, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return json.Marshal(map[string]any{"entries": names})
}
