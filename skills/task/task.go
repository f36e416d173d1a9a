// Package task exposes task-record introspection as a skill so the
// assistant can answer "what happened to my earlier request".
package task

import (
	"context"
	"encoding/json"
	"errors"

	relay "github.com/nevindra/relay"
)

// Skill looks up task status from the task store.
type Skill struct {
	store *relay.TaskStore
}

var _ relay.Skill = (*Skill)(nil)

// New creates the task-status skill over store.
func New(store *relay.TaskStore) *Skill {
	return &Skill{store: store}
}

func (s *Skill) Descriptor() relay.SkillDescriptor {
	return relay.SkillDescriptor{
		Name:        "task_status",
		Description: "Look up the status of a task by id, or list recent task ids for a user.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task_id": {"type": "string", "description": "Task id to inspect"},
				"user_id": {"type": "string", "description": "List recent task ids for this user instead"}
			}
		}`),
		Sandbox: relay.SandboxProfile{},
	}
}

func (s *Skill) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		TaskID string `json:"task_id"`
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	switch {
	case params.TaskID != "":
		t, err := s.store.Get(ctx, params.TaskID)
		if errors.Is(err, relay.ErrNotFound) {
			return json.Marshal(map[string]any{"found": false})
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"found":      true,
			"status":     t.Status,
			"iteration":  t.Iteration,
			"created_at": t.CreatedAt,
			"updated_at": t.UpdatedAt,
		})
	case params.UserID != "":
		ids, err := s.store.ByUser(ctx, params.UserID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"task_ids": ids})
	default:
		return nil, errors.New("task_id or user_id is required")
	}
}
