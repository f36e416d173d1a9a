package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	taskKeyPrefix    = "task:"
	taskByUserKey    = "task:by_user:"
	taskClaimSuffix  = ":claim"
	messageKeyPrefix = "msg:"

	// TerminalTaskTTL bounds how long a completed or failed task record
	// survives in the KV store.
	TerminalTaskTTL = 2 * time.Hour

	// liveTaskTTL bounds a task that never reaches a terminal status, so
	// crashed workers cannot leak records forever.
	liveTaskTTL = 24 * time.Hour
)

// DefaultWindowSize is the conversation window cap when none is configured.
const DefaultWindowSize = 20

// TaskStore persists Task records in the Bus KV namespace. All writes are
// conditional: claims are SETNX, transitions compare-and-set the serialized
// record, so only the claiming Orchestrator ever mutates a live task.
type TaskStore struct {
	kv         KV
	windowSize int
}

// NewTaskStore builds a store over kv. windowSize caps the per-task
// conversation window; zero means DefaultWindowSize.
func NewTaskStore(kv KV, windowSize int) *TaskStore {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &TaskStore{kv: kv, windowSize: windowSize}
}

func taskKey(id string) string  { return taskKeyPrefix + id }
func claimKey(id string) string { return taskKeyPrefix + id + taskClaimSuffix }

func messageClaimKey(channel, messageID string) string {
	return messageKeyPrefix + channel + ":" + messageID
}

func userIndexKey(userID, taskID string) string {
	return taskByUserKey + userID + ":" + taskID
}

// Create persists a new task record. Rejects id collisions.
func (s *TaskStore) Create(ctx context.Context, t Task) (string, error) {
	if t.ID == "" {
		t.ID = NewID()
	}
	t.SchemaVersion = TaskSchemaVersion
	if t.Status == "" {
		t.Status = StatusPending
	}
	now := NowUnix()
	t.CreatedAt = now
	t.UpdatedAt = now
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	ok, err := s.kv.SetNX(ctx, taskKey(t.ID), string(raw), liveTaskTTL)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("create task: id collision on %s", t.ID)
	}
	// Best-effort secondary index for the task-listing skill.
	_ = s.kv.Set(ctx, userIndexKey(t.UserID, t.ID), t.ID, liveTaskTTL)
	return t.ID, nil
}

// ClaimMessage arbitrates ownership of one incoming message across the
// worker fleet: every subscriber sees the delivery, the first SETNX winner
// turns it into a task and the rest drop theirs.
func (s *TaskStore) ClaimMessage(ctx context.Context, channel, messageID, workerID string, ttl time.Duration) (bool, error) {
	ok, err := s.kv.SetNX(ctx, messageClaimKey(channel, messageID), workerID, ttl)
	if err != nil {
		return false, fmt.Errorf("claim message %s: %w", messageID, err)
	}
	return ok, nil
}

// Claim atomically takes ownership of a task for workerID with the given
// TTL. Returns false when another live worker already holds the claim.
// An expired claim (owner never refreshed) is re-claimable.
func (s *TaskStore) Claim(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	ok, err := s.kv.SetNX(ctx, claimKey(id), workerID, ttl)
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", id, err)
	}
	return ok, nil
}

// RefreshClaim extends the claim TTL while the owner is still working.
// Returns false if the claim expired and was taken by someone else.
func (s *TaskStore) RefreshClaim(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	return s.kv.CompareAndSet(ctx, claimKey(id), workerID, workerID, ttl)
}

// Get loads a task record. A schema-version mismatch is reported as
// ErrNotFound so callers re-create the task from scratch.
func (s *TaskStore) Get(ctx context.Context, id string) (Task, error) {
	raw, err := s.kv.Get(ctx, taskKey(id))
	if err != nil {
		return Task{}, err
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Task{}, ErrNotFound
	}
	if t.SchemaVersion != TaskSchemaVersion {
		return Task{}, ErrNotFound
	}
	return t, nil
}

// Transition conditionally moves a task from one status to another,
// applying patch to the loaded record first. Returns false without error
// when the current status differs from from — the caller lost a race.
func (s *TaskStore) Transition(ctx context.Context, id string, from, to TaskStatus, patch func(*Task)) (bool, error) {
	old, err := s.kv.Get(ctx, taskKey(id))
	if err != nil {
		return false, err
	}
	var t Task
	if err := json.Unmarshal([]byte(old), &t); err != nil {
		return false, fmt.Errorf("transition task %s: unreadable record", id)
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = NowUnix()
	if patch != nil {
		patch(&t)
	}
	ttl := liveTaskTTL
	if to.Terminal() {
		ttl = TerminalTaskTTL
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("transition task %s: %w", id, err)
	}
	return s.kv.CompareAndSet(ctx, taskKey(id), old, string(raw), ttl)
}

// AppendMessage adds a role-tagged fragment to the conversation window,
// truncating to the configured window size.
func (s *TaskStore) AppendMessage(ctx context.Context, id, role, text string) error {
	old, err := s.kv.Get(ctx, taskKey(id))
	if err != nil {
		return err
	}
	var t Task
	if err := json.Unmarshal([]byte(old), &t); err != nil {
		return fmt.Errorf("append to task %s: unreadable record", id)
	}
	t.Window = append(t.Window, WindowMessage{Role: role, Text: text})
	if len(t.Window) > s.windowSize {
		t.Window = t.Window[len(t.Window)-s.windowSize:]
	}
	t.UpdatedAt = NowUnix()
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ok, err := s.kv.CompareAndSet(ctx, taskKey(id), old, string(raw), liveTaskTTL)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("append to task " + id + ": concurrent write")
	}
	return nil
}

// Delete removes the task record, its claim and its index entry.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	if t, err := s.Get(ctx, id); err == nil {
		_ = s.kv.Del(ctx, userIndexKey(t.UserID, t.ID))
	}
	if err := s.kv.Del(ctx, taskKey(id)); err != nil {
		return err
	}
	return s.kv.Del(ctx, claimKey(id))
}

// ByUser returns task ids created for a user, oldest first. The index is
// one key per task, so listing never disturbs concurrent Creates; entries
// whose records already expired are dropped from the index as they are seen.
func (s *TaskStore) ByUser(ctx context.Context, userID string) ([]string, error) {
	prefix := taskByUserKey + userID + ":"
	keys, err := s.kv.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	type entry struct {
		id        string
		createdAt int64
	}
	var live []entry
	for _, key := range keys {
		id := strings.TrimPrefix(key, prefix)
		t, err := s.Get(ctx, id)
		if err != nil {
			_ = s.kv.Del(ctx, key)
			continue
		}
		live = append(live, entry{id: id, createdAt: t.CreatedAt})
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].createdAt != live[j].createdAt {
			return live[i].createdAt < live[j].createdAt
		}
		return live[i].id < live[j].id
	})
	var ids []string
	for _, e := range live {
		ids = append(ids, e.id)
	}
	return ids, nil
}
