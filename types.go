package relay

import "encoding/json"

// --- Task lifecycle ---

// TaskStatus is the lifecycle state of a task record.
type TaskStatus string

const (
	StatusPending              TaskStatus = "pending"
	StatusRunning              TaskStatus = "running"
	StatusAwaitingTool         TaskStatus = "awaiting_tool"
	StatusAwaitingConfirmation TaskStatus = "awaiting_confirmation"
	StatusCompleted            TaskStatus = "completed"
	StatusFailed               TaskStatus = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WindowMessage is one role-tagged fragment of a task's conversation window.
type WindowMessage struct {
	Role string `json:"role"` // "user", "assistant", "tool"
	Text string `json:"text"`
}

// Task is the durable record for one unit of work triggered by a single
// incoming message. Mutated only by the Orchestrator holding its claim.
type Task struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Channel   string          `json:"channel"`
	ChatID    string          `json:"chat_id"`
	MessageID string          `json:"message_id"`
	Status    TaskStatus      `json:"status"`
	Iteration int             `json:"iteration"`
	Window    []WindowMessage `json:"window,omitempty"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`

	// SchemaVersion guards record compatibility: a mismatch makes the
	// record unreadable and the task is re-created on the next message.
	SchemaVersion int `json:"schema_version"`
}

// TaskSchemaVersion is the current Task record layout version.
const TaskSchemaVersion = 1

// --- Bus envelope payloads (wire-stable JSON) ---

// IncomingMessage is published by a channel adapter for each user message.
type IncomingMessage struct {
	MessageID          string `json:"message_id"`
	UserID             string `json:"user_id"`
	ChatID             string `json:"chat_id"`
	Channel            string `json:"channel"`
	Text               string `json:"text"`
	ReasoningRequested bool   `json:"reasoning_requested,omitempty"`
	ReplyTo            string `json:"reply_to,omitempty"`
}

// OutgoingReply carries a final (or standalone) reply toward a channel.
type OutgoingReply struct {
	TaskID    string `json:"task_id"`
	ChatID    string `json:"chat_id"`
	Channel   string `json:"channel"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`
	Done      bool   `json:"done"`
}

// StreamToken is one delta chunk in a per-task, seq-ordered token stream.
// Adapters reassemble the stream into a single live-edited message.
type StreamToken struct {
	TaskID  string `json:"task_id"`
	ChatID  string `json:"chat_id"`
	Channel string `json:"channel"`
	Seq     uint64 `json:"seq"`
	Token   string `json:"token"`
	Done    bool   `json:"done"`
}

// ToolRequest asks the skill dispatcher to run a named skill.
type ToolRequest struct {
	TaskID    string          `json:"task_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult reports a skill invocation outcome back to the Orchestrator.
type ToolResult struct {
	TaskID string          `json:"task_id"`
	Name   string          `json:"name"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ConfirmationRequest announces a pending confirmation prompt to adapters.
type ConfirmationRequest struct {
	EndpointID    string `json:"endpoint_id"`
	CorrelationID string `json:"correlation_id"`
	ChatID        string `json:"chat_id"`
	Message       string `json:"message"`
	DeadlineTS    int64  `json:"deadline_ts"`
}

// ConfirmationResult carries the resolution of a confirmation prompt.
type ConfirmationResult struct {
	EndpointID    string `json:"endpoint_id"`
	CorrelationID string `json:"correlation_id"`
	Outcome       string `json:"outcome"`
	Reply         string `json:"reply,omitempty"`
}

// FeedbackMessage is a `/dev ` message queued for an MCP tenant.
type FeedbackMessage struct {
	EndpointID string `json:"endpoint_id"`
	ChatID     string `json:"chat_id"`
	Text       string `json:"text"`
}

// --- Skills ---

// SkillDescriptor declares a skill's name, parameter schema and sandbox
// profile. The schema is JSON Schema, validated at the ToolAgent boundary.
type SkillDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
	Sandbox     SandboxProfile  `json:"sandbox"`

	// SecretSensitive marks skills whose arguments must be fully masked
	// in audit entries, not just key-matched.
	SecretSensitive bool `json:"secret_sensitive,omitempty"`
}

// SandboxProfile bounds a skill invocation.
type SandboxProfile struct {
	NetworkEnabled bool   `json:"network_enabled"`
	WorkspaceRoot  string `json:"workspace_root,omitempty"`
	CPUSeconds     int    `json:"cpu_seconds,omitempty"`
	MemoryMB       int    `json:"memory_mb,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// --- Confirmations ---

// ConfirmationOutcome enumerates terminal confirmation states plus pending.
type ConfirmationOutcome string

const (
	OutcomePending   ConfirmationOutcome = "pending"
	OutcomeConfirmed ConfirmationOutcome = "confirmed"
	OutcomeRejected  ConfirmationOutcome = "rejected"
	OutcomeReplied   ConfirmationOutcome = "replied"
	OutcomeTimeout   ConfirmationOutcome = "timeout"
)

// ConfirmationRecord pairs a posted prompt with its eventual resolution.
// Resolution happens exactly once: callback handler and sweeper race on a
// compare-and-set over Outcome == pending.
type ConfirmationRecord struct {
	ID          string              `json:"id"`
	EndpointID  string              `json:"endpoint_id"`
	ChatID      string              `json:"chat_id"`
	Message     string              `json:"message"`
	DeadlineTS  int64               `json:"deadline_ts"`
	Outcome     ConfirmationOutcome `json:"outcome"`
	Reply       string              `json:"reply,omitempty"`
	CreatedAt   int64               `json:"created_at"`
	CompletedAt int64               `json:"completed_at,omitempty"`
}

// --- MCP endpoints ---

// Endpoint is one MCP tenant: an authenticated HTTP surface routing to a
// chosen chat. The bearer secret is stored as a SHA-256 hash; the plaintext
// is returned exactly once at creation.
type Endpoint struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ChatID     string `json:"chat_id"`
	SecretHash string `json:"secret_hash"`
	CreatedAt  int64  `json:"created_at"`
	Revoked    bool   `json:"revoked,omitempty"`
}

// --- Audit ---

// AuditEntry is one structured, secret-redacted record of a sensitive
// action (skill invocation, MCP call, auth attempt).
type AuditEntry struct {
	ID         string          `json:"id"`
	TS         int64           `json:"ts"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Outcome    string          `json:"outcome"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}
