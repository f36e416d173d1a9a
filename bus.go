package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Topic names are stable strings shared by every worker on the fabric.
const (
	TopicIncoming         = "assistant:incoming"
	TopicOutgoingReply    = "assistant:outgoing_reply"
	TopicStreamToken      = "assistant:stream_token"
	TopicToolRequest      = "assistant:tool_request"
	TopicToolResult       = "assistant:tool_result"
	TopicRestartRequested = "assistant:action:restart_requested"

	topicMCPEventsPrefix = "assistant:mcp:events:"
)

// TopicMCPEvents returns the per-tenant event topic for an MCP endpoint.
func TopicMCPEvents(endpointID string) string {
	return topicMCPEventsPrefix + endpointID
}

// EnvelopeKind tags the payload type of a bus envelope.
type EnvelopeKind string

const (
	KindIncomingMessage     EnvelopeKind = "incoming_message"
	KindOutgoingReply       EnvelopeKind = "outgoing_reply"
	KindStreamToken         EnvelopeKind = "stream_token"
	KindToolRequest         EnvelopeKind = "tool_request"
	KindToolResult          EnvelopeKind = "tool_result"
	KindConfirmationRequest EnvelopeKind = "confirmation_request"
	KindConfirmationResult  EnvelopeKind = "confirmation_result"
	KindFeedbackMessage     EnvelopeKind = "feedback_message"
	KindRestartRequested    EnvelopeKind = "restart_requested"
)

// EnvelopeSchemaVersion is the current envelope header layout.
const EnvelopeSchemaVersion = 1

// MaxEnvelopeBytes caps a serialized envelope. Publishing a larger one
// fails; StreamToken payloads carry single token chunks, never full buffers.
const MaxEnvelopeBytes = 64 * 1024

// Envelope is the common header for every message on the Bus. The payload
// stays raw JSON so unknown fields survive a decode/forward round trip.
type Envelope struct {
	Kind    EnvelopeKind    `json:"kind"`
	TaskID  string          `json:"task_id,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	TS      int64           `json:"ts"`
	V       int             `json:"v"`
	Payload json.RawMessage `json:"payload"`
}

// Seal builds an envelope around payload. Secrets are redacted here, at
// serialization time, so no sink downstream of the bus ever sees them.
func Seal(kind EnvelopeKind, taskID, channel string, seq uint64, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal %s: %w", kind, err)
	}
	raw, err = RedactJSON(raw)
	if err != nil {
		return Envelope{}, fmt.Errorf("seal %s: redact: %w", kind, err)
	}
	env := Envelope{
		Kind:    kind,
		TaskID:  taskID,
		Channel: channel,
		Seq:     seq,
		TS:      NowUnix(),
		V:       EnvelopeSchemaVersion,
		Payload: raw,
	}
	if n := env.encodedSize(); n > MaxEnvelopeBytes {
		return Envelope{}, fmt.Errorf("seal %s: envelope %d bytes exceeds %d", kind, n, MaxEnvelopeBytes)
	}
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

func (e Envelope) encodedSize() int {
	b, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(b)
}

// Delivery is one received envelope. Gap marks a reconnect boundary where
// deliveries may have been lost; consumers treat in-flight tasks as stale.
type Delivery struct {
	Envelope Envelope
	Gap      bool
}

// Subscription is a restartable, at-most-once stream of envelopes on one
// topic. The channel closes when the subscription is closed or the bus
// shuts down.
type Subscription interface {
	C() <-chan Delivery
	Close() error
}

// KV is the durable key/value face of the Bus. Implementations provide
// atomic SetNX and CompareAndSet so workers can build claims, buckets and
// single-resolution records without a separate coordinator.
type KV interface {
	Get(ctx context.Context, key string) (string, error) // ErrNotFound on miss
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSet replaces the value only if the current value equals old.
	// A ttl of zero preserves no expiry; positive ttl resets it.
	CompareAndSet(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)

	// Push appends to a list key; Drain atomically returns and clears it.
	Push(ctx context.Context, key, value string, ttl time.Duration) error
	Drain(ctx context.Context, key string) ([]string, error)
}

// Bus is the typed-envelope pub/sub + KV fabric every worker coordinates
// through. Publish is broadcast with no acknowledgment and no replay for
// late joiners; delivery is at most once and consumers must be idempotent.
type Bus interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	KV(namespace string) KV
	Close() error
}

// KeyJoin builds a namespaced KV key from parts.
func KeyJoin(parts ...string) string {
	return strings.Join(parts, ":")
}
