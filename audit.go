package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Audit action names.
const (
	AuditSkillInvoke    = "skill.invoke"
	AuditSkillResult    = "skill.result"
	AuditModelCall      = "model.call"
	AuditMCPNotify      = "mcp.notify"
	AuditMCPQuestion    = "mcp.question"
	AuditConfirmRequest = "confirm.request"
	AuditConfirmResolve = "confirm.resolve"
	AuditAuthFailure    = "auth.failure"
)

// Auditor records structured audit entries. Implementations must assume
// arguments are already redacted; NewAuditEntry guarantees it.
type Auditor interface {
	Record(ctx context.Context, e AuditEntry)
}

// NewAuditEntry builds a redacted entry. args may be any JSON-marshalable
// value; masked marks skills whose arguments are secret-sensitive and are
// therefore dropped entirely rather than key-redacted.
func NewAuditEntry(actor, action string, args any, outcome string, d time.Duration, masked bool) AuditEntry {
	e := AuditEntry{
		ID:         NewID(),
		TS:         NowUnix(),
		Actor:      actor,
		Action:     action,
		Outcome:    outcome,
		DurationMS: d.Milliseconds(),
	}
	if masked {
		e.Arguments = json.RawMessage(`"` + RedactedPlaceholder + `"`)
		return e
	}
	if args != nil {
		if raw, err := json.Marshal(args); err == nil {
			if red, err := RedactJSON(raw); err == nil {
				e.Arguments = red
			}
		}
	}
	return e
}

// SlogAuditor writes audit entries to a structured logger. Suitable on its
// own for development; production wiring pairs it with the sqlite store
// via MultiAuditor.
type SlogAuditor struct {
	Logger *slog.Logger
}

func (a *SlogAuditor) Record(_ context.Context, e AuditEntry) {
	logger := a.Logger
	if logger == nil {
		logger = nopLogger
	}
	logger.Info("audit",
		"actor", e.Actor,
		"action", e.Action,
		"outcome", e.Outcome,
		"duration_ms", e.DurationMS,
		"arguments", string(e.Arguments))
}

// MultiAuditor fans one entry out to several sinks.
type MultiAuditor []Auditor

func (m MultiAuditor) Record(ctx context.Context, e AuditEntry) {
	for _, a := range m {
		a.Record(ctx, e)
	}
}

// NopAuditor discards entries. Used by tests and optional wiring.
type NopAuditor struct{}

func (NopAuditor) Record(context.Context, AuditEntry) {}

// WithAudit wraps a Provider so every model call leaves a model.call
// entry: actor, call shape, outcome and duration. Prompt content never
// reaches the trail, only message and tool counts.
func WithAudit(p Provider, auditor Auditor) Provider {
	if auditor == nil {
		auditor = NopAuditor{}
	}
	return &auditingProvider{inner: p, auditor: auditor}
}

type auditingProvider struct {
	inner   Provider
	auditor Auditor
}

func (a *auditingProvider) Name() string { return a.inner.Name() }

// callShape describes a request without quoting it.
func callShape(req ChatRequest, stream bool) map[string]any {
	return map[string]any{
		"messages":  len(req.Messages),
		"tools":     len(req.Tools),
		"reasoning": req.Reasoning,
		"stream":    stream,
	}
}

func (a *auditingProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	start := time.Now()
	resp, err := a.inner.Chat(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	a.auditor.Record(ctx, NewAuditEntry("model:"+a.inner.Name(), AuditModelCall,
		callShape(req, false), outcome, time.Since(start), false))
	return resp, err
}

func (a *auditingProvider) ChatStream(ctx context.Context, req ChatRequest) (TokenStream, error) {
	start := time.Now()
	stream, err := a.inner.ChatStream(ctx, req)
	if err != nil {
		a.auditor.Record(ctx, NewAuditEntry("model:"+a.inner.Name(), AuditModelCall,
			callShape(req, true), "error", time.Since(start), false))
		return nil, err
	}
	return &auditedStream{
		inner:   stream,
		auditor: a.auditor,
		actor:   "model:" + a.inner.Name(),
		shape:   callShape(req, true),
		start:   start,
	}, nil
}

// auditedStream defers the model.call entry until the stream's fate is
// known: EOF is ok, a mid-flight error is interrupted, and an early Close
// counts as ok since the caller got everything it wanted.
type auditedStream struct {
	inner   TokenStream
	auditor Auditor
	actor   string
	shape   map[string]any
	start   time.Time
	once    sync.Once
}

func (s *auditedStream) record(ctx context.Context, outcome string) {
	s.once.Do(func() {
		s.auditor.Record(ctx, NewAuditEntry(s.actor, AuditModelCall,
			s.shape, outcome, time.Since(s.start), false))
	})
}

func (s *auditedStream) Next(ctx context.Context) (string, error) {
	token, err := s.inner.Next(ctx)
	switch {
	case err == io.EOF:
		s.record(ctx, "ok")
	case err != nil:
		s.record(ctx, "interrupted")
	}
	return token, err
}

func (s *auditedStream) Close() error {
	s.record(context.Background(), "ok")
	return s.inner.Close()
}
