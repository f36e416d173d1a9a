package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultSystemPrompt frames the assistant role. Overridable per process
// through configuration.
const DefaultSystemPrompt = `You are a capable personal assistant. Answer directly and concisely.
When a task requires running a tool, request it; otherwise reply in plain text.
Never invent tool output.`

// userMemoryKeys locate the per-user prompt fragments in the KV.
func userSummaryKey(userID string) string { return KeyJoin("user", userID, "summary") }
func userDataKey(userID string) string    { return KeyJoin("user", userID, "data") }

// AssistantAgent turns a task's conversation window into a model call and
// interprets the response: final text, a self-rated quality score, or a
// tool request.
type AssistantAgent struct {
	provider     Provider
	registry     *Registry
	kv           KV
	systemPrompt string
	tracer       Tracer
	logger       *slog.Logger
}

// NewAssistantAgent wires an agent. registry may be nil when no skills are
// offered to the model; kv may be nil to skip memory blocks.
func NewAssistantAgent(provider Provider, registry *Registry, kv KV, systemPrompt string, tracer Tracer, logger *slog.Logger) *AssistantAgent {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = nopLogger
	}
	return &AssistantAgent{
		provider:     provider,
		registry:     registry,
		kv:           kv,
		systemPrompt: systemPrompt,
		tracer:       tracer,
		logger:       logger,
	}
}

// BuildMessages assembles the prompt: system, then the user-data and
// summary memory blocks (summary first), then the window, then text as
// the current user message. text may be empty on loop-back iterations
// where the window already ends with a tool result.
func (a *AssistantAgent) BuildMessages(ctx context.Context, task *Task, text string) []ChatMessage {
	msgs := []ChatMessage{SystemMessage(a.systemPrompt)}
	if a.kv != nil {
		var blocks []string
		if summary, err := a.kv.Get(ctx, userSummaryKey(task.UserID)); err == nil && summary != "" {
			blocks = append(blocks, "Conversation summary:\n"+summary)
		}
		if data, err := a.kv.Get(ctx, userDataKey(task.UserID)); err == nil && data != "" {
			blocks = append(blocks, "Known user details:\n"+data)
		}
		if len(blocks) > 0 {
			msgs = append(msgs, SystemMessage(strings.Join(blocks, "\n\n")))
		}
	}
	for _, m := range task.Window {
		switch m.Role {
		case "assistant":
			msgs = append(msgs, AssistantMessage(m.Text))
		case "tool":
			msgs = append(msgs, ToolMessage(m.Text))
		default:
			msgs = append(msgs, UserMessage(m.Text))
		}
	}
	if text != "" {
		msgs = append(msgs, UserMessage(text))
	}
	return msgs
}

// Respond makes one non-streaming model call for the task. Inline tool
// calls embedded in the text are promoted to structured ones; a turn
// carrying both text and tool calls keeps the tool calls.
func (a *AssistantAgent) Respond(ctx context.Context, task *Task, text string, reasoning bool) (ChatResponse, error) {
	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "agent.respond",
			StringAttr("task_id", task.ID),
			IntAttr("iteration", task.Iteration))
		defer span.End()
	}
	req := ChatRequest{Messages: a.BuildMessages(ctx, task, text), Reasoning: reasoning}
	if a.registry != nil {
		req.Tools = a.registry.Descriptors()
	}
	resp, err := a.provider.Chat(ctx, req)
	if err != nil {
		return ChatResponse{}, err
	}
	if len(resp.ToolCalls) == 0 {
		clean, calls := ExtractToolCalls(resp.Content)
		if len(calls) > 0 {
			resp.Content = clean
			resp.ToolCalls = calls
		}
	}
	return resp, nil
}

// RespondStream opens a token stream for the task's final turn. Tools are
// never offered on a streamed call; tool iterations go through Respond.
func (a *AssistantAgent) RespondStream(ctx context.Context, task *Task, text string, reasoning bool) (TokenStream, error) {
	req := ChatRequest{Messages: a.BuildMessages(ctx, task, text), Reasoning: reasoning}
	return a.provider.ChatStream(ctx, req)
}

// ExtractToolCalls scans text for inline JSON objects of the form
// {"tool": "...", "params": {...}} and returns the text with those
// objects removed plus the parsed calls. Models that lack native tool
// calling fall back to this shape.
func ExtractToolCalls(text string) (string, []ToolCall) {
	var calls []ToolCall
	var clean strings.Builder
	i := 0
	for i < len(text) {
		start := strings.IndexByte(text[i:], '{')
		if start < 0 {
			clean.WriteString(text[i:])
			break
		}
		start += i
		end, ok := matchBraces(text, start)
		if !ok {
			clean.WriteString(text[i:])
			break
		}
		candidate := text[start : end+1]
		var probe struct {
			Tool   string          `json:"tool"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal([]byte(candidate), &probe) == nil && probe.Tool != "" {
			params := probe.Params
			if len(params) == 0 {
				params = json.RawMessage(`{}`)
			}
			calls = append(calls, ToolCall{Name: probe.Tool, Args: params})
			clean.WriteString(text[i:start])
			i = end + 1
			continue
		}
		clean.WriteString(text[i : end+1])
		i = end + 1
	}
	return strings.TrimSpace(clean.String()), calls
}

// matchBraces returns the index of the brace closing the one at start,
// skipping braces inside JSON strings.
func matchBraces(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// HumanizeModelError maps a provider failure to a short user-facing
// string. The full error stays in logs and audit, never in chat.
func HumanizeModelError(err error) string {
	var h *ErrHTTP
	if errors.As(err, &h) {
		switch {
		case h.Status == 401 || h.Status == 403:
			return "The model rejected my credentials. Check the configured API key."
		case h.Status == 429:
			return "The model is rate limiting us right now. Try again in a minute."
		case h.Status >= 500:
			return "The model service is having trouble. Try again shortly."
		}
	}
	var m *ErrModel
	if errors.As(err, &m) {
		return "I couldn't reach the model. It may be down or unreachable."
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The model took too long to answer. Try again."
	}
	return "Something went wrong while generating a reply."
}

// ToolAgent dispatches ToolRequests: schema validation, skill lookup,
// sandboxed execution under the skill's timeout, audit, ToolResult.
type ToolAgent struct {
	registry *Registry
	auditor  Auditor
	tracer   Tracer
	logger   *slog.Logger
}

// NewToolAgent wires a dispatcher over registry.
func NewToolAgent(registry *Registry, auditor Auditor, tracer Tracer, logger *slog.Logger) *ToolAgent {
	if auditor == nil {
		auditor = NopAuditor{}
	}
	if logger == nil {
		logger = nopLogger
	}
	return &ToolAgent{registry: registry, auditor: auditor, tracer: tracer, logger: logger}
}

// HandleRequest runs one tool request to completion. Failures come back
// as ok=false results, never as errors: the loop must continue either way.
func (t *ToolAgent) HandleRequest(ctx context.Context, req ToolRequest) ToolResult {
	if t.tracer != nil {
		var span Span
		ctx, span = t.tracer.Start(ctx, "tool.dispatch",
			StringAttr("task_id", req.TaskID),
			StringAttr("skill", req.Name))
		defer span.End()
	}
	res := ToolResult{TaskID: req.TaskID, Name: req.Name}

	skill, err := t.registry.Get(req.Name)
	if err != nil {
		res.Error = "unknown skill: " + req.Name
		t.audit(ctx, req, "unknown", 0)
		return res
	}
	if err := t.registry.Validate(req.Name, req.Arguments); err != nil {
		res.Error = err.Error()
		t.audit(ctx, req, "invalid_args", 0)
		return res
	}

	d := skill.Descriptor()
	timeout := DefaultSandboxTimeout
	if d.Sandbox.TimeoutSeconds > 0 {
		timeout = time.Duration(d.Sandbox.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := skill.Invoke(runCtx, req.Arguments)
	elapsed := time.Since(start)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			res.Error = fmt.Sprintf("skill timed out after %s", timeout)
		} else {
			res.Error = err.Error()
		}
		t.logger.Warn("skill failed", "task_id", req.TaskID, "skill", req.Name, "error", err)
		t.audit(ctx, req, "error", elapsed)
		return res
	}
	res.OK = true
	res.Result = out
	t.audit(ctx, req, "ok", elapsed)
	return res
}

func (t *ToolAgent) audit(ctx context.Context, req ToolRequest, outcome string, d time.Duration) {
	masked := false
	if skill, err := t.registry.Get(req.Name); err == nil {
		masked = skill.Descriptor().SecretSensitive
	}
	t.auditor.Record(ctx, NewAuditEntry("task:"+req.TaskID, AuditSkillResult,
		json.RawMessage(req.Arguments), outcome, d, masked))
}
