package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ConfirmSkillName is the built-in pseudo-skill a model calls to ask the
// human for confirmation mid-task. The Orchestrator intercepts it and
// routes through the ConfirmationStore instead of the skill dispatcher.
const ConfirmSkillName = "ask_confirmation"

// OrchestratorConfig bounds the task loop.
type OrchestratorConfig struct {
	WorkerID         string
	AutonomousMode   bool
	MaxIterations    int
	QualityThreshold float64

	// StreamReplies fans the final reply out as StreamToken envelopes
	// before the closing OutgoingReply.
	StreamReplies bool

	TaskDeadline time.Duration
	ToolWait     time.Duration
	ClaimTTL     time.Duration
}

func (c *OrchestratorConfig) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = NewID()
	}
	if c.MaxIterations < 1 {
		c.MaxIterations = 5
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 0.8
	}
	if c.TaskDeadline <= 0 {
		c.TaskDeadline = 10 * time.Minute
	}
	if c.ToolWait <= 0 {
		c.ToolWait = 2 * time.Minute
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = time.Minute
	}
}

// Orchestrator owns the task state machine: it claims each incoming
// message, drives the model/tool loop, fans tokens out to the stream
// topic, and finalizes the task exactly once.
type Orchestrator struct {
	bus      Bus
	tasks    *TaskStore
	agent    *AssistantAgent
	confirms *ConfirmationStore
	cfg      OrchestratorConfig
	tracer   Tracer
	logger   *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan ToolResult
}

// NewOrchestrator wires an orchestrator. confirms may be nil when the
// confirmation pseudo-skill is not offered.
func NewOrchestrator(bus Bus, tasks *TaskStore, agent *AssistantAgent, confirms *ConfirmationStore, cfg OrchestratorConfig, tracer Tracer, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = nopLogger
	}
	return &Orchestrator{
		bus:      bus,
		tasks:    tasks,
		agent:    agent,
		confirms: confirms,
		cfg:      cfg,
		tracer:   tracer,
		logger:   logger,
		waiters:  make(map[string]chan ToolResult),
	}
}

// Run consumes incoming messages until ctx is cancelled. Each message
// becomes one task handled on its own goroutine.
func (o *Orchestrator) Run(ctx context.Context) error {
	subIn, err := o.bus.Subscribe(ctx, TopicIncoming)
	if err != nil {
		return err
	}
	defer subIn.Close()
	subRes, err := o.bus.Subscribe(ctx, TopicToolResult)
	if err != nil {
		return err
	}
	defer subRes.Close()

	go o.routeToolResults(subRes)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-subIn.C():
			if !ok {
				return &ErrBusUnavailable{Op: "subscribe incoming", Err: fmt.Errorf("subscription closed")}
			}
			if d.Gap {
				o.logger.Warn("incoming subscription gap, deliveries may be lost")
				continue
			}
			if d.Envelope.Kind != KindIncomingMessage {
				continue
			}
			var msg IncomingMessage
			if err := d.Envelope.Decode(&msg); err != nil {
				o.logger.Warn("undecodable incoming message", "error", err)
				continue
			}
			go o.HandleIncoming(ctx, msg)
		}
	}
}

func (o *Orchestrator) routeToolResults(sub Subscription) {
	for d := range sub.C() {
		if d.Gap || d.Envelope.Kind != KindToolResult {
			continue
		}
		var res ToolResult
		if err := d.Envelope.Decode(&res); err != nil {
			continue
		}
		o.mu.Lock()
		ch := o.waiters[res.TaskID]
		o.mu.Unlock()
		if ch != nil {
			select {
			case ch <- res:
			default: // waiter already gone or duplicate result
			}
		}
	}
}

// HandleIncoming creates, claims and runs one task for msg. Exported so
// in-process wiring and tests can bypass the subscription.
func (o *Orchestrator) HandleIncoming(ctx context.Context, msg IncomingMessage) {
	// Every worker on the fabric sees this delivery; the message claim
	// decides which one turns it into a task. Losers drop silently.
	if msg.MessageID != "" {
		won, err := o.tasks.ClaimMessage(ctx, msg.Channel, msg.MessageID, o.cfg.WorkerID, TerminalTaskTTL)
		if err != nil {
			o.logger.Error("claim message", "message_id", msg.MessageID, "error", err)
			return
		}
		if !won {
			return
		}
	}
	id, err := o.tasks.Create(ctx, Task{
		UserID:    msg.UserID,
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		Status:    StatusPending,
	})
	if err != nil {
		o.logger.Error("create task", "user_id", msg.UserID, "error", err)
		return
	}
	ok, err := o.tasks.Claim(ctx, id, o.cfg.WorkerID, o.cfg.ClaimTTL)
	if err != nil || !ok {
		// Someone re-created and claimed the same task id first.
		return
	}
	if err := o.tasks.AppendMessage(ctx, id, "user", msg.Text); err != nil {
		o.logger.Error("append user message", "task_id", id, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.TaskDeadline)
	defer cancel()
	go o.keepClaim(ctx, id, cancel)

	if ok, err := o.tasks.Transition(ctx, id, StatusPending, StatusRunning, nil); err != nil || !ok {
		o.logger.Error("task never started", "task_id", id, "error", err)
		return
	}
	t, err := o.tasks.Get(ctx, id)
	if err != nil {
		o.logger.Error("load claimed task", "task_id", id, "error", err)
		return
	}
	o.runTask(ctx, t, msg)
}

// keepClaim refreshes the task claim while the task runs. Losing the
// claim cancels the task context.
func (o *Orchestrator) keepClaim(ctx context.Context, id string, cancel context.CancelFunc) {
	ticker := time.NewTicker(o.cfg.ClaimTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := o.tasks.RefreshClaim(ctx, id, o.cfg.WorkerID, o.cfg.ClaimTTL)
			if err != nil || !ok {
				o.logger.Warn("lost task claim", "task_id", id)
				cancel()
				return
			}
		}
	}
}

func (o *Orchestrator) runTask(ctx context.Context, t Task, msg IncomingMessage) {
	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "task.run",
			StringAttr("task_id", t.ID),
			StringAttr("channel", t.Channel))
		defer span.End()
	}

	var lastContent string
	for iter := 1; ; iter++ {
		if iter > o.cfg.MaxIterations {
			o.finalize(ctx, &t, lastContent+"\n\n(iteration limit reached)")
			return
		}
		o.setIteration(ctx, t.ID, iter)
		t.Iteration = iter

		// Final turns stream straight from the model only when no skills
		// are on offer; a turn that may carry a tool call cannot stream.
		if o.cfg.StreamReplies && o.agent.registry == nil {
			o.streamFinal(ctx, &t, msg.ReasoningRequested)
			return
		}

		resp, err := o.agent.Respond(ctx, &t, "", msg.ReasoningRequested)
		if err != nil {
			o.fail(ctx, &t, HumanizeModelError(err), err)
			return
		}

		if len(resp.ToolCalls) > 0 {
			// Tool request wins over text in the same turn.
			call := resp.ToolCalls[0]
			if !o.cfg.AutonomousMode {
				diag := fmt.Sprintf("%s\n\n[tool requested but autonomous mode is off: %s %s]",
					resp.Content, call.Name, string(call.Args))
				o.finalize(ctx, &t, diag)
				return
			}
			var res ToolResult
			if call.Name == ConfirmSkillName && o.confirms != nil {
				res = o.awaitConfirmation(ctx, &t, call)
			} else {
				res = o.dispatchTool(ctx, &t, call)
			}
			if ctx.Err() != nil {
				o.fail(ctx, &t, "Sorry, something went wrong on my side.", ctx.Err())
				return
			}
			o.appendToolMessage(ctx, &t, res)
			if ok, _ := o.tasks.Transition(ctx, t.ID, StatusAwaitingTool, StatusRunning, nil); !ok {
				_, _ = o.tasks.Transition(ctx, t.ID, StatusAwaitingConfirmation, StatusRunning, nil)
			}
			if fresh, err := o.tasks.Get(ctx, t.ID); err == nil {
				t = fresh
			}
			continue
		}

		lastContent = resp.Content
		if resp.Quality > 0 && resp.Quality < o.cfg.QualityThreshold && iter < o.cfg.MaxIterations {
			// Below the bar with budget left: keep the draft and iterate.
			_ = o.tasks.AppendMessage(ctx, t.ID, "assistant", resp.Content)
			_ = o.tasks.AppendMessage(ctx, t.ID, "user", "Improve your previous answer.")
			if fresh, err := o.tasks.Get(ctx, t.ID); err == nil {
				t = fresh
			}
			continue
		}
		o.finalize(ctx, &t, resp.Content)
		return
	}
}

func (o *Orchestrator) setIteration(ctx context.Context, id string, iter int) {
	_, _ = o.tasks.Transition(ctx, id, StatusRunning, StatusRunning, func(t *Task) {
		t.Iteration = iter
	})
}

// dispatchTool publishes the ToolRequest and blocks for the matching
// ToolResult. Wait expiry comes back as an ok=false result so the loop
// continues; only bus loss fails the task.
func (o *Orchestrator) dispatchTool(ctx context.Context, t *Task, call ToolCall) ToolResult {
	ch := make(chan ToolResult, 1)
	o.mu.Lock()
	o.waiters[t.ID] = ch
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waiters, t.ID)
		o.mu.Unlock()
	}()

	env, err := Seal(KindToolRequest, t.ID, t.Channel, 0, ToolRequest{
		TaskID:    t.ID,
		Name:      call.Name,
		Arguments: call.Args,
	})
	if err != nil {
		return ToolResult{TaskID: t.ID, Name: call.Name, Error: err.Error()}
	}
	if err := o.bus.Publish(ctx, TopicToolRequest, env); err != nil {
		o.fail(ctx, t, "Sorry, something went wrong on my side.", err)
		return ToolResult{TaskID: t.ID, Name: call.Name, Error: "bus unavailable"}
	}
	_, _ = o.tasks.Transition(ctx, t.ID, StatusRunning, StatusAwaitingTool, nil)

	timer := time.NewTimer(o.cfg.ToolWait)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res
	case <-timer.C:
		return ToolResult{TaskID: t.ID, Name: call.Name, Error: "tool wait timed out"}
	case <-ctx.Done():
		return ToolResult{TaskID: t.ID, Name: call.Name, Error: "task cancelled"}
	}
}

// awaitConfirmation runs the confirmation path: create the record,
// transition to awaiting_confirmation, block for the ConfirmationResult
// on the record's event topic. Timeout is a rejection, not a failure.
func (o *Orchestrator) awaitConfirmation(ctx context.Context, t *Task, call ToolCall) ToolResult {
	var args struct {
		Message    string `json:"message"`
		TimeoutSec int    `json:"timeout_sec"`
	}
	if err := json.Unmarshal(call.Args, &args); err != nil || args.Message == "" {
		return ToolResult{TaskID: t.ID, Name: call.Name, Error: "ask_confirmation needs a message"}
	}
	endpointID := "task:" + t.ID

	// Subscribe before creating the record: the topic has no replay.
	sub, err := o.bus.Subscribe(ctx, TopicMCPEvents(endpointID))
	if err != nil {
		o.fail(ctx, t, "Sorry, something went wrong on my side.", err)
		return ToolResult{TaskID: t.ID, Name: call.Name, Error: "bus unavailable"}
	}
	defer sub.Close()

	rec, err := o.confirms.Create(ctx, endpointID, t.ChatID, args.Message, time.Duration(args.TimeoutSec)*time.Second)
	if err != nil {
		return ToolResult{TaskID: t.ID, Name: call.Name, Error: "confirmation unavailable: " + err.Error()}
	}
	_, _ = o.tasks.Transition(ctx, t.ID, StatusRunning, StatusAwaitingConfirmation, nil)

	deadline := time.Until(time.Unix(rec.DeadlineTS, 0)) + 5*time.Second
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case d, ok := <-sub.C():
			if !ok {
				return confirmToolResult(t.ID, call.Name, string(OutcomeRejected), "")
			}
			if d.Envelope.Kind != KindConfirmationResult {
				continue
			}
			var res ConfirmationResult
			if d.Envelope.Decode(&res) != nil || res.CorrelationID != rec.ID {
				continue
			}
			outcome := res.Outcome
			if outcome == string(OutcomeTimeout) {
				outcome = string(OutcomeRejected)
			}
			return confirmToolResult(t.ID, call.Name, outcome, res.Reply)
		case <-timer.C:
			// Sweeper result never arrived; treat as rejection.
			return confirmToolResult(t.ID, call.Name, string(OutcomeRejected), "")
		case <-ctx.Done():
			return ToolResult{TaskID: t.ID, Name: call.Name, Error: "task cancelled"}
		}
	}
}

func confirmToolResult(taskID, name, outcome, reply string) ToolResult {
	body, _ := json.Marshal(map[string]any{
		"confirmed": outcome == string(OutcomeConfirmed),
		"outcome":   outcome,
		"reply":     reply,
	})
	return ToolResult{TaskID: taskID, Name: name, OK: true, Result: body}
}

func (o *Orchestrator) appendToolMessage(ctx context.Context, t *Task, res ToolResult) {
	var text string
	if res.OK {
		text = fmt.Sprintf("%s returned: %s", res.Name, string(res.Result))
	} else {
		text = fmt.Sprintf("%s failed: %s", res.Name, res.Error)
	}
	_ = o.tasks.AppendMessage(ctx, t.ID, "tool", text)
}

// streamFinal pulls a model token stream and fans it out as StreamToken
// envelopes with monotonically increasing seq, then finalizes. A stream
// that dies mid-flight still gets its partial flushed and a done marker,
// and the final reply carries the interruption suffix so every adapter
// shows it on the closing sync edit.
func (o *Orchestrator) streamFinal(ctx context.Context, t *Task, reasoning bool) {
	stream, err := o.agent.RespondStream(ctx, t, "", reasoning)
	if err != nil {
		o.fail(ctx, t, HumanizeModelError(err), err)
		return
	}
	defer stream.Close()

	var seq uint64
	var assembled StreamAssembler
	interrupted := false
	for {
		token, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			o.logger.Warn("stream interrupted", "task_id", t.ID, "error", err)
			interrupted = true
			break
		}
		seq++
		assembled.Append(token)
		if err := o.publishToken(ctx, t, seq, token, false); err != nil {
			o.fail(ctx, t, "Sorry, something went wrong on my side.", err)
			return
		}
	}
	seq++
	if err := o.publishToken(ctx, t, seq, "", true); err != nil {
		o.fail(ctx, t, "Sorry, something went wrong on my side.", err)
		return
	}
	text := assembled.Finish()
	if interrupted {
		text += "\n\n(connection interrupted)"
	}
	o.finalize(ctx, t, text)
}

func (o *Orchestrator) publishToken(ctx context.Context, t *Task, seq uint64, token string, done bool) error {
	env, err := Seal(KindStreamToken, t.ID, t.Channel, seq, StreamToken{
		TaskID:  t.ID,
		ChatID:  t.ChatID,
		Channel: t.Channel,
		Seq:     seq,
		Token:   token,
		Done:    done,
	})
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, TopicStreamToken, env)
}

// streamFanOut re-emits a completed reply as StreamToken envelopes so
// adapters can live-edit even when the model turn itself could not
// stream (it had to be able to carry a tool call).
func (o *Orchestrator) streamFanOut(ctx context.Context, t *Task, text string) error {
	var seq uint64
	for _, chunk := range chunkText(text, 64) {
		seq++
		if err := o.publishToken(ctx, t, seq, chunk, false); err != nil {
			return err
		}
	}
	seq++
	return o.publishToken(ctx, t, seq, "", true)
}

// chunkText splits text into rune-bounded chunks of at most n runes.
func chunkText(text string, n int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		k := n
		if k > len(runes) {
			k = len(runes)
		}
		chunks = append(chunks, string(runes[:k]))
		runes = runes[k:]
	}
	return chunks
}

// finalize publishes the closing OutgoingReply and completes the task.
// When tokens already streamed, the reply is the adapters' final sync.
func (o *Orchestrator) finalize(ctx context.Context, t *Task, text string) {
	if o.cfg.StreamReplies && o.agent.registry != nil {
		if err := o.streamFanOut(ctx, t, text); err != nil {
			o.fail(ctx, t, "Sorry, something went wrong on my side.", err)
			return
		}
	}
	_ = o.tasks.AppendMessage(ctx, t.ID, "assistant", text)
	env, err := Seal(KindOutgoingReply, t.ID, t.Channel, 0, OutgoingReply{
		TaskID:    t.ID,
		ChatID:    t.ChatID,
		Channel:   t.Channel,
		MessageID: t.MessageID,
		Text:      text,
		Done:      true,
	})
	if err == nil {
		err = o.bus.Publish(ctx, TopicOutgoingReply, env)
	}
	if err != nil {
		o.fail(ctx, t, "", err)
		return
	}
	o.terminal(ctx, t.ID, StatusCompleted)
	o.logger.Info("task completed", "task_id", t.ID, "iterations", t.Iteration)
}

// fail marks the task failed and tells the user something went wrong,
// without leaking the underlying error into chat.
func (o *Orchestrator) fail(ctx context.Context, t *Task, userMsg string, cause error) {
	o.logger.Error("task failed", "task_id", t.ID, "error", cause)
	if userMsg != "" {
		if env, err := Seal(KindOutgoingReply, t.ID, t.Channel, 0, OutgoingReply{
			TaskID:  t.ID,
			ChatID:  t.ChatID,
			Channel: t.Channel,
			Text:    userMsg,
			Done:    true,
		}); err == nil {
			_ = o.bus.Publish(context.WithoutCancel(ctx), TopicOutgoingReply, env)
		}
	}
	o.terminal(ctx, t.ID, StatusFailed)
}

// terminal forces the task into status from whichever live state it is in.
func (o *Orchestrator) terminal(ctx context.Context, id string, status TaskStatus) {
	ctx = context.WithoutCancel(ctx)
	for _, from := range []TaskStatus{StatusRunning, StatusAwaitingTool, StatusAwaitingConfirmation, StatusPending} {
		if ok, _ := o.tasks.Transition(ctx, id, from, status, nil); ok {
			return
		}
	}
}

// SkillDispatcher is the tool-request worker: it consumes ToolRequest
// envelopes, runs them through the ToolAgent, and publishes results.
type SkillDispatcher struct {
	bus    Bus
	agent  *ToolAgent
	logger *slog.Logger
}

// NewSkillDispatcher wires a dispatcher.
func NewSkillDispatcher(bus Bus, agent *ToolAgent, logger *slog.Logger) *SkillDispatcher {
	if logger == nil {
		logger = nopLogger
	}
	return &SkillDispatcher{bus: bus, agent: agent, logger: logger}
}

// Run consumes tool requests until ctx is cancelled.
func (d *SkillDispatcher) Run(ctx context.Context) error {
	sub, err := d.bus.Subscribe(ctx, TopicToolRequest)
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case del, ok := <-sub.C():
			if !ok {
				return &ErrBusUnavailable{Op: "subscribe tool_request", Err: fmt.Errorf("subscription closed")}
			}
			if del.Gap || del.Envelope.Kind != KindToolRequest {
				continue
			}
			var req ToolRequest
			if err := del.Envelope.Decode(&req); err != nil {
				d.logger.Warn("undecodable tool request", "error", err)
				continue
			}
			go d.handle(ctx, req)
		}
	}
}

func (d *SkillDispatcher) handle(ctx context.Context, req ToolRequest) {
	res := d.agent.HandleRequest(ctx, req)
	env, err := Seal(KindToolResult, req.TaskID, "", 0, res)
	if err != nil {
		d.logger.Error("seal tool result", "task_id", req.TaskID, "error", err)
		return
	}
	if err := d.bus.Publish(ctx, TopicToolResult, env); err != nil {
		d.logger.Error("publish tool result", "task_id", req.TaskID, "error", err)
	}
}
