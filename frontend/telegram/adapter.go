// Package telegram is the Telegram channel adapter: it bridges Bot API
// updates onto the bus as IncomingMessages and renders OutgoingReply and
// StreamToken envelopes back into chat messages.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	relay "github.com/nevindra/relay"
	"github.com/nevindra/relay/mcp"
)

// Channel is the channel tag this adapter stamps on envelopes.
const Channel = "telegram"

// BotAPI is the Bot API surface the adapter uses. *Client implements it;
// tests substitute a fake.
type BotAPI interface {
	GetUpdates(ctx context.Context, offset int64, timeoutSec int) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, html string, keyboard *InlineKeyboardMarkup) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, html string) error
	AnswerCallbackQuery(ctx context.Context, queryID, text string) error
}

// Config bounds the adapter.
type Config struct {
	AllowedUserIDs []int64
	PairingMode    bool

	// EditInterval is the minimum spacing between live edits of one
	// streamed message. Telegram throttles faster edit rates.
	EditInterval time.Duration

	// GraceWindow routes a plain reply to the newest pending
	// confirmation for the chat.
	GraceWindow time.Duration

	// StaleAfter abandons a stream that stopped producing tokens
	// without a done marker.
	StaleAfter time.Duration
}

func (c *Config) applyDefaults() {
	if c.EditInterval <= 0 {
		c.EditInterval = 250 * time.Millisecond
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
}

const allowedUserKeyPrefix = "telegram:allowed:"

// streamState is the one live-edited message for a streaming task.
type streamState struct {
	chatID    int64
	messageID int64
	assembler relay.StreamAssembler
	lastEdit  time.Time
	lastSeen  time.Time
	done      bool
}

// Adapter runs the Telegram side of the fabric.
type Adapter struct {
	bus       relay.Bus
	kv        relay.KV
	api       BotAPI
	confirms  *relay.ConfirmationStore
	endpoints *mcp.Registry
	limiter   *relay.RateLimiter
	cfg       Config
	logger    *slog.Logger

	mu      sync.Mutex
	allowed map[int64]bool
	streams map[string]*streamState
	checker *relay.StreamChecker
}

// New wires the adapter. endpoints may be nil to disable /dev feedback.
func New(bus relay.Bus, api BotAPI, confirms *relay.ConfirmationStore, endpoints *mcp.Registry, limiter *relay.RateLimiter, cfg Config, logger *slog.Logger) *Adapter {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	allowed := make(map[int64]bool, len(cfg.AllowedUserIDs))
	for _, id := range cfg.AllowedUserIDs {
		allowed[id] = true
	}
	return &Adapter{
		bus:       bus,
		kv:        bus.KV(""),
		api:       api,
		confirms:  confirms,
		endpoints: endpoints,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
		allowed:   allowed,
		streams:   make(map[string]*streamState),
		checker:   relay.NewStreamChecker(),
	}
}

// Run polls updates and consumes reply topics until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	a.loadPairedUsers(ctx)

	replies, err := a.bus.Subscribe(ctx, relay.TopicOutgoingReply)
	if err != nil {
		return err
	}
	defer replies.Close()
	tokens, err := a.bus.Subscribe(ctx, relay.TopicStreamToken)
	if err != nil {
		return err
	}
	defer tokens.Close()

	go a.pollLoop(ctx)
	go a.staleLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-replies.C():
			if !ok {
				return &relay.ErrBusUnavailable{Op: "subscribe outgoing_reply", Err: fmt.Errorf("subscription closed")}
			}
			a.handleReplyDelivery(ctx, d)
		case d, ok := <-tokens.C():
			if !ok {
				return &relay.ErrBusUnavailable{Op: "subscribe stream_token", Err: fmt.Errorf("subscription closed")}
			}
			a.handleTokenDelivery(ctx, d)
		}
	}
}

// --- incoming side ---

func (a *Adapter) pollLoop(ctx context.Context) {
	var offset int64
	for ctx.Err() == nil {
		updates, err := a.api.GetUpdates(ctx, offset, 30)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("getUpdates failed", "error", err)
			time.Sleep(2 * time.Second)
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			a.handleUpdate(ctx, u)
		}
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, u Update) {
	if u.CallbackQuery != nil {
		a.handleCallback(ctx, *u.CallbackQuery)
		return
	}
	msg := u.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID
	chatStr := strconv.FormatInt(chatID, 10)
	text := msg.Text

	if strings.HasPrefix(text, "/start") {
		a.handleStart(ctx, userID, chatID)
		return
	}
	if !a.isAllowed(userID) {
		a.logger.Info("ignoring message from unknown user", "user_id", userID)
		return
	}

	// A plain reply inside the grace window resolves the newest pending
	// confirmation for this chat.
	if a.confirms != nil {
		if rec, ok := a.confirms.PendingForChat(ctx, chatStr); ok &&
			time.Since(time.Unix(rec.CreatedAt, 0)) <= a.cfg.GraceWindow {
			if resolved, err := a.confirms.Resolve(ctx, rec.ID, relay.OutcomeReplied, text); err == nil && resolved {
				a.send(ctx, chatID, "Got it, passed along.")
				return
			}
		}
	}

	if rest, ok := strings.CutPrefix(text, "/dev "); ok {
		a.handleFeedback(ctx, chatStr, rest)
		a.send(ctx, chatID, "Noted.")
		return
	}

	if a.limiter != nil {
		ok, err := a.limiter.Allow(ctx, strconv.FormatInt(userID, 10))
		if err != nil || !ok {
			a.send(ctx, chatID, "You're sending messages a bit fast. Give me a moment.")
			return
		}
	}

	reasoning := false
	if rest, ok := strings.CutPrefix(text, "/think "); ok {
		reasoning = true
		text = rest
	}

	env, err := relay.Seal(relay.KindIncomingMessage, "", Channel, 0, relay.IncomingMessage{
		MessageID:          strconv.FormatInt(msg.MessageID, 10),
		UserID:             strconv.FormatInt(userID, 10),
		ChatID:             chatStr,
		Channel:            Channel,
		Text:               text,
		ReasoningRequested: reasoning,
	})
	if err != nil {
		a.logger.Error("seal incoming message", "error", err)
		return
	}
	if err := a.bus.Publish(ctx, relay.TopicIncoming, env); err != nil {
		a.logger.Error("publish incoming message", "error", err)
		a.send(ctx, chatID, "Sorry, I couldn't accept that right now.")
	}
}

func (a *Adapter) handleStart(ctx context.Context, userID, chatID int64) {
	if a.isAllowed(userID) {
		a.send(ctx, chatID, "Ready when you are.")
		return
	}
	if !a.cfg.PairingMode {
		return
	}
	a.mu.Lock()
	a.allowed[userID] = true
	a.mu.Unlock()
	_ = a.kv.Set(ctx, allowedUserKeyPrefix+strconv.FormatInt(userID, 10), "1", 0)
	a.logger.Info("paired new user", "user_id", userID)
	a.send(ctx, chatID, "Paired. Ready when you are.")
}

func (a *Adapter) handleFeedback(ctx context.Context, chatStr, text string) {
	if a.endpoints == nil {
		return
	}
	ep, ok := a.endpoints.ByChat(ctx, chatStr)
	if !ok {
		return
	}
	fb := relay.FeedbackMessage{EndpointID: ep.ID, ChatID: chatStr, Text: text}
	if item, err := json.Marshal(map[string]any{"type": "feedback", "text": text}); err == nil {
		_ = a.kv.Push(ctx, relay.FeedbackQueueKey(ep.ID), string(item), relay.ConfirmationTTL)
	}
	if env, err := relay.Seal(relay.KindFeedbackMessage, "", Channel, 0, fb); err == nil {
		_ = a.bus.Publish(ctx, relay.TopicMCPEvents(ep.ID), env)
	}
}

func (a *Adapter) handleCallback(ctx context.Context, cb CallbackQuery) {
	action, id, ok := strings.Cut(cb.Data, ":")
	if !ok || a.confirms == nil {
		return
	}
	var outcome relay.ConfirmationOutcome
	switch action {
	case "confirm":
		outcome = relay.OutcomeConfirmed
	case "reject":
		outcome = relay.OutcomeRejected
	default:
		return
	}
	resolved, err := a.confirms.Resolve(ctx, id, outcome, "")
	switch {
	case err != nil:
		a.logger.Warn("resolve confirmation", "correlation_id", id, "error", err)
		_ = a.api.AnswerCallbackQuery(ctx, cb.ID, "Something went wrong.")
	case resolved:
		_ = a.api.AnswerCallbackQuery(ctx, cb.ID, "Recorded.")
	default:
		// Late click: record already resolved, nothing changes.
		_ = a.api.AnswerCallbackQuery(ctx, cb.ID, "Already answered.")
	}
}

func (a *Adapter) isAllowed(userID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allowed[userID]
}

func (a *Adapter) loadPairedUsers(ctx context.Context) {
	keys, err := a.kv.List(ctx, allowedUserKeyPrefix)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range keys {
		if id, err := strconv.ParseInt(strings.TrimPrefix(k, allowedUserKeyPrefix), 10, 64); err == nil {
			a.allowed[id] = true
		}
	}
}

// --- outgoing side ---

func (a *Adapter) handleReplyDelivery(ctx context.Context, d relay.Delivery) {
	if d.Gap {
		a.abandonStreams(ctx, "(connection interrupted)")
		return
	}
	switch d.Envelope.Kind {
	case relay.KindOutgoingReply:
		var reply relay.OutgoingReply
		if d.Envelope.Decode(&reply) != nil || (reply.Channel != "" && reply.Channel != Channel) {
			return
		}
		a.deliverReply(ctx, reply)
	case relay.KindConfirmationRequest:
		var req relay.ConfirmationRequest
		if d.Envelope.Decode(&req) != nil {
			return
		}
		a.postConfirmation(ctx, req)
	}
}

func (a *Adapter) deliverReply(ctx context.Context, reply relay.OutgoingReply) {
	chatID, err := strconv.ParseInt(reply.ChatID, 10, 64)
	if err != nil {
		return
	}
	text := StripThink(reply.Text)

	// Final sync for a streamed task: apply the reply text as the last
	// edit of the live message, even after done=true.
	a.mu.Lock()
	st := a.streams[reply.TaskID]
	if st != nil {
		delete(a.streams, reply.TaskID)
		a.checker.Forget(reply.TaskID)
	}
	a.mu.Unlock()
	if st != nil && st.messageID != 0 {
		if err := a.api.EditMessageText(ctx, st.chatID, st.messageID, RenderHTML(text)); err != nil {
			a.logger.Warn("final stream edit", "task_id", reply.TaskID, "error", err)
		}
		return
	}
	a.send(ctx, chatID, text)
}

func (a *Adapter) postConfirmation(ctx context.Context, req relay.ConfirmationRequest) {
	chatID, err := strconv.ParseInt(req.ChatID, 10, 64)
	if err != nil {
		return
	}
	keyboard := &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{{
		{Text: "Confirm", CallbackData: "confirm:" + req.CorrelationID},
		{Text: "Reject", CallbackData: "reject:" + req.CorrelationID},
	}}}
	if _, err := a.api.SendMessage(ctx, chatID, RenderHTML(StripThink(req.Message)), keyboard); err != nil {
		a.logger.Error("post confirmation prompt", "correlation_id", req.CorrelationID, "error", err)
	}
}

func (a *Adapter) handleTokenDelivery(ctx context.Context, d relay.Delivery) {
	if d.Gap {
		a.abandonStreams(ctx, "(connection interrupted)")
		return
	}
	if d.Envelope.Kind != relay.KindStreamToken {
		return
	}
	var tok relay.StreamToken
	if d.Envelope.Decode(&tok) != nil || (tok.Channel != "" && tok.Channel != Channel) {
		return
	}

	a.mu.Lock()
	accept, err := a.checker.Observe(tok)
	if err != nil {
		// Sequence gap: the stream is lost for good.
		st := a.streams[tok.TaskID]
		delete(a.streams, tok.TaskID)
		a.checker.Forget(tok.TaskID)
		a.mu.Unlock()
		a.logger.Error("stream sequence gap", "task_id", tok.TaskID, "error", err)
		if st != nil && st.messageID != 0 {
			_ = a.api.EditMessageText(ctx, st.chatID, st.messageID,
				RenderHTML(StripThink(st.assembler.Text())+" (connection interrupted)"))
		}
		return
	}
	if !accept {
		return // late token, dropped
	}
	st := a.streams[tok.TaskID]
	if st == nil {
		chatID, perr := strconv.ParseInt(tok.ChatID, 10, 64)
		if perr != nil {
			a.mu.Unlock()
			return
		}
		st = &streamState{chatID: chatID}
		a.streams[tok.TaskID] = st
	}
	st.lastSeen = time.Now()
	if tok.Token != "" {
		st.assembler.Append(tok.Token)
	}
	if tok.Done {
		st.done = true
	}
	a.mu.Unlock()

	a.renderStream(ctx, tok.TaskID, st, tok.Done)
}

// renderStream creates or edits the live message, honoring the minimum
// edit interval except for the final edit.
func (a *Adapter) renderStream(ctx context.Context, taskID string, st *streamState, final bool) {
	a.mu.Lock()
	text := StripThink(st.assembler.Text())
	if text == "" {
		a.mu.Unlock()
		return
	}
	if !final && time.Since(st.lastEdit) < a.cfg.EditInterval {
		a.mu.Unlock()
		return
	}
	st.lastEdit = time.Now()
	chatID, messageID := st.chatID, st.messageID
	a.mu.Unlock()

	html := RenderHTML(text)
	if messageID == 0 {
		id, err := a.api.SendMessage(ctx, chatID, html, nil)
		if err != nil {
			a.logger.Warn("open stream message", "task_id", taskID, "error", err)
			return
		}
		a.mu.Lock()
		st.messageID = id
		a.mu.Unlock()
		return
	}
	if err := a.api.EditMessageText(ctx, chatID, messageID, html); err != nil {
		a.logger.Warn("edit stream message", "task_id", taskID, "error", err)
	}
}

// staleLoop abandons streams whose producer went quiet without a done
// marker and reaps finished states that never saw a final sync.
func (a *Adapter) staleLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reapStale(ctx)
		}
	}
}

func (a *Adapter) reapStale(ctx context.Context) {
	now := time.Now()
	type finalEdit struct {
		chatID, messageID int64
		text              string
	}
	var edits []finalEdit
	a.mu.Lock()
	for taskID, st := range a.streams {
		switch {
		case !st.done && now.Sub(st.lastSeen) > a.cfg.StaleAfter:
			if st.messageID != 0 {
				edits = append(edits, finalEdit{st.chatID, st.messageID,
					StripThink(st.assembler.Text()) + " (connection interrupted)"})
			}
			delete(a.streams, taskID)
			a.checker.Forget(taskID)
		case st.done && now.Sub(st.lastSeen) > 2*time.Minute:
			delete(a.streams, taskID)
			a.checker.Forget(taskID)
		}
	}
	a.mu.Unlock()
	for _, e := range edits {
		_ = a.api.EditMessageText(ctx, e.chatID, e.messageID, RenderHTML(e.text))
	}
}

func (a *Adapter) abandonStreams(ctx context.Context, suffix string) {
	a.mu.Lock()
	var edits []*streamState
	for taskID, st := range a.streams {
		if !st.done && st.messageID != 0 {
			edits = append(edits, st)
		}
		delete(a.streams, taskID)
		a.checker.Forget(taskID)
	}
	a.mu.Unlock()
	for _, st := range edits {
		_ = a.api.EditMessageText(ctx, st.chatID, st.messageID,
			RenderHTML(StripThink(st.assembler.Text())+" "+suffix))
	}
}

// send posts text to a chat, segmenting at Telegram's length limit.
func (a *Adapter) send(ctx context.Context, chatID int64, text string) {
	for _, part := range SplitMessage(text, MessageLimit) {
		if _, err := a.api.SendMessage(ctx, chatID, RenderHTML(part), nil); err != nil {
			a.logger.Error("send message", "chat_id", chatID, "error", err)
			return
		}
	}
}
