package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	relay "github.com/nevindra/relay"
)

// sseKeepalive is the comment cadence on /events streams.
const sseKeepalive = 15 * time.Second

// Server is the per-tenant HTTP gateway. Each endpoint gets a REST
// surface under /mcp/v1/agent/{endpoint_id}/ plus a JSON-RPC face on the
// base path.
type Server struct {
	bus      relay.Bus
	kv       relay.KV
	registry *Registry
	confirms *relay.ConfirmationStore
	auditor  relay.Auditor
	limiter  *relay.RateLimiter
	logger   *slog.Logger

	// channel tags OutgoingReply envelopes published on behalf of tenants.
	channel string
}

// NewServer wires the gateway. limiter bounds each authenticated tenant's
// mutating calls; nil gets a default bucket of 60 with 1/s refill.
func NewServer(bus relay.Bus, registry *Registry, confirms *relay.ConfirmationStore, auditor relay.Auditor, limiter *relay.RateLimiter, channel string, logger *slog.Logger) *Server {
	if auditor == nil {
		auditor = relay.NopAuditor{}
	}
	if limiter == nil {
		limiter = relay.NewRateLimiter(bus.KV(""), 60, 1)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if channel == "" {
		channel = "telegram"
	}
	return &Server{
		bus:      bus,
		kv:       bus.KV(""),
		registry: registry,
		confirms: confirms,
		auditor:  auditor,
		limiter:  limiter,
		logger:   logger,
		channel:  channel,
	}
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp/v1/agent/{endpoint}/notify", s.authed(s.handleNotify))
	mux.HandleFunc("POST /mcp/v1/agent/{endpoint}/question", s.authed(s.handleQuestion))
	mux.HandleFunc("POST /mcp/v1/agent/{endpoint}/confirmation", s.authed(s.handleConfirmation))
	mux.HandleFunc("GET /mcp/v1/agent/{endpoint}/replies", s.authed(s.handleReplies))
	mux.HandleFunc("GET /mcp/v1/agent/{endpoint}/events", s.authed(s.handleEvents))
	mux.HandleFunc("POST /mcp/v1/agent/{endpoint}", s.authed(s.handleRPC))
	return mux
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, ep relay.Endpoint)

// authed wraps h with bearer authentication. A failed check is a bare
// 401 with no hint about which half failed.
func (s *Server) authed(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("endpoint")
		secret, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || secret == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ep, err := s.registry.Authenticate(r.Context(), id, secret)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r, ep)
	}
}

// rateLimited consumes one token from the tenant's bucket. A limiter
// error fails open with a log line: a broken bucket must not take every
// tenant down with it.
func (s *Server) rateLimited(ctx context.Context, ep relay.Endpoint) bool {
	ok, err := s.limiter.Allow(ctx, "mcp:"+ep.ID)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", "endpoint_id", ep.ID, "error", err)
		return false
	}
	return !ok
}

// --- REST operations ---

type messageBody struct {
	Message    string `json:"message"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request, ep relay.Endpoint) {
	if s.rateLimited(r.Context(), ep) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	body, ok := s.decodeMessage(w, r)
	if !ok {
		return
	}
	if err := s.publishToChat(r.Context(), ep, body.Message); err != nil {
		s.logger.Error("notify publish", "endpoint_id", ep.ID, "error", err)
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	s.auditor.Record(r.Context(), relay.NewAuditEntry("endpoint:"+ep.ID, relay.AuditMCPNotify,
		map[string]string{"message": body.Message}, "ok", 0, false))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request, ep relay.Endpoint) {
	if s.rateLimited(r.Context(), ep) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	body, ok := s.decodeMessage(w, r)
	if !ok {
		return
	}
	// Advisory only: no correlation id, the answer (if any) arrives
	// through the feedback queue.
	if err := s.publishToChat(r.Context(), ep, body.Message); err != nil {
		s.logger.Error("question publish", "endpoint_id", ep.ID, "error", err)
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	s.auditor.Record(r.Context(), relay.NewAuditEntry("endpoint:"+ep.ID, relay.AuditMCPQuestion,
		map[string]string{"message": body.Message}, "ok", 0, false))
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request, ep relay.Endpoint) {
	if s.rateLimited(r.Context(), ep) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	body, ok := s.decodeMessage(w, r)
	if !ok {
		return
	}
	rec, err := s.confirms.Create(r.Context(), ep.ID, ep.ChatID, body.Message,
		time.Duration(body.TimeoutSec)*time.Second)
	if err != nil {
		s.logger.Error("create confirmation", "endpoint_id", ep.ID, "error", err)
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	s.auditor.Record(r.Context(), relay.NewAuditEntry("endpoint:"+ep.ID, relay.AuditConfirmRequest,
		map[string]string{"message": body.Message, "correlation_id": rec.ID}, "ok", 0, false))
	writeJSON(w, http.StatusOK, map[string]any{
		"correlation_id": rec.ID,
		"deadline_ts":    rec.DeadlineTS,
	})
}

func (s *Server) handleReplies(w http.ResponseWriter, r *http.Request, ep relay.Endpoint) {
	items, err := s.kv.Drain(r.Context(), relay.FeedbackQueueKey(ep.ID))
	if err != nil {
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	replies := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		if json.Valid([]byte(item)) {
			replies = append(replies, json.RawMessage(item))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"replies": replies})
}

// handleEvents serves the tenant's SSE stream. No replay: events emitted
// before the subscription opened are only reachable via /replies.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, ep relay.Endpoint) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, err := s.bus.Subscribe(r.Context(), relay.TopicMCPEvents(ep.ID))
	if err != nil {
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case d, open := <-sub.C():
			if !open {
				return
			}
			if d.Gap {
				continue
			}
			var event string
			switch d.Envelope.Kind {
			case relay.KindConfirmationResult:
				event = "confirmation"
			case relay.KindFeedbackMessage:
				event = "feedback"
			default:
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, d.Envelope.Payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// --- JSON-RPC face ---

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request, ep relay.Endpoint) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, response{JSONRPC: "2.0", ID: json.RawMessage("null"),
			Error: &rpcError{Code: errCodeParse, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" {
		writeJSON(w, http.StatusOK, response{JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: errCodeInvalidRequest, Message: "invalid request"}})
		return
	}
	if req.isNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    serverCapabilities{Tools: &capability{}},
			ServerInfo:      serverInfo{Name: "relay-gateway", Version: "1.0.0"},
		}
	case "tools/list":
		resp.Result = toolsListResult{Tools: gatewayTools()}
	case "tools/call":
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &rpcError{Code: errCodeInvalidParams, Message: "invalid params"}
			break
		}
		resp.Result = s.callTool(r.Context(), ep, params)
	default:
		resp.Error = &rpcError{Code: errCodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	writeJSON(w, http.StatusOK, resp)
}

func gatewayTools() []toolDefinition {
	msgSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string"},
		},
		"required": []string{"message"},
	}
	confirmSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message":     map[string]any{"type": "string"},
			"timeout_sec": map[string]any{"type": "integer"},
		},
		"required": []string{"message"},
	}
	return []toolDefinition{
		{Name: "notify", Description: "Send a notification to the user.", InputSchema: msgSchema},
		{Name: "question", Description: "Ask the user an advisory question; answers arrive via replies.", InputSchema: msgSchema},
		{Name: "ask_confirmation", Description: "Ask the user to confirm or reject; returns a correlation id.", InputSchema: confirmSchema},
		{Name: "get_replies", Description: "Drain queued feedback and confirmation resolutions.", InputSchema: map[string]any{"type": "object"}},
	}
}

func (s *Server) callTool(ctx context.Context, ep relay.Endpoint, params toolCallParams) toolCallResult {
	var body messageBody
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &body); err != nil {
			return errorResult("invalid arguments: " + err.Error())
		}
	}
	switch params.Name {
	case "notify", "question":
		if body.Message == "" {
			return errorResult("message is required")
		}
		if s.rateLimited(ctx, ep) {
			return errorResult("rate limited")
		}
		if err := s.publishToChat(ctx, ep, body.Message); err != nil {
			return errorResult("bus unavailable")
		}
		action := relay.AuditMCPNotify
		if params.Name == "question" {
			action = relay.AuditMCPQuestion
		}
		s.auditor.Record(ctx, relay.NewAuditEntry("endpoint:"+ep.ID, action,
			map[string]string{"message": body.Message}, "ok", 0, false))
		return textResult("delivered")
	case "ask_confirmation":
		if body.Message == "" {
			return errorResult("message is required")
		}
		if s.rateLimited(ctx, ep) {
			return errorResult("rate limited")
		}
		rec, err := s.confirms.Create(ctx, ep.ID, ep.ChatID, body.Message,
			time.Duration(body.TimeoutSec)*time.Second)
		if err != nil {
			return errorResult("bus unavailable")
		}
		s.auditor.Record(ctx, relay.NewAuditEntry("endpoint:"+ep.ID, relay.AuditConfirmRequest,
			map[string]string{"message": body.Message, "correlation_id": rec.ID}, "ok", 0, false))
		out, _ := json.Marshal(map[string]any{"correlation_id": rec.ID, "deadline_ts": rec.DeadlineTS})
		return textResult(string(out))
	case "get_replies":
		items, err := s.kv.Drain(ctx, relay.FeedbackQueueKey(ep.ID))
		if err != nil {
			return errorResult("bus unavailable")
		}
		out, _ := json.Marshal(items)
		return textResult(string(out))
	default:
		return errorResult("unknown tool: " + params.Name)
	}
}

// --- helpers ---

func (s *Server) publishToChat(ctx context.Context, ep relay.Endpoint, text string) error {
	env, err := relay.Seal(relay.KindOutgoingReply, "", s.channel, 0, relay.OutgoingReply{
		ChatID:  ep.ChatID,
		Channel: s.channel,
		Text:    text,
		Done:    true,
	})
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, relay.TopicOutgoingReply, env)
}

func (s *Server) decodeMessage(w http.ResponseWriter, r *http.Request) (messageBody, bool) {
	var body messageBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return body, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
