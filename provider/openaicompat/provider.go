package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	relay "github.com/nevindra/relay"
)

// Provider talks to an OpenAI-compatible chat completions endpoint.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

var _ relay.Provider = (*Provider)(nil)

// New creates a provider. baseURL is the API base (for example
// "http://localhost:11434/v1"); the /chat/completions path is appended.
func New(apiKey, model, baseURL string) *Provider {
	return &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		name:    "openai-compat",
	}
}

// WithName overrides the provider name used in logs and error mapping.
func (p *Provider) WithName(name string) *Provider {
	p.name = name
	return p
}

// Name identifies the provider.
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming request. When req.Tools is non-empty the
// response may carry tool calls.
func (p *Provider) Chat(ctx context.Context, req relay.ChatRequest) (relay.ChatResponse, error) {
	resp, err := p.send(ctx, p.buildBody(req, false))
	if err != nil {
		return relay.ChatResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return relay.ChatResponse{}, p.httpErr(resp)
	}
	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return relay.ChatResponse{}, &relay.ErrModel{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return parseResponse(wire), nil
}

// ChatStream opens a streaming generation and returns the token stream.
func (p *Provider) ChatStream(ctx context.Context, req relay.ChatRequest) (relay.TokenStream, error) {
	resp, err := p.send(ctx, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.httpErr(resp)
	}
	return newSSEStream(resp.Body), nil
}

func (p *Provider) buildBody(req relay.ChatRequest, stream bool) chatRequest {
	body := chatRequest{Model: p.model, Stream: stream}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, message{Role: m.Role, Content: m.Content})
	}
	for _, d := range req.Tools {
		body.Tools = append(body.Tools, tool{
			Type: "function",
			Function: function{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return body
}

func (p *Provider) send(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &relay.ErrModel{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &relay.ErrModel{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &relay.ErrModel{Provider: p.name, Message: err.Error()}
	}
	return resp, nil
}

func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &relay.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
}

// qualityMarker is an optional self-rating the model appends on its own
// line, for example "[[quality=0.85]]". It is stripped from the content.
var qualityMarker = regexp.MustCompile(`(?m)^\s*\[\[quality=([0-9.]+)\]\]\s*$`)

func parseResponse(wire chatResponse) relay.ChatResponse {
	var out relay.ChatResponse
	if len(wire.Choices) == 0 {
		return out
	}
	msg := wire.Choices[0].Message
	if msg == nil {
		return out
	}
	out.Content, out.Quality = extractQuality(msg.Content)
	for _, tc := range msg.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, relay.ToolCall{Name: tc.Function.Name, Args: args})
	}
	return out
}

func extractQuality(content string) (string, float64) {
	m := qualityMarker.FindStringSubmatch(content)
	if m == nil {
		return content, 0
	}
	q, err := strconv.ParseFloat(m[1], 64)
	if err != nil || q < 0 || q > 1 {
		q = 0
	}
	return strings.TrimSpace(qualityMarker.ReplaceAllString(content, "")), q
}
