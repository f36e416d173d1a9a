package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// modelRetrySchedule is the fixed backoff between model-call attempts:
// retry after 500 ms, then 2 s, then 8 s.
var modelRetrySchedule = []time.Duration{500 * time.Millisecond, 2 * time.Second, 8 * time.Second}

// retryProvider wraps a Provider and retries transient failures (HTTP 429,
// 5xx, connection errors) on the fixed schedule.
type retryProvider struct {
	inner  Provider
	logger *slog.Logger
}

// WithRetry wraps p with transient-error retry. Streams are never retried
// once a token has been pulled; the partial stream is surfaced as-is and
// the Orchestrator flushes it per the disconnect policy.
func WithRetry(p Provider, logger *slog.Logger) Provider {
	if logger == nil {
		logger = nopLogger
	}
	return &retryProvider{inner: p, logger: logger}
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var last error
	for attempt := 0; ; attempt++ {
		resp, err := r.inner.Chat(ctx, req)
		if err == nil || !isTransient(err) {
			return resp, err
		}
		last = err
		if attempt >= len(modelRetrySchedule) {
			break
		}
		r.logger.Warn("retrying model call",
			"provider", r.inner.Name(),
			"attempt", attempt+1,
			"delay", modelRetrySchedule[attempt],
			"error", err)
		timer := time.NewTimer(modelRetrySchedule[attempt])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ChatResponse{}, ctx.Err()
		case <-timer.C:
		}
	}
	r.logger.Error("model retries exhausted", "provider", r.inner.Name(), "error", last)
	return ChatResponse{}, last
}

func (r *retryProvider) ChatStream(ctx context.Context, req ChatRequest) (TokenStream, error) {
	var last error
	for attempt := 0; ; attempt++ {
		stream, err := r.inner.ChatStream(ctx, req)
		if err == nil || !isTransient(err) {
			return stream, err
		}
		last = err
		if attempt >= len(modelRetrySchedule) {
			break
		}
		r.logger.Warn("retrying model stream open",
			"provider", r.inner.Name(),
			"attempt", attempt+1,
			"delay", modelRetrySchedule[attempt],
			"error", err)
		timer := time.NewTimer(modelRetrySchedule[attempt])
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	r.logger.Error("model stream retries exhausted", "provider", r.inner.Name(), "error", last)
	return nil, last
}

// isTransient reports whether err is worth retrying: rate limits, server
// errors, or connection-level failures surfaced without a status.
func isTransient(err error) bool {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status == 429 || e.Status >= 500
	}
	var m *ErrModel
	return errors.As(err, &m)
}

// fallbackProvider tries primary and, on failure, the cloud secondary.
// Wired only when cloud_fallback_enabled is set.
type fallbackProvider struct {
	primary   Provider
	secondary Provider
	logger    *slog.Logger
}

// WithFallback returns a Provider that falls back to secondary when
// primary fails. Streams fall back only if the primary stream fails to
// open; a stream that dies mid-flight is not restarted.
func WithFallback(primary, secondary Provider, logger *slog.Logger) Provider {
	if logger == nil {
		logger = nopLogger
	}
	return &fallbackProvider{primary: primary, secondary: secondary, logger: logger}
}

func (f *fallbackProvider) Name() string { return f.primary.Name() }

func (f *fallbackProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	resp, err := f.primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	f.logger.Warn("primary model failed, trying cloud fallback",
		"primary", f.primary.Name(), "fallback", f.secondary.Name(), "error", err)
	return f.secondary.Chat(ctx, req)
}

func (f *fallbackProvider) ChatStream(ctx context.Context, req ChatRequest) (TokenStream, error) {
	stream, err := f.primary.ChatStream(ctx, req)
	if err == nil {
		return stream, nil
	}
	f.logger.Warn("primary model stream failed, trying cloud fallback",
		"primary", f.primary.Name(), "fallback", f.secondary.Name(), "error", err)
	return f.secondary.ChatStream(ctx, req)
}

// nopLogger discards everything. Library code falls back to it so callers
// are never forced to pass a logger.
var nopLogger = slog.New(slog.DiscardHandler)
