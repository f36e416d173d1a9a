package observer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	relay "github.com/nevindra/relay"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a relay.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner relay.Provider
	inst  *Instruments
	model string
}

// WrapProvider returns an instrumented provider that emits traces,
// metrics, and logs around every model call.
func WrapProvider(inner relay.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Chat(ctx context.Context, req relay.ChatRequest) (relay.ChatResponse, error) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrModelName.String(o.model),
			AttrModelProvider.String(o.inner.Name()),
		),
	}
	spanName := "model.chat"
	method := "chat"
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
		spanName = "model.chat_with_tools"
		method = "chat_with_tools"
	}

	ctx, span := o.inst.Tracer.Start(ctx, spanName, spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if resp.Quality > 0 {
		span.SetAttributes(AttrModelQuality.Float64(resp.Quality))
	}

	o.record(ctx, method, status, durationMs)
	return resp, err
}

func (o *ObservedProvider) ChatStream(ctx context.Context, req relay.ChatRequest) (relay.TokenStream, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "model.chat_stream", trace.WithAttributes(
		AttrModelName.String(o.model),
		AttrModelProvider.String(o.inner.Name()),
	))
	start := time.Now()

	inner, err := o.inner.ChatStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		o.record(ctx, "chat_stream", "error", float64(time.Since(start).Milliseconds()))
		return nil, err
	}
	return &observedStream{
		inner: inner,
		prov:  o,
		ctx:   ctx,
		span:  span,
		start: start,
	}, nil
}

func (o *ObservedProvider) record(ctx context.Context, method, status string, durationMs float64) {
	attrs := metric.WithAttributes(
		AttrModelName.String(o.model),
		AttrModelProvider.String(o.inner.Name()),
		AttrModelMethod.String(method),
	)

	o.inst.ModelRequests.Add(ctx, 1, metric.WithAttributes(
		AttrModelName.String(o.model),
		AttrModelProvider.String(o.inner.Name()),
		AttrModelMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.ModelDuration.Record(ctx, durationMs, attrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("model call completed"))
	rec.AddAttributes(
		otellog.String("model.name", o.model),
		otellog.String("model.provider", o.inner.Name()),
		otellog.String("model.method", method),
		otellog.Float64("model.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// observedStream counts token chunks and closes the span when the
// stream ends, whichever of EOF or Close comes first.
type observedStream struct {
	inner relay.TokenStream
	prov  *ObservedProvider
	ctx   context.Context
	span  trace.Span
	start time.Time

	chunks int
	once   sync.Once
}

func (s *observedStream) Next(ctx context.Context) (string, error) {
	tok, err := s.inner.Next(ctx)
	if err == nil {
		s.chunks++
		s.prov.inst.StreamTokens.Add(s.ctx, 1, metric.WithAttributes(
			AttrModelName.String(s.prov.model),
		))
		return tok, nil
	}
	if errors.Is(err, io.EOF) {
		s.finish(nil)
	} else {
		s.finish(err)
	}
	return tok, err
}

func (s *observedStream) Close() error {
	err := s.inner.Close()
	s.finish(nil)
	return err
}

func (s *observedStream) finish(err error) {
	s.once.Do(func() {
		status := "ok"
		if err != nil {
			status = "error"
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
		}
		s.span.SetAttributes(AttrStreamChunks.Int(s.chunks))
		s.span.End()
		s.prov.record(s.ctx, "chat_stream", status, float64(time.Since(s.start).Milliseconds()))
	})
}

var (
	_ relay.Provider    = (*ObservedProvider)(nil)
	_ relay.TokenStream = (*observedStream)(nil)
)
