package relay

import "context"

// Tracer creates spans around orchestration steps: task runs, model
// calls, skill invocations, MCP requests. The observer package provides
// an OTEL-backed implementation; a nil Tracer disables tracing.
type Tracer interface {
	// Start opens a span. Callers must call Span.End when the operation
	// completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	Event(name string, attrs ...SpanAttr)
	Error(err error)
	End()
}

// SpanAttr is a key-value attribute attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr creates a string-typed span attribute.
func StringAttr(k, v string) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// IntAttr creates an int-typed span attribute.
func IntAttr(k string, v int) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}

// Uint64Attr creates a span attribute from a sequence number.
func Uint64Attr(k string, v uint64) SpanAttr {
	return SpanAttr{Key: k, Value: int64(v)}
}

// BoolAttr creates a bool-typed span attribute.
func BoolAttr(k string, v bool) SpanAttr {
	return SpanAttr{Key: k, Value: v}
}
