// Package observer provides OTEL-based observability for relay.
//
// It exposes an Init that wires OTLP HTTP exporters for traces, metrics,
// and logs, a relay.Tracer backed by the global TracerProvider, and
// instrumented wrappers for model providers and the audit trail. Export
// targets come from the standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/relay/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	ModelRequests    metric.Int64Counter
	StreamTokens     metric.Int64Counter
	SkillInvocations metric.Int64Counter
	TaskRuns         metric.Int64Counter
	Confirmations    metric.Int64Counter
	AuditEvents      metric.Int64Counter

	// Histograms
	ModelDuration metric.Float64Histogram
	SkillDuration metric.Float64Histogram
	TaskDuration  metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Returns a shutdown function that must be called on exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("relay")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	modelRequests, err := meter.Int64Counter("model.requests",
		metric.WithDescription("Model request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	streamTokens, err := meter.Int64Counter("model.stream.tokens",
		metric.WithDescription("Streamed token chunks received"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	skillInvocations, err := meter.Int64Counter("skill.invocations",
		metric.WithDescription("Skill invocation count"),
		metric.WithUnit("{invocation}"))
	if err != nil {
		return nil, err
	}

	taskRuns, err := meter.Int64Counter("task.runs",
		metric.WithDescription("Task run count"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	confirmations, err := meter.Int64Counter("confirmation.resolutions",
		metric.WithDescription("Confirmation resolutions by outcome"),
		metric.WithUnit("{resolution}"))
	if err != nil {
		return nil, err
	}

	auditEvents, err := meter.Int64Counter("audit.events",
		metric.WithDescription("Audit trail events by action"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	modelDuration, err := meter.Float64Histogram("model.duration",
		metric.WithDescription("Model call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	skillDuration, err := meter.Float64Histogram("skill.duration",
		metric.WithDescription("Skill invocation duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	taskDuration, err := meter.Float64Histogram("task.duration",
		metric.WithDescription("Task run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           tracer,
		Meter:            meter,
		Logger:           logger,
		ModelRequests:    modelRequests,
		StreamTokens:     streamTokens,
		SkillInvocations: skillInvocations,
		TaskRuns:         taskRuns,
		Confirmations:    confirmations,
		AuditEvents:      auditEvents,
		ModelDuration:    modelDuration,
		SkillDuration:    skillDuration,
		TaskDuration:     taskDuration,
	}, nil
}
