// Package telemetry defines the logging, metrics and tracing seams used by the
// workflow coordinator, with implementations backed by goa.design/clue and
// OpenTelemetry plus no-op implementations for tests.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. Keyvals alternate keys and values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter, timer and gauge helpers. Tags alternate keys and
	// values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is an in-flight tracing span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names recorded by the coordinator.
const (
	MetricChunksRouted      = "switchboard.router.chunks"
	MetricEventsDropped     = "switchboard.router.dropped"
	MetricWorkflowsFinished = "switchboard.router.completed"
	MetricRunningWorkflows  = "switchboard.router.running"
	MetricAdmissionRejected = "switchboard.admission.rejected"
	MetricEvicted           = "switchboard.cleanup.evicted"
	MetricGateResolved      = "switchboard.gate.resolved"
	MetricGateFailed        = "switchboard.gate.failed"
	MetricGateLatency       = "switchboard.gate.latency"
)

// Or returns l, or a no-op logger when l is nil.
func Or(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}

// OrMetrics returns m, or a no-op recorder when m is nil.
func OrMetrics(m Metrics) Metrics {
	if m == nil {
		return NoopMetrics{}
	}
	return m
}

// OrTracer returns t, or a no-op tracer when t is nil.
func OrTracer(t Tracer) Tracer {
	if t == nil {
		return NoopTracer{}
	}
	return t
}
