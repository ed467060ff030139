package recorder

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
)

// OTelSink maps each session onto one span and each envelope onto a span
// event. The span ends on SESSION_COMPLETED or SESSION_HALTED.
type OTelSink struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[events.SessionID]trace.Span
}

// NewOTelSink uses tp, or the global provider when tp is nil.
func NewOTelSink(tp trace.TracerProvider) *OTelSink {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &OTelSink{
		tracer: tp.Tracer("github.com/ormasoftchile/syrin/recorder"),
		spans:  make(map[events.SessionID]trace.Span),
	}
}

func (o *OTelSink) Name() string { return "otel" }

func (o *OTelSink) Write(ctx context.Context, env events.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	span, ok := o.spans[env.SessionID]
	if !ok {
		_, span = o.tracer.Start(ctx, "session",
			trace.WithTimestamp(env.Timestamp),
			trace.WithAttributes(attribute.String("session.id", env.SessionID.String())))
		o.spans[env.SessionID] = span
	}

	attrs := []attribute.KeyValue{
		attribute.String("event.id", env.ID.String()),
		attribute.Int64("event.sequence", int64(env.Sequence)),
		attribute.String("event.authority", string(env.Type.Authority())),
	}
	if env.WorkflowID != "" {
		attrs = append(attrs, attribute.String("workflow.id", env.WorkflowID.String()))
	}
	switch p := env.Payload.(type) {
	case events.ToolExecutionCompleted:
		attrs = append(attrs, attribute.String("tool.name", p.Tool), attribute.Int64("tool.duration_ms", p.DurationMs))
	case events.ToolExecutionFailed:
		attrs = append(attrs, attribute.String("tool.name", p.Tool), attribute.Bool("tool.timed_out", p.TimedOut))
	case events.DiagnosticRaised:
		attrs = append(attrs, attribute.String("diagnostic.code", p.Code), attribute.String("tool.name", p.Tool))
	}
	span.AddEvent(string(env.Type), trace.WithTimestamp(env.Timestamp), trace.WithAttributes(attrs...))

	switch p := env.Payload.(type) {
	case events.SessionCompleted:
		span.SetAttributes(attribute.String("session.status", p.Status))
		span.End(trace.WithTimestamp(env.Timestamp))
		delete(o.spans, env.SessionID)
	case events.SessionHalted:
		span.SetStatus(codes.Error, p.Reason)
		span.End(trace.WithTimestamp(env.Timestamp))
		delete(o.spans, env.SessionID)
	}
	return nil
}

// Close ends any span whose session never completed.
func (o *OTelSink) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for sid, span := range o.spans {
		span.End()
		delete(o.spans, sid)
	}
	return nil
}
