package recorder

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
)

// MemorySink keeps every delivered envelope in memory. Used by tests and by
// the scenario runner.
type MemorySink struct {
	mu   sync.Mutex
	envs []events.Envelope
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Write(_ context.Context, env events.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs = append(m.envs, env)
	return nil
}

// Envelopes returns a copy of everything delivered so far.
func (m *MemorySink) Envelopes() []events.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.Envelope, len(m.envs))
	copy(out, m.envs)
	return out
}

// SlogSink mirrors envelopes into a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink logging through l (slog.Default when nil).
func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{logger: l.With("component", "events")}
}

func (s *SlogSink) Name() string { return "slog" }

func (s *SlogSink) Write(ctx context.Context, env events.Envelope) error {
	attrs := []slog.Attr{
		slog.String("event_id", env.ID.String()),
		slog.String("session_id", env.SessionID.String()),
		slog.Uint64("sequence", env.Sequence),
		slog.String("authority", string(env.Type.Authority())),
	}
	if env.WorkflowID != "" {
		attrs = append(attrs, slog.String("workflow_id", env.WorkflowID.String()))
	}
	s.logger.LogAttrs(ctx, levelFor(env.Type), string(env.Type), attrs...)
	return nil
}

func levelFor(t events.EventType) slog.Level {
	switch t {
	case events.EventToolCallValidationFailed, events.EventCallBudgetExceeded, events.EventToolLoopDetected,
		events.EventToolExecutionFailed, events.EventTransportError, events.EventToolRegistrationFailed,
		events.EventAssertionFailed, events.EventAdapterError, events.EventRuntimeError, events.EventSessionHalted:
		return slog.LevelWarn
	}
	switch t.Authority() {
	case events.AuthorityDecision, events.AuthorityGroundTruth:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
