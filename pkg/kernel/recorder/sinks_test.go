package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
)

func TestSQLiteSink_Replay(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)

	r := New(WithSink(store))
	sid := events.NewSessionID()
	r.Emit(sid, events.SessionStarted{Transport: "http"})
	r.Emit(sid, events.StepBlocked{StepID: "b", MissingDependencies: []events.StepID{"a"}, Reason: "waiting"}, InWorkflow("wf"))
	r.Emit(sid, events.SessionCompleted{Status: "completed"})
	r.Emit("noise", events.SessionStarted{})
	r.Flush()

	ctx := context.Background()
	got, err := store.Replay(ctx, sid)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, env := range got {
		assert.Equal(t, uint64(i+1), env.Sequence)
	}
	blocked := got[1].Payload.(events.StepBlocked)
	assert.Equal(t, []events.StepID{"a"}, blocked.MissingDependencies)
	assert.Equal(t, events.WorkflowID("wf"), got[1].WorkflowID)

	counts, err := store.CountByType(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[events.EventStepBlocked])

	require.NoError(t, r.Close())
}

func TestSQLiteSink_DuplicateSequenceRejected(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "dup.db"))
	require.NoError(t, err)
	defer store.Close()

	env := events.Envelope{ID: "a", Type: events.EventSessionStarted, SessionID: "s", Sequence: 1, Source: events.Source, Payload: events.SessionStarted{}}
	require.NoError(t, store.Write(context.Background(), env))
	env.ID = "b"
	assert.Error(t, store.Write(context.Background(), env))
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSSink_Subjects(t *testing.T) {
	pub := &fakePublisher{}
	r := New(WithSink(NewNATSSink(pub, "audit.")))
	r.Emit("s1", events.ToolLoopDetected{Tool: "search", Repetitions: 3, Threshold: 2})
	require.NoError(t, r.Close())

	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "audit.s1.TOOL_LOOP_DETECTED", pub.subjects[0])
	var env events.Envelope
	require.NoError(t, json.Unmarshal(pub.payloads[0], &env))
	assert.Equal(t, "search", env.Payload.(events.ToolLoopDetected).Tool)
}

func TestOTelSink_SpanPerSession(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	r := New(WithSink(NewOTelSink(tp)))
	r.Emit("s1", events.SessionStarted{})
	r.Emit("s1", events.ToolExecutionCompleted{Tool: "getWeather", DurationMs: 12})
	r.Emit("s1", events.SessionCompleted{Status: "completed"})
	r.Emit("s2", events.SessionStarted{})
	require.NoError(t, r.Close())

	ended := sr.Ended()
	require.Len(t, ended, 2, "s2 span is ended on close")
	var s1 sdktrace.ReadOnlySpan
	for _, s := range ended {
		if len(s.Events()) == 3 {
			s1 = s
		}
	}
	require.NotNil(t, s1)
	assert.Equal(t, "session", s1.Name())
	assert.Equal(t, "TOOL_EXECUTION_COMPLETED", s1.Events()[1].Name)
}

func TestSlogSink_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	r := New(WithSink(NewSlogSink(logger)))
	r.Emit("s", events.LLMProposedToolCall{Tool: "x"})      // debug, filtered
	r.Emit("s", events.ToolCallValidationPassed{Tool: "x"}) // info
	r.Emit("s", events.CallBudgetExceeded{Tool: "x"})       // warn
	require.NoError(t, r.Close())

	out := buf.String()
	assert.NotContains(t, out, "LLM_PROPOSED_TOOL_CALL")
	assert.Contains(t, out, `"msg":"TOOL_CALL_VALIDATION_PASSED"`)
	assert.Contains(t, out, `"level":"WARN","msg":"CALL_BUDGET_EXCEEDED"`)
}
