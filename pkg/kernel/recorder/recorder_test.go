package recorder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
)

func TestEmit_AssignsIncreasingSequence(t *testing.T) {
	r := New()
	defer r.Close()

	sid := events.NewSessionID()
	a := r.Emit(sid, events.SessionStarted{Transport: "stdio"})
	b := r.Emit(sid, events.LLMRequestSent{MessageCount: 1})
	other := r.Emit("other", events.SessionStarted{})

	assert.Equal(t, uint64(1), a.Sequence)
	assert.Equal(t, uint64(2), b.Sequence)
	assert.Equal(t, uint64(1), other.Sequence, "sequence is per session")
	assert.Equal(t, events.EventLLMRequestSent, b.Type)
	assert.Equal(t, events.Source, b.Source)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, r.Events(sid), 2)
}

func TestEmit_Options(t *testing.T) {
	r := New()
	defer r.Close()
	env := r.Emit("s", events.StepStarted{StepID: "x"}, InWorkflow("wf"), ForPrompt("p"))
	assert.Equal(t, events.WorkflowID("wf"), env.WorkflowID)
	assert.Equal(t, events.PromptID("p"), env.PromptID)
}

func TestEmit_NilPayloadBecomesRuntimeError(t *testing.T) {
	r := New()
	defer r.Close()
	env := r.Emit("s", nil)
	assert.Equal(t, events.EventRuntimeError, env.Type)
}

// Property: concurrent emitters never produce duplicate or out-of-order
// sequence numbers, and sinks observe the same order as the log.
func TestEmit_ConcurrentSequenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("sequences are unique and strictly increasing", prop.ForAll(
		func(producers, perProducer int) bool {
			mem := NewMemorySink()
			r := New(WithSink(mem), WithQueueSize(producers*perProducer+1))
			sid := events.SessionID("prop")

			var wg sync.WaitGroup
			for p := 0; p < producers; p++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perProducer; i++ {
						r.Emit(sid, events.TransportMessageReceived{Method: "ping"})
					}
				}()
			}
			wg.Wait()
			r.Flush()

			logged := r.Events(sid)
			delivered := mem.Envelopes()
			if len(logged) != producers*perProducer || len(delivered) != len(logged) {
				return false
			}
			for i, env := range logged {
				if env.Sequence != uint64(i+1) {
					return false
				}
				if delivered[i].Sequence != env.Sequence {
					return false
				}
			}
			return r.Close() == nil
		},
		gen.IntRange(1, 8),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

type failingSink struct{ calls atomic.Int32 }

func (f *failingSink) Name() string { return "broken" }
func (f *failingSink) Write(context.Context, events.Envelope) error {
	f.calls.Add(1)
	return errors.New("disk full")
}

func TestSinkFailure_ReportedAsAdapterError(t *testing.T) {
	bad := &failingSink{}
	mem := NewMemorySink()
	r := New(WithSink(bad), WithSink(mem))
	sid := events.SessionID("s")

	r.Emit(sid, events.SessionStarted{})
	r.Flush()
	require.NoError(t, r.Close())

	logged := r.Events(sid)
	require.Len(t, logged, 2, "one ADAPTER_ERROR, no recursion on its own failure")
	assert.Equal(t, events.EventAdapterError, logged[1].Type)
	ae := logged[1].Payload.(events.AdapterError)
	assert.Equal(t, "broken", ae.Adapter)
	assert.Equal(t, logged[0].ID, ae.EventID)
	assert.Contains(t, ae.Error, "disk full")
	assert.Equal(t, int32(2), bad.calls.Load())
	assert.Len(t, mem.Envelopes(), 2)
}

type panicSink struct{}

func (panicSink) Name() string                                 { return "panicky" }
func (panicSink) Write(context.Context, events.Envelope) error { panic("boom") }

func TestSinkPanic_Recovered(t *testing.T) {
	r := New(WithSink(panicSink{}))
	r.Emit("s", events.SessionStarted{})
	r.Flush()
	r.Close()
	logged := r.Events("s")
	require.Len(t, logged, 2)
	assert.Contains(t, logged[1].Payload.(events.AdapterError).Error, "panic")
}

type slowSink struct{ release chan struct{} }

func (s *slowSink) Name() string { return "slow" }
func (s *slowSink) Write(context.Context, events.Envelope) error {
	<-s.release
	return nil
}

func TestSlowSink_DoesNotBlockEmit(t *testing.T) {
	slow := &slowSink{release: make(chan struct{})}
	r := New(WithSink(slow), WithQueueSize(1))
	sid := events.SessionID("s")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Emit(sid, events.TransportMessageSent{Method: "tools/list"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow sink")
	}
	close(slow.release)
	r.Close()

	var adapterErrors int
	for _, env := range r.Events(sid) {
		if env.Type == events.EventAdapterError {
			adapterErrors++
		}
	}
	assert.Positive(t, adapterErrors, "overflow must be reported")
}

func TestAddSink_OnlySeesLaterEvents(t *testing.T) {
	r := New()
	r.Emit("s", events.SessionStarted{})
	mem := NewMemorySink()
	r.AddSink(mem)
	r.Emit("s", events.SessionCompleted{Status: "completed"})
	r.Close()

	got := mem.Envelopes()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Sequence)
}

func TestEmitAfterClose_LoggedNotDelivered(t *testing.T) {
	mem := NewMemorySink()
	r := New(WithSink(mem))
	r.Close()
	r.Emit("s", events.SessionStarted{})
	assert.Len(t, r.Events("s"), 1)
	assert.Empty(t, mem.Envelopes())
}

func TestWithClock(t *testing.T) {
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	r := New(WithClock(func() time.Time { return fixed }))
	defer r.Close()
	env := r.Emit("s", events.SessionStarted{})
	assert.True(t, env.Timestamp.Equal(fixed))
	assert.Equal(t, time.UTC, env.Timestamp.Location())
}
