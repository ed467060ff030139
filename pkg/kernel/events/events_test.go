package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllEventTypes_CountAndCategories(t *testing.T) {
	types := AllEventTypes()
	require.Len(t, types, 36)

	seen := map[EventType]bool{}
	cats := map[Category]int{}
	for _, et := range types {
		require.False(t, seen[et], "duplicate event type %s", et)
		seen[et] = true
		require.True(t, et.Valid(), "%s should be valid", et)
		cats[et.Category()]++
	}
	assert.Len(t, cats, 10)
	assert.Equal(t, 6, cats[CategoryWorkflow])
	assert.Equal(t, 5, cats[CategoryValidation])
	assert.Equal(t, 3, cats[CategoryExecution])
}

func TestEventType_Unknown(t *testing.T) {
	assert.False(t, EventType("NOPE").Valid())
	assert.Equal(t, Category(""), EventType("NOPE").Category())
}

func TestAuthority(t *testing.T) {
	assert.Equal(t, AuthorityProposal, EventLLMProposedToolCall.Authority())
	assert.Equal(t, AuthorityDecision, EventToolCallValidationPassed.Authority())
	assert.Equal(t, AuthorityDecision, EventCallBudgetExceeded.Authority())
	assert.Equal(t, AuthorityGroundTruth, EventToolExecutionFailed.Authority())
	assert.Equal(t, AuthorityInformational, EventStepStarted.Authority())
	assert.True(t, EventToolExecutionCompleted.IsTerminalExecution())
	assert.False(t, EventToolExecutionStarted.IsTerminalExecution())
}

// Every event type must decode to a payload that reports the same type.
func TestDecodePayload_EveryType(t *testing.T) {
	for _, et := range AllEventTypes() {
		p, err := DecodePayload(et, json.RawMessage(`{}`))
		require.NoError(t, err, et)
		assert.Equal(t, et, p.EventType())
	}
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload("BOGUS", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestEnvelope_WireShape(t *testing.T) {
	env := Envelope{
		ID:        "01HZZZ",
		Type:      EventStepBlocked,
		SessionID: "s-1",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Sequence:  7,
		Source:    Source,
		Payload: StepBlocked{
			StepID:              "order",
			MissingDependencies: []StepID{"weather"},
			Reason:              "waiting on dependencies",
		},
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"event_id", "event_type", "session_id", "workflow_id", "prompt_id", "timestamp", "sequence", "source", "payload"} {
		assert.Contains(t, raw, key)
	}
	assert.Nil(t, raw["workflow_id"])
	assert.Nil(t, raw["prompt_id"])
	assert.Equal(t, "STEP_BLOCKED", raw["event_type"])
	assert.Equal(t, "2026-01-02T03:04:05Z", raw["timestamp"])
	payload := raw["payload"].(map[string]any)
	assert.Equal(t, []any{"weather"}, payload["missing_dependencies"])

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, env.Sequence, back.Sequence)
	assert.True(t, env.Timestamp.Equal(back.Timestamp))
	blocked, ok := back.Payload.(StepBlocked)
	require.True(t, ok)
	assert.Equal(t, []StepID{"weather"}, blocked.MissingDependencies)
}

func TestEnvelope_OptionalIDs(t *testing.T) {
	env := Envelope{
		ID:         "e",
		Type:       EventWorkflowStarted,
		SessionID:  "s",
		WorkflowID: "wf-1",
		PromptID:   "p-1",
		Timestamp:  time.Now(),
		Source:     Source,
		Payload:    WorkflowStarted{Name: "order", Steps: []StepID{"a"}},
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, WorkflowID("wf-1"), back.WorkflowID)
	assert.Equal(t, PromptID("p-1"), back.PromptID)
}

func TestEnvelope_MismatchedPayload(t *testing.T) {
	env := Envelope{ID: "e", Type: EventSessionStarted, Payload: SessionHalted{}}
	_, err := json.Marshal(env)
	require.Error(t, err)
}

func TestIDs_Distinct(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a.String(), 36)
	assert.Len(t, NewEventID().String(), 26)
}
