package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source is the fixed source tag stamped on every envelope.
const Source = "syrin"

// Envelope is one immutable, ordered record in a session's event stream.
// Envelopes are created by the recorder only; consumers treat them as values.
type Envelope struct {
	ID         EventID
	Type       EventType
	SessionID  SessionID
	WorkflowID WorkflowID // empty when not bound to a workflow
	PromptID   PromptID   // empty when not bound to a prompt
	Timestamp  time.Time
	Sequence   uint64
	Source     string
	Payload    Payload
}

// wireEnvelope is the JSON shape of an envelope.
type wireEnvelope struct {
	EventID    EventID         `json:"event_id"`
	EventType  EventType       `json:"event_type"`
	SessionID  SessionID       `json:"session_id"`
	WorkflowID *WorkflowID     `json:"workflow_id"`
	PromptID   *PromptID       `json:"prompt_id"`
	Timestamp  string          `json:"timestamp"`
	Sequence   uint64          `json:"sequence"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the envelope in its wire shape.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %s: nil payload", e.ID)
	}
	if e.Payload.EventType() != e.Type {
		return nil, fmt.Errorf("event %s: payload %s does not match type %s", e.ID, e.Payload.EventType(), e.Type)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", e.Type, err)
	}
	w := wireEnvelope{
		EventID:   e.ID,
		EventType: e.Type,
		SessionID: e.SessionID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Sequence:  e.Sequence,
		Source:    e.Source,
		Payload:   payload,
	}
	if e.WorkflowID != "" {
		id := e.WorkflowID
		w.WorkflowID = &id
	}
	if e.PromptID != "" {
		id := e.PromptID
		w.PromptID = &id
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an envelope, selecting the payload variant by
// event_type. Unknown event types are rejected.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("event %s: invalid timestamp: %w", w.EventID, err)
	}
	payload, err := DecodePayload(w.EventType, w.Payload)
	if err != nil {
		return fmt.Errorf("event %s: %w", w.EventID, err)
	}
	*e = Envelope{
		ID:        w.EventID,
		Type:      w.EventType,
		SessionID: w.SessionID,
		Timestamp: ts,
		Sequence:  w.Sequence,
		Source:    w.Source,
		Payload:   payload,
	}
	if w.WorkflowID != nil {
		e.WorkflowID = *w.WorkflowID
	}
	if w.PromptID != nil {
		e.PromptID = *w.PromptID
	}
	return nil
}

// DecodePayload decodes raw into the payload variant for t.
func DecodePayload(t EventType, raw json.RawMessage) (Payload, error) {
	switch t {
	case EventSessionStarted:
		return decodeAs[SessionStarted](raw)
	case EventSessionCompleted:
		return decodeAs[SessionCompleted](raw)
	case EventSessionHalted:
		return decodeAs[SessionHalted](raw)
	case EventWorkflowStarted:
		return decodeAs[WorkflowStarted](raw)
	case EventWorkflowCompleted:
		return decodeAs[WorkflowCompleted](raw)
	case EventStepStarted:
		return decodeAs[StepStarted](raw)
	case EventStepCompleted:
		return decodeAs[StepCompleted](raw)
	case EventStepBlocked:
		return decodeAs[StepBlocked](raw)
	case EventStepSkipped:
		return decodeAs[StepSkipped](raw)
	case EventLLMContextBuilt:
		return decodeAs[LLMContextBuilt](raw)
	case EventLLMRequestSent:
		return decodeAs[LLMRequestSent](raw)
	case EventLLMProposedToolCall:
		return decodeAs[LLMProposedToolCall](raw)
	case EventLLMFinalResponseGenerated:
		return decodeAs[LLMFinalResponseGenerated](raw)
	case EventToolCallValidationStarted:
		return decodeAs[ToolCallValidationStarted](raw)
	case EventToolCallValidationPassed:
		return decodeAs[ToolCallValidationPassed](raw)
	case EventToolCallValidationFailed:
		return decodeAs[ToolCallValidationFailed](raw)
	case EventCallBudgetExceeded:
		return decodeAs[CallBudgetExceeded](raw)
	case EventToolLoopDetected:
		return decodeAs[ToolLoopDetected](raw)
	case EventToolExecutionStarted:
		return decodeAs[ToolExecutionStarted](raw)
	case EventToolExecutionCompleted:
		return decodeAs[ToolExecutionCompleted](raw)
	case EventToolExecutionFailed:
		return decodeAs[ToolExecutionFailed](raw)
	case EventTransportInitialized:
		return decodeAs[TransportInitialized](raw)
	case EventTransportMessageSent:
		return decodeAs[TransportMessageSent](raw)
	case EventTransportMessageReceived:
		return decodeAs[TransportMessageReceived](raw)
	case EventTransportError:
		return decodeAs[TransportError](raw)
	case EventToolRegistryLoaded:
		return decodeAs[ToolRegistryLoaded](raw)
	case EventToolRegistered:
		return decodeAs[ToolRegistered](raw)
	case EventToolRegistrationFailed:
		return decodeAs[ToolRegistrationFailed](raw)
	case EventToolDependenciesInferred:
		return decodeAs[ToolDependenciesInferred](raw)
	case EventTestStarted:
		return decodeAs[TestStarted](raw)
	case EventTestCompleted:
		return decodeAs[TestCompleted](raw)
	case EventAssertionPassed:
		return decodeAs[AssertionPassed](raw)
	case EventAssertionFailed:
		return decodeAs[AssertionFailed](raw)
	case EventDiagnosticRaised:
		return decodeAs[DiagnosticRaised](raw)
	case EventAdapterError:
		return decodeAs[AdapterError](raw)
	case EventRuntimeError:
		return decodeAs[RuntimeError](raw)
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

func decodeAs[P Payload](raw json.RawMessage) (Payload, error) {
	var p P
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", p.EventType(), err)
	}
	return p, nil
}
