// Package events defines the session event model: the typed envelope, the
// closed set of event types, and one payload variant per type.
package events

// EventType enumerates every event a session can record.
type EventType string

const (
	// Session lifecycle
	EventSessionStarted   EventType = "SESSION_STARTED"
	EventSessionCompleted EventType = "SESSION_COMPLETED"
	EventSessionHalted    EventType = "SESSION_HALTED"

	// Workflow and step
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventStepStarted       EventType = "STEP_STARTED"
	EventStepCompleted     EventType = "STEP_COMPLETED"
	EventStepBlocked       EventType = "STEP_BLOCKED"
	EventStepSkipped       EventType = "STEP_SKIPPED"

	// LLM context
	EventLLMContextBuilt EventType = "LLM_CONTEXT_BUILT"
	EventLLMRequestSent  EventType = "LLM_REQUEST_SENT"

	// LLM proposal (non-authoritative)
	EventLLMProposedToolCall       EventType = "LLM_PROPOSED_TOOL_CALL"
	EventLLMFinalResponseGenerated EventType = "LLM_FINAL_RESPONSE_GENERATED"

	// Validation / guardrail (authoritative)
	EventToolCallValidationStarted EventType = "TOOL_CALL_VALIDATION_STARTED"
	EventToolCallValidationPassed  EventType = "TOOL_CALL_VALIDATION_PASSED"
	EventToolCallValidationFailed  EventType = "TOOL_CALL_VALIDATION_FAILED"
	EventCallBudgetExceeded        EventType = "CALL_BUDGET_EXCEEDED"
	EventToolLoopDetected          EventType = "TOOL_LOOP_DETECTED"

	// Tool execution (ground truth)
	EventToolExecutionStarted   EventType = "TOOL_EXECUTION_STARTED"
	EventToolExecutionCompleted EventType = "TOOL_EXECUTION_COMPLETED"
	EventToolExecutionFailed    EventType = "TOOL_EXECUTION_FAILED"

	// Transport
	EventTransportInitialized     EventType = "TRANSPORT_INITIALIZED"
	EventTransportMessageSent     EventType = "TRANSPORT_MESSAGE_SENT"
	EventTransportMessageReceived EventType = "TRANSPORT_MESSAGE_RECEIVED"
	EventTransportError           EventType = "TRANSPORT_ERROR"

	// Tool registry
	EventToolRegistryLoaded       EventType = "TOOL_REGISTRY_LOADED"
	EventToolRegistered           EventType = "TOOL_REGISTERED"
	EventToolRegistrationFailed   EventType = "TOOL_REGISTRATION_FAILED"
	EventToolDependenciesInferred EventType = "TOOL_DEPENDENCIES_INFERRED"

	// Testing / assertions
	EventTestStarted     EventType = "TEST_STARTED"
	EventTestCompleted   EventType = "TEST_COMPLETED"
	EventAssertionPassed EventType = "ASSERTION_PASSED"
	EventAssertionFailed EventType = "ASSERTION_FAILED"

	// Diagnostics
	EventDiagnosticRaised EventType = "DIAGNOSTIC_RAISED"
	EventAdapterError     EventType = "ADAPTER_ERROR"
	EventRuntimeError     EventType = "RUNTIME_ERROR"
)

// Category groups event types.
type Category string

const (
	CategorySession     Category = "session"
	CategoryWorkflow    Category = "workflow"
	CategoryLLMContext  Category = "llm_context"
	CategoryLLMProposal Category = "llm_proposal"
	CategoryValidation  Category = "validation"
	CategoryExecution   Category = "execution"
	CategoryTransport   Category = "transport"
	CategoryRegistry    Category = "registry"
	CategoryTesting     Category = "testing"
	CategoryDiagnostics Category = "diagnostics"
)

// Authority says how much weight an event carries.
type Authority string

const (
	// AuthorityProposal marks what the model said to do.
	AuthorityProposal Authority = "proposal"
	// AuthorityDecision marks what the guardrail decided.
	AuthorityDecision Authority = "authoritative"
	// AuthorityGroundTruth marks what the executor observed.
	AuthorityGroundTruth Authority = "ground_truth"
	// AuthorityInformational covers everything else.
	AuthorityInformational Authority = "informational"
)

var allEventTypes = []EventType{
	EventSessionStarted, EventSessionCompleted, EventSessionHalted,
	EventWorkflowStarted, EventWorkflowCompleted, EventStepStarted, EventStepCompleted, EventStepBlocked, EventStepSkipped,
	EventLLMContextBuilt, EventLLMRequestSent,
	EventLLMProposedToolCall, EventLLMFinalResponseGenerated,
	EventToolCallValidationStarted, EventToolCallValidationPassed, EventToolCallValidationFailed, EventCallBudgetExceeded, EventToolLoopDetected,
	EventToolExecutionStarted, EventToolExecutionCompleted, EventToolExecutionFailed,
	EventTransportInitialized, EventTransportMessageSent, EventTransportMessageReceived, EventTransportError,
	EventToolRegistryLoaded, EventToolRegistered, EventToolRegistrationFailed, EventToolDependenciesInferred,
	EventTestStarted, EventTestCompleted, EventAssertionPassed, EventAssertionFailed,
	EventDiagnosticRaised, EventAdapterError, EventRuntimeError,
}

// AllEventTypes returns every event type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, len(allEventTypes))
	copy(out, allEventTypes)
	return out
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return t.Category() != ""
}

// Category returns the category t belongs to, or "" for unknown types.
func (t EventType) Category() Category {
	switch t {
	case EventSessionStarted, EventSessionCompleted, EventSessionHalted:
		return CategorySession
	case EventWorkflowStarted, EventWorkflowCompleted, EventStepStarted, EventStepCompleted, EventStepBlocked, EventStepSkipped:
		return CategoryWorkflow
	case EventLLMContextBuilt, EventLLMRequestSent:
		return CategoryLLMContext
	case EventLLMProposedToolCall, EventLLMFinalResponseGenerated:
		return CategoryLLMProposal
	case EventToolCallValidationStarted, EventToolCallValidationPassed, EventToolCallValidationFailed, EventCallBudgetExceeded, EventToolLoopDetected:
		return CategoryValidation
	case EventToolExecutionStarted, EventToolExecutionCompleted, EventToolExecutionFailed:
		return CategoryExecution
	case EventTransportInitialized, EventTransportMessageSent, EventTransportMessageReceived, EventTransportError:
		return CategoryTransport
	case EventToolRegistryLoaded, EventToolRegistered, EventToolRegistrationFailed, EventToolDependenciesInferred:
		return CategoryRegistry
	case EventTestStarted, EventTestCompleted, EventAssertionPassed, EventAssertionFailed:
		return CategoryTesting
	case EventDiagnosticRaised, EventAdapterError, EventRuntimeError:
		return CategoryDiagnostics
	default:
		return ""
	}
}

// Authority classifies t on the proposal / decision / ground-truth axis.
func (t EventType) Authority() Authority {
	switch t.Category() {
	case CategoryLLMProposal:
		return AuthorityProposal
	case CategoryValidation:
		return AuthorityDecision
	case CategoryExecution:
		return AuthorityGroundTruth
	default:
		return AuthorityInformational
	}
}

// IsTerminalExecution reports whether t closes a tool execution.
func (t EventType) IsTerminalExecution() bool {
	return t == EventToolExecutionCompleted || t == EventToolExecutionFailed
}
