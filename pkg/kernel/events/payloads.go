package events

// Payload is the event-specific body of an envelope. The set of
// implementations is closed: every EventType has exactly one payload type.
type Payload interface {
	EventType() EventType
	sealed()
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

type SessionStarted struct {
	Transport string            `json:"transport,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type SessionCompleted struct {
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
}

type SessionHalted struct {
	Reason          string   `json:"reason"`
	AbortedCalls    int      `json:"aborted_calls"`
	UnresolvedSteps []StepID `json:"unresolved_steps,omitempty"`
}

// ---------------------------------------------------------------------------
// Workflow and step
// ---------------------------------------------------------------------------

type WorkflowStarted struct {
	Name  string   `json:"name"`
	Steps []StepID `json:"steps"`
}

type WorkflowCompleted struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // completed, failed, halted
	Completed int    `json:"completed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

type StepStarted struct {
	StepID   StepID `json:"step_id"`
	StepName string `json:"step_name,omitempty"`
	Tool     string `json:"tool,omitempty"`
}

type StepCompleted struct {
	StepID     StepID `json:"step_id"`
	Tool       string `json:"tool,omitempty"`
	CallID     CallID `json:"call_id,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Result     any    `json:"result,omitempty"`
}

type StepBlocked struct {
	StepID              StepID   `json:"step_id"`
	MissingDependencies []StepID `json:"missing_dependencies"`
	Reason              string   `json:"reason"`
}

type StepSkipped struct {
	StepID StepID `json:"step_id"`
	Reason string `json:"reason"`
}

// ---------------------------------------------------------------------------
// LLM context and proposal
// ---------------------------------------------------------------------------

type LLMContextBuilt struct {
	MessageCount  int `json:"message_count"`
	ToolCount     int `json:"tool_count"`
	TokenEstimate int `json:"token_estimate,omitempty"`
}

type LLMRequestSent struct {
	Model        string `json:"model,omitempty"`
	MessageCount int    `json:"message_count"`
}

type LLMProposedToolCall struct {
	CallID    CallID         `json:"call_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	StepID    StepID         `json:"step_id,omitempty"`
}

type LLMFinalResponseGenerated struct {
	Text string `json:"text"`
}

// ---------------------------------------------------------------------------
// Validation / guardrail
// ---------------------------------------------------------------------------

type ToolCallValidationStarted struct {
	CallID CallID `json:"call_id"`
	Tool   string `json:"tool"`
}

type ToolCallValidationPassed struct {
	CallID    CallID `json:"call_id"`
	Tool      string `json:"tool"`
	Signature string `json:"signature"`
}

type ToolCallValidationFailed struct {
	CallID     CallID   `json:"call_id"`
	Tool       string   `json:"tool"`
	Reason     string   `json:"reason"`
	Violations []string `json:"violations,omitempty"`
}

type CallBudgetExceeded struct {
	CallID CallID `json:"call_id"`
	Tool   string `json:"tool"`
	Scope  string `json:"scope"` // tool, session, rate
	Limit  int    `json:"limit"`
	Count  int    `json:"count"`
	Reason string `json:"reason"`
}

type ToolLoopDetected struct {
	CallID      CallID `json:"call_id"`
	Tool        string `json:"tool"`
	Signature   string `json:"signature"`
	Repetitions int    `json:"repetitions"`
	Threshold   int    `json:"threshold"`
}

// ---------------------------------------------------------------------------
// Tool execution
// ---------------------------------------------------------------------------

type ToolExecutionStarted struct {
	CallID    CallID `json:"call_id"`
	Tool      string `json:"tool"`
	StepID    StepID `json:"step_id,omitempty"`
	TimeoutMs int64  `json:"timeout_ms"`
}

type ToolExecutionCompleted struct {
	CallID     CallID `json:"call_id"`
	Tool       string `json:"tool"`
	StepID     StepID `json:"step_id,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Result     any    `json:"result,omitempty"`
}

type ToolExecutionFailed struct {
	CallID     CallID `json:"call_id"`
	Tool       string `json:"tool"`
	StepID     StepID `json:"step_id,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

type TransportInitialized struct {
	Kind            string `json:"kind"`
	Target          string `json:"target,omitempty"`
	ServerName      string `json:"server_name,omitempty"`
	ServerVersion   string `json:"server_version,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

type TransportMessageSent struct {
	Method string `json:"method"`
}

type TransportMessageReceived struct {
	Method string `json:"method"`
	Error  bool   `json:"error,omitempty"`
}

type TransportError struct {
	Operation string `json:"operation"`
	Error     string `json:"error"`
}

// ---------------------------------------------------------------------------
// Tool registry
// ---------------------------------------------------------------------------

type ToolRegistryLoaded struct {
	ToolCount   int `json:"tool_count"`
	FailedCount int `json:"failed_count"`
}

type ToolRegistered struct {
	Tool    string `json:"tool"`
	Inputs  int    `json:"inputs"`
	Outputs int    `json:"outputs"`
}

type ToolRegistrationFailed struct {
	Tool   string `json:"tool"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// DependencyEdge is the wire form of an inferred tool dependency.
type DependencyEdge struct {
	Tool      string   `json:"tool"`
	DependsOn []string `json:"depends_on"`
}

type ToolDependenciesInferred struct {
	Edges []DependencyEdge `json:"edges"`
}

// ---------------------------------------------------------------------------
// Testing / assertions
// ---------------------------------------------------------------------------

type TestStarted struct {
	Name string `json:"name"`
}

type TestCompleted struct {
	Name       string `json:"name"`
	Status     string `json:"status"` // passed, failed, error
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
	DurationMs int64  `json:"duration_ms"`
}

type AssertionPassed struct {
	Test      string `json:"test"`
	Assertion string `json:"assertion"`
}

type AssertionFailed struct {
	Test      string `json:"test"`
	Assertion string `json:"assertion"`
	Expected  string `json:"expected,omitempty"`
	Actual    string `json:"actual,omitempty"`
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

type DiagnosticRaised struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Tool     string `json:"tool"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

type AdapterError struct {
	Adapter string  `json:"adapter"`
	Error   string  `json:"error"`
	EventID EventID `json:"event_id,omitempty"`
}

type RuntimeError struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

func (SessionStarted) EventType() EventType            { return EventSessionStarted }
func (SessionCompleted) EventType() EventType          { return EventSessionCompleted }
func (SessionHalted) EventType() EventType             { return EventSessionHalted }
func (WorkflowStarted) EventType() EventType           { return EventWorkflowStarted }
func (WorkflowCompleted) EventType() EventType         { return EventWorkflowCompleted }
func (StepStarted) EventType() EventType               { return EventStepStarted }
func (StepCompleted) EventType() EventType             { return EventStepCompleted }
func (StepBlocked) EventType() EventType               { return EventStepBlocked }
func (StepSkipped) EventType() EventType               { return EventStepSkipped }
func (LLMContextBuilt) EventType() EventType           { return EventLLMContextBuilt }
func (LLMRequestSent) EventType() EventType            { return EventLLMRequestSent }
func (LLMProposedToolCall) EventType() EventType       { return EventLLMProposedToolCall }
func (LLMFinalResponseGenerated) EventType() EventType { return EventLLMFinalResponseGenerated }
func (ToolCallValidationStarted) EventType() EventType { return EventToolCallValidationStarted }
func (ToolCallValidationPassed) EventType() EventType  { return EventToolCallValidationPassed }
func (ToolCallValidationFailed) EventType() EventType  { return EventToolCallValidationFailed }
func (CallBudgetExceeded) EventType() EventType        { return EventCallBudgetExceeded }
func (ToolLoopDetected) EventType() EventType          { return EventToolLoopDetected }
func (ToolExecutionStarted) EventType() EventType      { return EventToolExecutionStarted }
func (ToolExecutionCompleted) EventType() EventType    { return EventToolExecutionCompleted }
func (ToolExecutionFailed) EventType() EventType       { return EventToolExecutionFailed }
func (TransportInitialized) EventType() EventType      { return EventTransportInitialized }
func (TransportMessageSent) EventType() EventType      { return EventTransportMessageSent }
func (TransportMessageReceived) EventType() EventType  { return EventTransportMessageReceived }
func (TransportError) EventType() EventType            { return EventTransportError }
func (ToolRegistryLoaded) EventType() EventType        { return EventToolRegistryLoaded }
func (ToolRegistered) EventType() EventType            { return EventToolRegistered }
func (ToolRegistrationFailed) EventType() EventType    { return EventToolRegistrationFailed }
func (ToolDependenciesInferred) EventType() EventType  { return EventToolDependenciesInferred }
func (TestStarted) EventType() EventType               { return EventTestStarted }
func (TestCompleted) EventType() EventType             { return EventTestCompleted }
func (AssertionPassed) EventType() EventType           { return EventAssertionPassed }
func (AssertionFailed) EventType() EventType           { return EventAssertionFailed }
func (DiagnosticRaised) EventType() EventType          { return EventDiagnosticRaised }
func (AdapterError) EventType() EventType              { return EventAdapterError }
func (RuntimeError) EventType() EventType              { return EventRuntimeError }

func (SessionStarted) sealed()            {}
func (SessionCompleted) sealed()          {}
func (SessionHalted) sealed()             {}
func (WorkflowStarted) sealed()           {}
func (WorkflowCompleted) sealed()         {}
func (StepStarted) sealed()               {}
func (StepCompleted) sealed()             {}
func (StepBlocked) sealed()               {}
func (StepSkipped) sealed()               {}
func (LLMContextBuilt) sealed()           {}
func (LLMRequestSent) sealed()            {}
func (LLMProposedToolCall) sealed()       {}
func (LLMFinalResponseGenerated) sealed() {}
func (ToolCallValidationStarted) sealed() {}
func (ToolCallValidationPassed) sealed()  {}
func (ToolCallValidationFailed) sealed()  {}
func (CallBudgetExceeded) sealed()        {}
func (ToolLoopDetected) sealed()          {}
func (ToolExecutionStarted) sealed()      {}
func (ToolExecutionCompleted) sealed()    {}
func (ToolExecutionFailed) sealed()       {}
func (TransportInitialized) sealed()      {}
func (TransportMessageSent) sealed()      {}
func (TransportMessageReceived) sealed()  {}
func (TransportError) sealed()            {}
func (ToolRegistryLoaded) sealed()        {}
func (ToolRegistered) sealed()            {}
func (ToolRegistrationFailed) sealed()    {}
func (ToolDependenciesInferred) sealed()  {}
func (TestStarted) sealed()               {}
func (TestCompleted) sealed()             {}
func (AssertionPassed) sealed()           {}
func (AssertionFailed) sealed()           {}
func (DiagnosticRaised) sealed()          {}
func (AdapterError) sealed()              {}
func (RuntimeError) sealed()              {}
