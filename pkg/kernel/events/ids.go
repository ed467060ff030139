package events

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Identifiers are distinct string types so that a session id can never be
// passed where a workflow or call id is expected.
type (
	SessionID  string
	EventID    string
	WorkflowID string
	PromptID   string
	StepID     string
	CallID     string
)

// NewSessionID returns a fresh UUIDv7 session identifier.
func NewSessionID() SessionID { return SessionID(newUUID()) }

// NewWorkflowID returns a fresh UUIDv7 workflow identifier.
func NewWorkflowID() WorkflowID { return WorkflowID(newUUID()) }

// NewPromptID returns a fresh UUIDv7 prompt identifier.
func NewPromptID() PromptID { return PromptID(newUUID()) }

// NewCallID returns a fresh UUIDv7 tool-call identifier.
func NewCallID() CallID { return CallID(newUUID()) }

// NewEventID returns a time-sortable ULID event identifier.
func NewEventID() EventID { return EventID(ulid.Make().String()) }

func (id SessionID) String() string  { return string(id) }
func (id EventID) String() string    { return string(id) }
func (id WorkflowID) String() string { return string(id) }
func (id PromptID) String() string   { return string(id) }
func (id StepID) String() string     { return string(id) }
func (id CallID) String() string     { return string(id) }

// newUUID falls back to a random v4 if v7 generation fails.
func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
