package core

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the terminal outcome of a command or chat call
type Status string

const (
	// Remote Quick Command outcomes
	StatusCompleted Status = "COMPLETED"
	StatusFailure   Status = "FAILURE"
	StatusError     Status = "ERROR"
	StatusTimeout   Status = "TIMEOUT"

	// Agent chat outcome (agent calls share ERROR and TIMEOUT)
	StatusSuccess Status = "SUCCESS"
)

// ExecutionStatus is the server-reported state of a remote execution.
// The set of values is open: the server may introduce new intermediate
// states at any time, and unknown values are treated as non-terminal.
type ExecutionStatus string

const (
	ExecutionCreated   ExecutionStatus = "CREATED"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailure   ExecutionStatus = "FAILURE"
	ExecutionError     ExecutionStatus = "ERROR"
)

// IsTerminal returns true if no further progress is possible from this status
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailure || s == ExecutionError
}

// Request is a single unit of work submitted to the platform.
// It is treated as a value by the library: callers own it, and apart from
// filling an empty ID with a generated one and the two audit fields stamped
// during submission it is never mutated.
type Request struct {
	// ID uniquely identifies the request. Auto-generated when empty.
	ID string `json:"id"`

	// Payload is the opaque request body handed to the platform
	Payload interface{} `json:"payload"`

	// Metadata carries optional caller-supplied key/value pairs
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// ExecutionID is the server-assigned execution handle (audit field,
	// populated after a successful create call)
	ExecutionID string `json:"execution_id,omitempty"`

	// SubmittedAt is when the create call succeeded (audit field)
	SubmittedAt time.Time `json:"submitted_at,omitempty"`
}

// NewRequest creates a Request with a generated unique ID
func NewRequest(payload interface{}) *Request {
	return &Request{
		ID:      uuid.NewString(),
		Payload: payload,
	}
}

// EnsureID assigns a generated ID if the request does not carry one
func (r *Request) EnsureID() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
}

// Response is the envelope every public operation returns. Failure modes are
// encoded in Status and Error; the library never raises out of Execute or
// Chat.
type Response struct {
	// Status is the terminal outcome
	Status Status `json:"status"`

	// Result is the handler pipeline's output (type depends on the
	// attached handlers; the raw platform value when none are attached)
	Result interface{} `json:"result,omitempty"`

	// RawResult is the uninterpreted platform result field
	RawResult interface{} `json:"raw_result,omitempty"`

	// Error holds a human-readable failure message, empty on success
	Error string `json:"error,omitempty"`

	// RawResponse is the entire decoded terminal response body
	RawResponse map[string]interface{} `json:"raw_response,omitempty"`

	// ConversationID is the conversation handle returned by agent calls
	ConversationID string `json:"conversation_id,omitempty"`
}

// OK reports whether the call reached its success outcome
func (r *Response) OK() bool {
	return r.Status == StatusCompleted || r.Status == StatusSuccess
}
