package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallStatus enumerates lifecycle stages for an individual call.
type CallStatus string

const (
	CallStatusPending    CallStatus = "PENDING"
	CallStatusInProgress CallStatus = "IN_PROGRESS"
	CallStatusCompleted  CallStatus = "COMPLETED"
	CallStatusFailed     CallStatus = "FAILED"
	CallStatusExpired    CallStatus = "EXPIRED"
	CallStatusBusy       CallStatus = "BUSY"
	CallStatusNoAnswer   CallStatus = "NO_ANSWER"
)

// TerminalStatuses lists every status from which no further dispatch happens.
var TerminalStatuses = []CallStatus{
	CallStatusCompleted,
	CallStatusFailed,
	CallStatusExpired,
	CallStatusBusy,
	CallStatusNoAnswer,
}

// IsTerminal reports whether the status ends the call lifecycle.
func (s CallStatus) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s CallStatus) Valid() bool {
	return s == CallStatusPending || s == CallStatusInProgress || s.IsTerminal()
}

// ParseCallStatus converts a wire value into a CallStatus.
func ParseCallStatus(value string) (CallStatus, error) {
	status := CallStatus(value)
	if !status.Valid() {
		return "", fmt.Errorf("unknown call status %q", value)
	}
	return status, nil
}

// CallPayload is the immutable request data of a call.
type CallPayload struct {
	To       string         `json:"to"`
	ScriptID string         `json:"scriptId"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Call represents one outbound call attempt lifecycle.
type Call struct {
	ID             uuid.UUID
	Payload        CallPayload
	Status         CallStatus
	Attempts       int
	LastError      *string
	ExternalCallID *string
	CreatedAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time
}

// Destination is the address the call targets.
func (c *Call) Destination() string {
	return c.Payload.To
}

// CallEvent is one entry of a call's lifecycle journal.
type CallEvent struct {
	CallID         uuid.UUID
	Status         CallStatus
	Attempts       int
	ExternalCallID string
	Destination    string
	Detail         string
	OccurredAt     time.Time
}
