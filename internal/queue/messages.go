package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-dispatch/internal/domain"
)

// IntentMessage asks the dispatcher to start a call. To may be empty, in
// which case the destination is read from the call record.
type IntentMessage struct {
	CallID uuid.UUID `json:"callId"`
	To     string    `json:"to,omitempty"`
}

// DecodeIntent parses an intent from a raw Kafka value.
func DecodeIntent(value []byte) (IntentMessage, error) {
	var msg IntentMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return IntentMessage{}, fmt.Errorf("intent: decode: %w", err)
	}
	if msg.CallID == uuid.Nil {
		return IntentMessage{}, fmt.Errorf("intent: missing callId")
	}
	msg.To = strings.TrimSpace(msg.To)
	return msg, nil
}

// StatusMessage reports a call status transition.
type StatusMessage struct {
	CallID         uuid.UUID `json:"call_id"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	ExternalCallID string    `json:"external_call_id,omitempty"`
	Destination    string    `json:"destination"`
	Error          string    `json:"error,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewStatusMessage builds a status message from the current call record.
func NewStatusMessage(call *domain.Call, occurredAt time.Time) StatusMessage {
	msg := StatusMessage{
		CallID:      call.ID,
		Status:      string(call.Status),
		Attempts:    call.Attempts,
		Destination: call.Destination(),
		OccurredAt:  occurredAt.UTC(),
	}
	if call.ExternalCallID != nil {
		msg.ExternalCallID = *call.ExternalCallID
	}
	if call.LastError != nil && call.Status != domain.CallStatusInProgress {
		msg.Error = *call.LastError
	}
	return msg
}

// Event converts the message into a journal entry.
func (m StatusMessage) Event() domain.CallEvent {
	return domain.CallEvent{
		CallID:         m.CallID,
		Status:         domain.CallStatus(m.Status),
		Attempts:       m.Attempts,
		ExternalCallID: m.ExternalCallID,
		Destination:    m.Destination,
		Detail:         m.Error,
		OccurredAt:     m.OccurredAt,
	}
}

// DeadLetterMessage records an intent the dispatcher dropped.
type DeadLetterMessage struct {
	CallID      uuid.UUID `json:"call_id"`
	Destination string    `json:"destination"`
	Reason      string    `json:"reason"`
	OccurredAt  time.Time `json:"occurred_at"`
}
