package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/outbound-call-dispatch/internal/domain"
	"github.com/acme/outbound-call-dispatch/internal/repository"
)

// CallJournal persists call status events in Scylla.
type CallJournal struct {
	session *gocql.Session
}

var _ repository.CallJournal = (*CallJournal)(nil)

// NewCallJournal creates a new journal.
func NewCallJournal(session *gocql.Session) *CallJournal {
	return &CallJournal{session: session}
}

// Append inserts one event into the call's partition.
func (j *CallJournal) Append(ctx context.Context, event domain.CallEvent) error {
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	if err := j.session.Query(`INSERT INTO call_events (call_id, occurred_at, event_id, status, attempts, external_call_id, destination, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.CallID.String(), occurredAt, gocql.UUIDFromTime(occurredAt), string(event.Status), event.Attempts,
		event.ExternalCallID, event.Destination, event.Detail,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("call journal: insert: %w", err)
	}
	return nil
}

// List returns one page of events for the call, oldest first.
func (j *CallJournal) List(ctx context.Context, callID uuid.UUID, limit int, pageState []byte) ([]domain.CallEvent, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := j.session.Query(`SELECT occurred_at, status, attempts, external_call_id, destination, detail
		FROM call_events WHERE call_id = ?`, callID.String()).WithContext(ctx).PageSize(limit)
	if len(pageState) > 0 {
		query = query.PageState(pageState)
	}
	iter := query.Iter()

	var (
		occurredAt  time.Time
		status      string
		attempts    int
		externalID  string
		destination string
		detail      string
	)

	events := make([]domain.CallEvent, 0, limit)
	for len(events) < limit && iter.Scan(&occurredAt, &status, &attempts, &externalID, &destination, &detail) {
		events = append(events, domain.CallEvent{
			CallID:         callID,
			Status:         domain.CallStatus(status),
			Attempts:       attempts,
			ExternalCallID: externalID,
			Destination:    destination,
			Detail:         detail,
			OccurredAt:     occurredAt,
		})
	}

	next := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("call journal: iter close: %w", err)
	}
	return events, next, nil
}
