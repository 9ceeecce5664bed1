package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-call-dispatch/internal/domain"
	apperrors "github.com/acme/outbound-call-dispatch/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CallStore persists the authoritative lifecycle state of calls.
// Every method is atomic per call row.
type CallStore interface {
	Create(ctx context.Context, payload domain.CallPayload) (*domain.Call, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Call, error)
	GetByExternalID(ctx context.Context, externalID string) (*domain.Call, error)

	// UpdateStatus sets endedAt iff status is terminal. Re-applying a terminal
	// status keeps the original endedAt.
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.CallStatus, lastError *string) (*domain.Call, error)
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
	UpdateExternalCallID(ctx context.Context, id uuid.UUID, externalID string) error

	// MarkInProgress stores the provider id and moves the call to IN_PROGRESS.
	MarkInProgress(ctx context.Context, id uuid.UUID, externalID string) (*domain.Call, error)
	// RecordFailedAttempt increments attempts and moves the call back to
	// PENDING, or to FAILED once the previous attempt count plus one reaches maxAttempts.
	RecordFailedAttempt(ctx context.Context, id uuid.UUID, maxAttempts int, reason string) (*domain.Call, error)
	// Complete applies a terminal status only if the call is IN_PROGRESS.
	// The returned flag is false when the call had already left IN_PROGRESS.
	Complete(ctx context.Context, id uuid.UUID, status domain.CallStatus, completedAt time.Time) (*domain.Call, bool, error)
	// ResolveExpired replaces EXPIRED with the provider's late terminal status.
	// The returned flag is false when the call was not EXPIRED.
	ResolveExpired(ctx context.Context, id uuid.UUID, status domain.CallStatus, completedAt time.Time) (*domain.Call, bool, error)

	ListByStatus(ctx context.Context, status domain.CallStatus, limit, offset int) ([]domain.Call, error)
	CountByStatus(ctx context.Context) (map[domain.CallStatus]int64, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Call, error)
}

// CallJournal keeps an append-only history of call status events.
type CallJournal interface {
	Append(ctx context.Context, event domain.CallEvent) error
	// List returns one page of events, oldest first, and the state for the
	// next page. An empty state means there are no more pages.
	List(ctx context.Context, callID uuid.UUID, limit int, pageState []byte) ([]domain.CallEvent, []byte, error)
}
