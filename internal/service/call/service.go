package call

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-dispatch/internal/domain"
	"github.com/acme/outbound-call-dispatch/internal/queue"
	"github.com/acme/outbound-call-dispatch/internal/repository"
	apperrors "github.com/acme/outbound-call-dispatch/pkg/errors"
	"github.com/acme/outbound-call-dispatch/pkg/logger"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// IntentPublisher pushes call intents to the dispatcher.
type IntentPublisher interface {
	PublishIntent(ctx context.Context, msg queue.IntentMessage) error
}

// Capacity is the part of the admission controller the API needs.
type Capacity interface {
	Release(ctx context.Context, destination string, callID uuid.UUID) error
	CurrentConcurrency(ctx context.Context) (int, error)
}

// Service coordinates call lifecycle operations exposed over HTTP.
type Service struct {
	calls    repository.CallStore
	journal  repository.CallJournal
	intents  IntentPublisher
	capacity Capacity
	log      *logger.Logger
}

// NewService builds the call management service. journal may be nil.
func NewService(
	store repository.CallStore,
	journal repository.CallJournal,
	intents IntentPublisher,
	capacity Capacity,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		calls:    store,
		journal:  journal,
		intents:  intents,
		capacity: capacity,
		log:      log.Named("calls"),
	}
}

// CreateCallInput encapsulates the arguments for creating a call.
type CreateCallInput struct {
	To       string
	ScriptID string
	Metadata map[string]any
}

// CreateCall persists a PENDING call and publishes its intent. A failed
// publish is logged; the call is still returned.
func (s *Service) CreateCall(ctx context.Context, input CreateCallInput) (*domain.Call, error) {
	to := strings.TrimSpace(input.To)
	if to == "" {
		return nil, apperrors.Invalid("to is required")
	}
	scriptID := strings.TrimSpace(input.ScriptID)
	if scriptID == "" {
		return nil, apperrors.Invalid("scriptId is required")
	}

	call, err := s.calls.Create(ctx, domain.CallPayload{To: to, ScriptID: scriptID, Metadata: input.Metadata})
	if err != nil {
		return nil, fmt.Errorf("call service: persist call: %w", err)
	}

	if err := s.intents.PublishIntent(ctx, queue.IntentMessage{CallID: call.ID, To: to}); err != nil {
		s.log.WithContext(ctx).Warn("could not publish call intent",
			zap.String("call_id", call.ID.String()),
			zap.Error(err),
		)
	}
	return call, nil
}

// GetCall retrieves a call by id.
func (s *Service) GetCall(ctx context.Context, id uuid.UUID) (*domain.Call, error) {
	call, err := s.calls.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("call service: get call: %w", err)
	}
	return call, nil
}

// ListCalls lists calls in the given status, newest first.
func (s *Service) ListCalls(ctx context.Context, status string, limit, offset int) ([]domain.Call, error) {
	parsed, err := domain.ParseCallStatus(strings.ToUpper(strings.TrimSpace(status)))
	if err != nil {
		return nil, apperrors.Invalid("%v", err)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	calls, err := s.calls.ListByStatus(ctx, parsed, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("call service: list calls: %w", err)
	}
	return calls, nil
}

// UpdateStatusInput is a manual status change.
type UpdateStatusInput struct {
	Status string
	Error  *string
}

// UpdateStatus applies a manual status change. Terminating an IN_PROGRESS
// call goes through the same guarded transition as a provider callback so
// its slot is released exactly once; moving it back to PENDING releases the
// slot too. IN_PROGRESS is only set by the dispatcher, and a terminal call
// can only be re-marked with its own status.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, input UpdateStatusInput) (*domain.Call, error) {
	status, err := domain.ParseCallStatus(strings.ToUpper(strings.TrimSpace(input.Status)))
	if err != nil {
		return nil, apperrors.Invalid("%v", err)
	}
	if status == domain.CallStatusInProgress {
		return nil, apperrors.Invalid("status %s is set by the dispatcher", status)
	}

	current, err := s.calls.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("call service: get call: %w", err)
	}
	if current.Status.IsTerminal() && current.Status != status {
		return nil, fmt.Errorf("%w: call is already %s", apperrors.ErrConflict, current.Status)
	}

	if current.Status == domain.CallStatusInProgress {
		if status.IsTerminal() {
			updated, transitioned, err := s.calls.Complete(ctx, id, status, time.Now().UTC())
			if err != nil {
				return nil, fmt.Errorf("call service: complete call: %w", err)
			}
			if transitioned {
				s.release(ctx, updated)
				if input.Error == nil {
					return updated, nil
				}
			}
		} else {
			updated, err := s.calls.UpdateStatus(ctx, id, status, input.Error)
			if err != nil {
				return nil, fmt.Errorf("call service: update status: %w", err)
			}
			s.release(ctx, updated)
			return updated, nil
		}
	}

	updated, err := s.calls.UpdateStatus(ctx, id, status, input.Error)
	if err != nil {
		return nil, fmt.Errorf("call service: update status: %w", err)
	}
	return updated, nil
}

func (s *Service) release(ctx context.Context, call *domain.Call) {
	if err := s.capacity.Release(ctx, call.Destination(), call.ID); err != nil {
		s.log.WithContext(ctx).Error("release slot",
			zap.String("call_id", call.ID.String()),
			zap.Error(err),
		)
	}
}

// EventPage is one page of a call's status journal.
type EventPage struct {
	Events        []domain.CallEvent
	NextPageToken string
}

// ListEvents returns a page of the status journal of a call. pageToken is
// the NextPageToken of a previous page, or empty for the first one.
func (s *Service) ListEvents(ctx context.Context, id uuid.UUID, limit int, pageToken string) (*EventPage, error) {
	if _, err := s.calls.GetByID(ctx, id); err != nil {
		return nil, fmt.Errorf("call service: get call: %w", err)
	}
	if s.journal == nil {
		return nil, fmt.Errorf("%w: call journal not configured", apperrors.ErrUnavailable)
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	state, err := decodePageToken(pageToken)
	if err != nil {
		return nil, err
	}

	events, next, err := s.journal.List(ctx, id, limit, state)
	if err != nil {
		return nil, fmt.Errorf("call service: list events: %w", err)
	}
	return &EventPage{Events: events, NextPageToken: encodePageToken(next)}, nil
}

// Metrics holds per-status counts and the global slot usage.
type Metrics struct {
	Counts      map[domain.CallStatus]int64
	ActiveSlots int
}

// Metrics returns per-status call counts and the current slot usage.
func (s *Service) Metrics(ctx context.Context) (Metrics, error) {
	counts, err := s.calls.CountByStatus(ctx)
	if err != nil {
		return Metrics{}, fmt.Errorf("call service: count calls: %w", err)
	}

	active, err := s.capacity.CurrentConcurrency(ctx)
	if err != nil {
		s.log.WithContext(ctx).Warn("read active slots", zap.Error(err))
		active = -1
	}
	return Metrics{Counts: counts, ActiveSlots: active}, nil
}
