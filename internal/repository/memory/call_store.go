package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/acme/outbound-call-dispatch/internal/domain"
	"github.com/acme/outbound-call-dispatch/internal/repository"
)

// CallStore is a process-local repository.CallStore. Each method holds the
// store lock for its whole duration, which gives per-row atomicity.
type CallStore struct {
	mu         sync.Mutex
	clock      clock.PassiveClock
	calls      map[uuid.UUID]*domain.Call
	byExternal map[string]uuid.UUID
}

var _ repository.CallStore = (*CallStore)(nil)

// NewCallStore builds an empty store. A nil clock falls back to the real clock.
func NewCallStore(c clock.PassiveClock) *CallStore {
	if c == nil {
		c = clock.RealClock{}
	}
	return &CallStore{
		clock:      c,
		calls:      make(map[uuid.UUID]*domain.Call),
		byExternal: make(map[string]uuid.UUID),
	}
}

func (s *CallStore) Create(_ context.Context, payload domain.CallPayload) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := &domain.Call{
		ID:        uuid.New(),
		Payload:   payload,
		Status:    domain.CallStatusPending,
		CreatedAt: s.clock.Now().UTC(),
	}
	s.calls[call.ID] = call
	return clone(call), nil
}

func (s *CallStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(call), nil
}

func (s *CallStore) GetByExternalID(_ context.Context, externalID string) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(s.calls[id]), nil
}

func (s *CallStore) UpdateStatus(_ context.Context, id uuid.UUID, status domain.CallStatus, lastError *string) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	s.setStatus(call, status, lastError)
	return clone(call), nil
}

func (s *CallStore) IncrementAttempts(_ context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok {
		return 0, repository.ErrNotFound
	}
	call.Attempts++
	return call.Attempts, nil
}

func (s *CallStore) UpdateExternalCallID(_ context.Context, id uuid.UUID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.setExternalID(id, externalID)
}

func (s *CallStore) MarkInProgress(_ context.Context, id uuid.UUID, externalID string) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setExternalID(id, externalID); err != nil {
		return nil, err
	}
	call := s.calls[id]
	s.setStatus(call, domain.CallStatusInProgress, nil)
	return clone(call), nil
}

func (s *CallStore) RecordFailedAttempt(_ context.Context, id uuid.UUID, maxAttempts int, reason string) (*domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}

	previous := call.Attempts
	call.Attempts++
	next := domain.CallStatusFailed
	if previous+1 < maxAttempts {
		next = domain.CallStatusPending
	}
	s.setStatus(call, next, &reason)
	return clone(call), nil
}

func (s *CallStore) Complete(_ context.Context, id uuid.UUID, status domain.CallStatus, completedAt time.Time) (*domain.Call, bool, error) {
	if !status.IsTerminal() {
		return nil, false, fmt.Errorf("memory store: complete with non-terminal status %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if call.Status != domain.CallStatusInProgress {
		return clone(call), false, nil
	}

	call.Status = status
	if call.EndedAt == nil {
		t := completedAt.UTC()
		call.EndedAt = &t
	}
	return clone(call), true, nil
}

func (s *CallStore) ResolveExpired(_ context.Context, id uuid.UUID, status domain.CallStatus, completedAt time.Time) (*domain.Call, bool, error) {
	if !status.IsTerminal() || status == domain.CallStatusExpired {
		return nil, false, fmt.Errorf("memory store: resolve expired with status %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[id]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if call.Status != domain.CallStatusExpired {
		return clone(call), false, nil
	}

	call.Status = status
	t := completedAt.UTC()
	call.EndedAt = &t
	return clone(call), true, nil
}

func (s *CallStore) ListByStatus(_ context.Context, status domain.CallStatus, limit, offset int) ([]domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := s.filter(func(c *domain.Call) bool { return c.Status == status })
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	return page(matched, limit, offset), nil
}

func (s *CallStore) CountByStatus(_ context.Context) (map[domain.CallStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.CallStatus]int64)
	for _, call := range s.calls {
		counts[call.Status]++
	}
	return counts, nil
}

func (s *CallStore) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]domain.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := s.filter(func(c *domain.Call) bool {
		return c.Status == domain.CallStatusPending && c.CreatedAt.Before(createdBefore)
	})
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return page(matched, limit, 0), nil
}

func (s *CallStore) setStatus(call *domain.Call, status domain.CallStatus, lastError *string) {
	now := s.clock.Now().UTC()
	call.Status = status
	call.LastError = copyString(lastError)
	if status == domain.CallStatusInProgress && call.StartedAt == nil {
		call.StartedAt = &now
	}
	switch {
	case !status.IsTerminal():
		call.EndedAt = nil
	case call.EndedAt == nil:
		call.EndedAt = &now
	}
}

func (s *CallStore) setExternalID(id uuid.UUID, externalID string) error {
	call, ok := s.calls[id]
	if !ok {
		return repository.ErrNotFound
	}
	if call.ExternalCallID != nil {
		delete(s.byExternal, *call.ExternalCallID)
	}
	call.ExternalCallID = &externalID
	s.byExternal[externalID] = id
	return nil
}

func (s *CallStore) filter(keep func(*domain.Call) bool) []domain.Call {
	var out []domain.Call
	for _, call := range s.calls {
		if keep(call) {
			out = append(out, *clone(call))
		}
	}
	return out
}

func page(calls []domain.Call, limit, offset int) []domain.Call {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(calls) {
		return nil
	}
	calls = calls[offset:]
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls
}

func clone(call *domain.Call) *domain.Call {
	c := *call
	c.LastError = copyString(call.LastError)
	c.ExternalCallID = copyString(call.ExternalCallID)
	if call.StartedAt != nil {
		t := *call.StartedAt
		c.StartedAt = &t
	}
	if call.EndedAt != nil {
		t := *call.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}
