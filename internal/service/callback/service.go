// Package callback applies provider completion notifications to calls.
package callback

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/acme/outbound-call-dispatch/internal/domain"
	"github.com/acme/outbound-call-dispatch/internal/metrics"
	"github.com/acme/outbound-call-dispatch/internal/queue"
	"github.com/acme/outbound-call-dispatch/internal/repository"
	apperrors "github.com/acme/outbound-call-dispatch/pkg/errors"
	"github.com/acme/outbound-call-dispatch/pkg/logger"
)

// Releaser frees admission capacity held by a call.
type Releaser interface {
	Release(ctx context.Context, destination string, callID uuid.UUID) error
}

// StatusPublisher announces call status transitions.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg queue.StatusMessage) error
}

// Notification is one completion report from the provider.
type Notification struct {
	ExternalCallID string
	Status         string
	CompletedAt    *time.Time
}

// Service handles provider callbacks.
type Service struct {
	calls     repository.CallStore
	admission Releaser
	status    StatusPublisher
	apiKey    []byte
	clock     clock.PassiveClock
	log       *logger.Logger
	metrics   *metrics.Metrics
}

// NewService builds the callback handler. status and m may be nil.
func NewService(
	calls repository.CallStore,
	admission Releaser,
	status StatusPublisher,
	apiKey string,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		calls:     calls,
		admission: admission,
		status:    status,
		apiKey:    []byte(apiKey),
		clock:     clock.RealClock{},
		log:       log.Named("callback"),
		metrics:   m,
	}
}

// Authorize checks the shared secret presented by the provider.
func (s *Service) Authorize(key string) error {
	if key == "" || len(s.apiKey) == 0 {
		return apperrors.ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(key), s.apiKey) != 1 {
		return apperrors.ErrUnauthorized
	}
	return nil
}

// Handle applies a terminal status reported by the provider. Repeated
// notifications for the same call leave the record unchanged and release
// capacity only once.
func (s *Service) Handle(ctx context.Context, n Notification) (*domain.Call, error) {
	externalID := strings.TrimSpace(n.ExternalCallID)
	if externalID == "" {
		return nil, apperrors.Invalid("callId is required")
	}
	status, err := domain.ParseCallStatus(strings.ToUpper(strings.TrimSpace(n.Status)))
	if err != nil {
		return nil, apperrors.Invalid("%v", err)
	}
	if !status.IsTerminal() {
		return nil, apperrors.Invalid("status %s is not terminal", status)
	}

	call, err := s.calls.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("callback: lookup call: %w", err)
	}

	completedAt := s.clock.Now()
	if n.CompletedAt != nil && !n.CompletedAt.IsZero() {
		completedAt = *n.CompletedAt
	}

	updated, transitioned, err := s.calls.Complete(ctx, call.ID, status, completedAt)
	if err != nil {
		return nil, fmt.Errorf("callback: complete call: %w", err)
	}
	s.metrics.ObserveCallback(string(status), transitioned)

	log := s.log.WithContext(ctx).With(
		zap.String("call_id", call.ID.String()),
		zap.String("external_call_id", externalID),
		zap.String("status", string(status)),
	)
	if !transitioned && updated.Status == domain.CallStatusExpired && status != domain.CallStatusExpired {
		// the slot was already reclaimed by the reaper
		resolved, ok, err := s.calls.ResolveExpired(ctx, call.ID, status, completedAt)
		if err != nil {
			return nil, fmt.Errorf("callback: resolve expired call: %w", err)
		}
		if ok {
			s.publish(ctx, log, resolved, completedAt)
			log.Info("late callback resolved expired call")
		}
		return resolved, nil
	}
	if !transitioned {
		log.Info("callback did not change call", zap.String("current_status", string(updated.Status)))
		return updated, nil
	}

	if err := s.admission.Release(ctx, updated.Destination(), updated.ID); err != nil {
		log.Error("release slot", zap.Error(err))
	}
	s.publish(ctx, log, updated, completedAt)
	log.Info("call completed")
	return updated, nil
}

func (s *Service) publish(ctx context.Context, log *zap.Logger, call *domain.Call, at time.Time) {
	if s.status == nil {
		return
	}
	if err := s.status.PublishStatus(ctx, queue.NewStatusMessage(call, at)); err != nil {
		log.Warn("publish status", zap.Error(err))
	}
}
