// Package dispatch decides when each pending call may start. Intents are
// admitted immediately when capacity allows and buffered otherwise; a
// periodic sweep retries buffered calls as slots free up.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/acme/outbound-call-dispatch/internal/domain"
	"github.com/acme/outbound-call-dispatch/internal/metrics"
	"github.com/acme/outbound-call-dispatch/internal/queue"
	"github.com/acme/outbound-call-dispatch/internal/repository"
	"github.com/acme/outbound-call-dispatch/internal/service/admission"
	"github.com/acme/outbound-call-dispatch/internal/service/buffer"
	"github.com/acme/outbound-call-dispatch/internal/telephony"
	"github.com/acme/outbound-call-dispatch/pkg/logger"
)

// Admission is the capacity contract the engine relies on.
type Admission interface {
	CanAdmit(ctx context.Context, destination string) bool
	Acquire(ctx context.Context, destination string, callID uuid.UUID) error
	Release(ctx context.Context, destination string, callID uuid.UUID) error
	CurrentConcurrency(ctx context.Context) (int, error)
	ReapExpired(ctx context.Context) ([]uuid.UUID, error)
}

// StatusPublisher announces call status transitions.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg queue.StatusMessage) error
}

// DeadLetterPublisher records intents that were dropped.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, msg queue.DeadLetterMessage) error
}

var (
	_ Admission           = (*admission.Controller)(nil)
	_ StatusPublisher     = (*queue.StatusPublisher)(nil)
	_ DeadLetterPublisher = (*queue.DeadLetterPublisher)(nil)
)

// Config tunes the engine.
type Config struct {
	MaxConcurrentCalls int
	MaxRetryAttempts   int
	SweepInterval      time.Duration
	BufferMaxAge       time.Duration
	ProviderTimeout    time.Duration
	WebhookURL         string

	ReconcileInterval time.Duration
	ReconcileAge      time.Duration
	ReconcileBatch    int
}

func (c *Config) setDefaults() {
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 2 * time.Second
	}
	if c.BufferMaxAge <= 0 {
		c.BufferMaxAge = 5 * time.Minute
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 10 * time.Second
	}
	if c.ReconcileAge <= 0 {
		c.ReconcileAge = 10 * time.Minute
	}
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = 100
	}
}

// Deps are the collaborators of an Engine. Status and DeadLetters are optional.
type Deps struct {
	Calls       repository.CallStore
	Admission   Admission
	Buffer      *buffer.Buffer
	Provider    telephony.Provider
	Status      StatusPublisher
	DeadLetters DeadLetterPublisher
	Clock       clock.WithTicker
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
}

// Engine is the admission-controlled dispatcher.
type Engine struct {
	cfg         Config
	calls       repository.CallStore
	admission   Admission
	buffer      *buffer.Buffer
	provider    telephony.Provider
	status      StatusPublisher
	deadLetters DeadLetterPublisher
	clock       clock.WithTicker
	log         *logger.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer

	// calls claimed by intake or the sweep
	inflight sync.Map
}

// NewEngine wires an engine from its dependencies.
func NewEngine(cfg Config, deps Deps) *Engine {
	cfg.setDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	return &Engine{
		cfg:         cfg,
		calls:       deps.Calls,
		admission:   deps.Admission,
		buffer:      deps.Buffer,
		provider:    deps.Provider,
		status:      deps.Status,
		deadLetters: deps.DeadLetters,
		clock:       deps.Clock,
		log:         deps.Logger.Named("dispatch"),
		metrics:     deps.Metrics,
		tracer:      otel.Tracer("outbound.dispatch"),
	}
}

// BufferStats reports the pending buffer.
func (e *Engine) BufferStats() buffer.Stats {
	return e.buffer.Stats()
}

// HandleIntent processes one call intent. It never fails: every outcome is
// logged and the intent is considered handled.
func (e *Engine) HandleIntent(ctx context.Context, msg queue.IntentMessage) {
	log := e.log.WithContext(ctx).With(zap.String("call_id", msg.CallID.String()))
	destination := msg.To

	release, ok := e.claim(msg.CallID)
	if !ok {
		log.Debug("call already being dispatched, skipping intent")
		e.metrics.ObserveAdmission(metrics.OutcomeSkipped)
		return
	}
	defer release()

	call, err := e.calls.GetByID(ctx, msg.CallID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		log.Warn("intent for unknown call")
	case err != nil:
		log.Error("load call for intent", zap.Error(err))
	default:
		if call.Status != domain.CallStatusPending {
			log.Info("intent for call no longer pending, skipping", zap.String("status", string(call.Status)))
			e.metrics.ObserveAdmission(metrics.OutcomeSkipped)
			return
		}
		if destination == "" {
			destination = call.Destination()
		}
	}

	if destination == "" {
		e.reject(ctx, msg.CallID, destination, "destination unresolved")
		return
	}
	if e.buffer.Contains(msg.CallID) {
		log.Debug("intent already buffered")
		return
	}

	if e.tryAdmit(ctx, msg.CallID, destination) {
		return
	}

	if !e.buffer.Add(msg.CallID, destination) {
		if e.buffer.Contains(msg.CallID) {
			return
		}
		e.reject(ctx, msg.CallID, destination, "buffer full")
		return
	}
	e.metrics.ObserveAdmission(metrics.OutcomeBuffered)
	e.metrics.SetBufferSize(e.buffer.Size())
	log.Info("call buffered", zap.String("destination", destination))
}

// TryAdmit attempts to start the call now. It returns true when the call no
// longer needs buffering: it was admitted, it failed terminally, or it has
// already left PENDING. A call being dispatched by another path reports false.
func (e *Engine) TryAdmit(ctx context.Context, callID uuid.UUID, destination string) bool {
	release, ok := e.claim(callID)
	if !ok {
		return false
	}
	defer release()
	return e.tryAdmit(ctx, callID, destination)
}

// claim marks the call as owned by the caller until release is called. Only
// one of intake and the sweep may decide a call's fate at a time.
func (e *Engine) claim(callID uuid.UUID) (release func(), ok bool) {
	if _, busy := e.inflight.LoadOrStore(callID, struct{}{}); busy {
		return nil, false
	}
	return func() { e.inflight.Delete(callID) }, true
}

// tryAdmit must be called with the call claimed.
func (e *Engine) tryAdmit(ctx context.Context, callID uuid.UUID, destination string) bool {
	log := e.log.WithContext(ctx).With(
		zap.String("call_id", callID.String()),
		zap.String("destination", destination),
	)

	if !e.admission.CanAdmit(ctx, destination) {
		e.metrics.ObserveAdmission(metrics.OutcomeDenied)
		return false
	}

	call, err := e.calls.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("call not found")
		} else {
			log.Error("load call", zap.Error(err))
		}
		e.metrics.ObserveAdmission(metrics.OutcomeMissing)
		return false
	}
	if call.Status != domain.CallStatusPending {
		return true
	}

	if err := e.admission.Acquire(ctx, destination, callID); err != nil {
		if !errors.Is(err, admission.ErrNoCapacity) && !errors.Is(err, admission.ErrDestinationBusy) {
			log.Error("acquire slot", zap.Error(err))
		}
		e.metrics.ObserveAdmission(metrics.OutcomeDenied)
		return false
	}

	// A held slot must end in either IN_PROGRESS or a released slot.
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.Start(ctx, "call.admit", trace.WithAttributes(
		attribute.String("call.id", callID.String()),
		attribute.Int("call.attempts", call.Attempts),
	))
	defer span.End()

	externalID, err := e.startCall(ctx, call)
	if err == nil {
		var started *domain.Call
		started, err = e.calls.MarkInProgress(ctx, callID, externalID)
		if err == nil {
			e.publishStatus(ctx, started)
			e.metrics.ObserveAdmission(metrics.OutcomeAdmitted)
			log.Info("call started", zap.String("external_call_id", externalID))
			return true
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return e.recordFailure(ctx, log, callID, destination, err)
}

func (e *Engine) startCall(ctx context.Context, call *domain.Call) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()

	return e.provider.StartCall(ctx, telephony.Request{
		CallID:     call.ID,
		To:         call.Destination(),
		ScriptID:   call.Payload.ScriptID,
		WebhookURL: e.cfg.WebhookURL,
		Metadata:   call.Payload.Metadata,
	})
}

// recordFailure rolls back the slot and applies the retry policy.
func (e *Engine) recordFailure(ctx context.Context, log *zap.Logger, callID uuid.UUID, destination string, cause error) bool {
	if err := e.admission.Release(ctx, destination, callID); err != nil {
		log.Error("release slot after failed start", zap.Error(err))
	}

	updated, err := e.calls.RecordFailedAttempt(ctx, callID, e.cfg.MaxRetryAttempts, cause.Error())
	if err != nil {
		log.Error("record failed attempt", zap.Error(err), zap.NamedError("cause", cause))
		return false
	}
	e.publishStatus(ctx, updated)

	if updated.Status == domain.CallStatusFailed {
		e.metrics.ObserveAdmission(metrics.OutcomeFailed)
		log.Warn("call failed after max attempts",
			zap.Int("attempts", updated.Attempts),
			zap.NamedError("cause", cause),
		)
		return true
	}

	e.metrics.ObserveAdmission(metrics.OutcomeRetry)
	log.Warn("call start failed, will retry",
		zap.Int("attempts", updated.Attempts),
		zap.NamedError("cause", cause),
	)
	return false
}

func (e *Engine) reject(ctx context.Context, callID uuid.UUID, destination, reason string) {
	e.metrics.ObserveAdmission(metrics.OutcomeRejected)
	e.log.WithContext(ctx).Warn("dropping call intent",
		zap.String("call_id", callID.String()),
		zap.String("destination", destination),
		zap.String("reason", reason),
	)
	if e.deadLetters == nil {
		return
	}
	msg := queue.DeadLetterMessage{
		CallID:      callID,
		Destination: destination,
		Reason:      reason,
		OccurredAt:  e.clock.Now().UTC(),
	}
	if err := e.deadLetters.PublishDeadLetter(ctx, msg); err != nil {
		e.log.Error("publish dead letter", zap.String("call_id", callID.String()), zap.Error(err))
	}
}

func (e *Engine) publishStatus(ctx context.Context, call *domain.Call) {
	if e.status == nil || call == nil {
		return
	}
	if err := e.status.PublishStatus(ctx, queue.NewStatusMessage(call, e.clock.Now())); err != nil {
		e.log.Warn("publish status", zap.String("call_id", call.ID.String()), zap.Error(err))
	}
}
