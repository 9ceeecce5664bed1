package dispatch

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-dispatch/internal/domain"
	"github.com/acme/outbound-call-dispatch/internal/repository"
)

// Run drives the sweep on the configured interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	e.log.Info("buffer sweep started", zap.Duration("interval", e.cfg.SweepInterval))
	for {
		select {
		case <-ctx.Done():
			e.log.Info("buffer sweep stopped")
			return nil
		case <-ticker.C():
			e.Sweep(ctx)
		}
	}
}

// Sweep retries buffered calls against the capacity available now, evicts
// entries past the max age and reclaims expired slots.
func (e *Engine) Sweep(ctx context.Context) {
	start := e.clock.Now()
	defer func() { e.metrics.ObserveSweep(e.clock.Since(start)) }()

	if e.buffer.Size() > 0 {
		e.sweepBuffer(ctx)

		if removed := e.buffer.EvictOlderThan(e.cfg.BufferMaxAge); removed > 0 {
			e.metrics.AddEvictions(removed)
			e.log.Warn("evicted stale calls from buffer",
				zap.Int("count", removed),
				zap.Duration("max_age", e.cfg.BufferMaxAge),
			)
		}
	}

	e.reapExpired(ctx)

	e.metrics.SetBufferSize(e.buffer.Size())
	if current, err := e.admission.CurrentConcurrency(ctx); err == nil {
		e.metrics.SetActiveSlots(current)
	}
}

func (e *Engine) sweepBuffer(ctx context.Context) {
	for _, destination := range e.buffer.ListDestinations() {
		if ctx.Err() != nil {
			return
		}

		current, err := e.admission.CurrentConcurrency(ctx)
		if err != nil {
			e.log.Error("read concurrency, skipping sweep", zap.Error(err))
			return
		}
		headroom := e.cfg.MaxConcurrentCalls - current
		if headroom <= 0 {
			e.log.Debug("no capacity for destination",
				zap.String("destination", destination),
				zap.Int("active", current),
			)
			continue
		}

		for _, callID := range e.buffer.ListByDestination(destination, headroom) {
			e.sweepEntry(ctx, callID, destination)
		}
	}
}

func (e *Engine) sweepEntry(ctx context.Context, callID uuid.UUID, destination string) {
	log := e.log.With(zap.String("call_id", callID.String()))

	release, ok := e.claim(callID)
	if !ok {
		return
	}
	defer release()

	call, err := e.calls.GetByID(ctx, callID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		log.Warn("buffered call not found, removing")
		e.buffer.Remove(callID)
		return
	case err != nil:
		log.Error("load buffered call", zap.Error(err))
		return
	case call.Status != domain.CallStatusPending:
		log.Info("buffered call no longer pending, removing", zap.String("status", string(call.Status)))
		e.buffer.Remove(callID)
		return
	}

	if e.tryAdmit(ctx, callID, destination) {
		e.buffer.Remove(callID)
	}
}

// reapExpired completes calls whose slot outlived the lock TTL without a callback.
func (e *Engine) reapExpired(ctx context.Context) {
	expired, err := e.admission.ReapExpired(ctx)
	if err != nil {
		e.log.Error("reap expired slots", zap.Error(err))
		return
	}
	if len(expired) == 0 {
		return
	}
	e.metrics.AddExpired(len(expired))

	now := e.clock.Now()
	for _, callID := range expired {
		call, transitioned, err := e.calls.Complete(ctx, callID, domain.CallStatusExpired, now)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				e.log.Error("expire call", zap.String("call_id", callID.String()), zap.Error(err))
			}
			continue
		}
		if transitioned {
			e.publishStatus(ctx, call)
			e.log.Warn("call expired without callback", zap.String("call_id", callID.String()))
		}
	}
}

// RunReconciler periodically re-buffers calls stuck in PENDING. It returns
// immediately when reconciliation is disabled.
func (e *Engine) RunReconciler(ctx context.Context) error {
	if e.cfg.ReconcileInterval <= 0 {
		return nil
	}

	ticker := e.clock.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := e.Reconcile(ctx); err != nil {
				e.log.Error("reconcile pending calls", zap.Error(err))
			}
		}
	}
}

// Reconcile buffers calls that have been PENDING longer than the reconcile
// age and are not buffered yet. It returns how many were added.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	cutoff := e.clock.Now().Add(-e.cfg.ReconcileAge)
	stale, err := e.calls.ListStalePending(ctx, cutoff, e.cfg.ReconcileBatch)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, call := range stale {
		release, ok := e.claim(call.ID)
		if !ok {
			continue
		}
		if e.buffer.Contains(call.ID) {
			release()
			continue
		}
		ok = e.buffer.Add(call.ID, call.Destination())
		release()
		if !ok {
			break
		}
		added++
	}

	if added > 0 {
		e.metrics.SetBufferSize(e.buffer.Size())
		e.log.Info("re-buffered stale pending calls",
			zap.Int("count", added),
			zap.Time("created_before", cutoff),
		)
	}
	return added, nil
}
