package intent

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/outbound-call-dispatch/internal/queue"
	"github.com/acme/outbound-call-dispatch/pkg/logger"
)

// Reader is the subset of kafka.Reader the worker consumes from.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Engine handles decoded intents and runs the background loops.
type Engine interface {
	HandleIntent(ctx context.Context, msg queue.IntentMessage)
	Run(ctx context.Context) error
	RunReconciler(ctx context.Context) error
}

var _ Reader = (*kafka.Reader)(nil)

// Worker consumes call intents and feeds them to the dispatch engine.
type Worker struct {
	reader Reader
	engine Engine
	log    *logger.Logger
	tracer trace.Tracer
}

// New creates an intent worker. The worker owns reader and closes it on exit.
func New(reader Reader, engine Engine, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{
		reader: reader,
		engine: engine,
		log:    log.Named("intent_worker"),
		tracer: otel.Tracer("outbound.intentworker"),
	}
}

// Run starts the consumer alongside the sweep and reconciler loops and
// blocks until ctx is cancelled or one of them fails.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.engine.Run(gctx) })
	g.Go(func() error { return w.engine.RunReconciler(gctx) })
	g.Go(func() error { return w.consume(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (w *Worker) consume(ctx context.Context) error {
	w.log.Info("consuming call intents")
	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("fetch message", zap.Error(err))
			continue
		}

		if err := w.process(ctx, m); err != nil {
			w.log.Error("process message", zap.Error(err))
		}
	}
}

// process hands one message to the engine and commits its offset whatever
// the outcome.
func (w *Worker) process(ctx context.Context, m kafka.Message) error {
	msg, err := queue.DecodeIntent(m.Value)
	if err != nil {
		w.log.Warn("dropping malformed intent",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Error(err),
		)
		if cerr := w.reader.CommitMessages(ctx, m); cerr != nil {
			return fmt.Errorf("commit message: %w", cerr)
		}
		return nil
	}

	sctx, span := w.tracer.Start(ctx, "call.intent", trace.WithAttributes(
		attribute.String("call.id", msg.CallID.String()),
		attribute.Int64("kafka.offset", m.Offset),
	))
	defer span.End()

	w.engine.HandleIntent(sctx, msg)

	if err := w.reader.CommitMessages(sctx, m); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}
