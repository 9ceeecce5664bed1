package status

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/outbound-call-dispatch/internal/domain"
	"github.com/acme/outbound-call-dispatch/internal/queue"
	"github.com/acme/outbound-call-dispatch/pkg/logger"
)

// Reader is the subset of kafka.Reader the worker consumes from.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Journal receives projected status events.
type Journal interface {
	Append(ctx context.Context, event domain.CallEvent) error
}

// Worker consumes call status updates and appends them to the journal.
type Worker struct {
	reader  Reader
	journal Journal
	log     *logger.Logger
}

// New creates a new status worker. The worker owns reader and closes it on exit.
func New(reader Reader, journal Journal, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{reader: reader, journal: journal, log: log.Named("status_worker")}
}

// Run processes status events until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("fetch", zap.Error(err))
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) {
	var status queue.StatusMessage
	if err := json.Unmarshal(msg.Value, &status); err != nil {
		w.log.Error("unmarshal", zap.Int64("offset", msg.Offset), zap.Error(err))
		_ = w.reader.CommitMessages(ctx, msg)
		return
	}

	tracer := otel.Tracer("outbound.statusworker")
	sctx, span := tracer.Start(ctx, "call.status", trace.WithAttributes(
		attribute.String("call.id", status.CallID.String()),
		attribute.String("call.status", status.Status),
		attribute.Int("attempts", status.Attempts),
	))
	defer span.End()

	if err := w.journal.Append(sctx, status.Event()); err != nil {
		// leave uncommitted so the event is redelivered after a restart
		span.RecordError(err)
		w.log.WithContext(sctx).Error("append event",
			zap.String("call_id", status.CallID.String()),
			zap.Error(err),
		)
		return
	}

	if err := w.reader.CommitMessages(sctx, msg); err != nil {
		span.RecordError(err)
		w.log.Error("commit", zap.Error(err))
	}
}
