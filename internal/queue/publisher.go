package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by the publishers.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var _ MessageWriter = (*kafka.Writer)(nil)

func publishJSON(ctx context.Context, w MessageWriter, key uuid.UUID, msg any, component string) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s: marshal message: %w", component, err)
	}

	record := kafka.Message{
		Key:   []byte(key.String()),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := w.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("%s: write message: %w", component, err)
	}
	return nil
}

// IntentPublisher publishes call intents to the dispatcher topic.
type IntentPublisher struct {
	writer MessageWriter
}

// NewIntentPublisher constructs a publisher for the given topic.
func NewIntentPublisher(k *Kafka, topic string) *IntentPublisher {
	return &IntentPublisher{writer: k.NewWriter(topic)}
}

// NewIntentPublisherWithWriter wraps an existing writer.
func NewIntentPublisherWithWriter(w MessageWriter) *IntentPublisher {
	return &IntentPublisher{writer: w}
}

// PublishIntent writes the intent keyed by call id.
func (p *IntentPublisher) PublishIntent(ctx context.Context, msg IntentMessage) error {
	return publishJSON(ctx, p.writer, msg.CallID, msg, "intent publisher")
}

// Close closes the underlying writer.
func (p *IntentPublisher) Close() error {
	return p.writer.Close()
}

// StatusPublisher publishes call status events.
type StatusPublisher struct {
	writer MessageWriter
}

// NewStatusPublisher constructs a status publisher for the given topic.
func NewStatusPublisher(k *Kafka, topic string) *StatusPublisher {
	return &StatusPublisher{writer: k.NewWriter(topic)}
}

// NewStatusPublisherWithWriter wraps an existing writer.
func NewStatusPublisherWithWriter(w MessageWriter) *StatusPublisher {
	return &StatusPublisher{writer: w}
}

// PublishStatus emits a status message to Kafka.
func (p *StatusPublisher) PublishStatus(ctx context.Context, msg StatusMessage) error {
	return publishJSON(ctx, p.writer, msg.CallID, msg, "status publisher")
}

// Close closes the publisher.
func (p *StatusPublisher) Close() error {
	return p.writer.Close()
}

// DeadLetterPublisher records intents that could not be buffered.
type DeadLetterPublisher struct {
	writer MessageWriter
}

// NewDeadLetterPublisher constructs a dead-letter publisher for the given topic.
func NewDeadLetterPublisher(k *Kafka, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{writer: k.NewWriter(topic)}
}

// PublishDeadLetter emits a dead-letter record.
func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, msg DeadLetterMessage) error {
	return publishJSON(ctx, p.writer, msg.CallID, msg, "dead letter publisher")
}

// Close closes the publisher.
func (p *DeadLetterPublisher) Close() error {
	return p.writer.Close()
}
