package status

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-call-dispatch/internal/domain"
	"github.com/acme/outbound-call-dispatch/internal/queue"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeJournal struct {
	mu     sync.Mutex
	events []domain.CallEvent
	fail   map[uuid.UUID]bool
}

func (j *fakeJournal) Append(_ context.Context, event domain.CallEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail[event.CallID] {
		return errors.New("journal unavailable")
	}
	j.events = append(j.events, event)
	return nil
}

func (j *fakeJournal) appended() []domain.CallEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]domain.CallEvent(nil), j.events...)
}

func encode(t *testing.T, msg queue.StatusMessage) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

func TestWorkerProjectsStatusEvents(t *testing.T) {
	ok := uuid.New()
	broken := uuid.New()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	reader := &fakeReader{msgs: make(chan kafka.Message, 3)}
	reader.msgs <- kafka.Message{Offset: 0, Value: encode(t, queue.StatusMessage{
		CallID: ok, Status: "COMPLETED", Attempts: 1, ExternalCallID: "ext-1", Destination: "+1555", OccurredAt: at,
	})}
	reader.msgs <- kafka.Message{Offset: 1, Value: []byte("{")}
	reader.msgs <- kafka.Message{Offset: 2, Value: encode(t, queue.StatusMessage{
		CallID: broken, Status: "FAILED", OccurredAt: at,
	})}

	journal := &fakeJournal{fail: map[uuid.UUID]bool{broken: true}}
	w := New(reader, journal, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.msgs) == 0 && len(reader.commits()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, []int64{0, 1}, reader.commits())
	events := journal.appended()
	require.Len(t, events, 1)
	require.Equal(t, ok, events[0].CallID)
	require.Equal(t, domain.CallStatusCompleted, events[0].Status)
	require.Equal(t, "ext-1", events[0].ExternalCallID)
	require.True(t, at.Equal(events[0].OccurredAt))
}
