package intent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-call-dispatch/internal/queue"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []int64
	closed    bool
}

func newFakeReader(values ...string) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(values))}
	for i, v := range values {
		r.msgs <- kafka.Message{Offset: int64(i), Value: []byte(v)}
	}
	return r
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

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type fakeEngine struct {
	mu      sync.Mutex
	intents []queue.IntentMessage
	runErr  error
}

func (e *fakeEngine) HandleIntent(_ context.Context, msg queue.IntentMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intents = append(e.intents, msg)
}

func (e *fakeEngine) Run(ctx context.Context) error {
	if e.runErr != nil {
		return e.runErr
	}
	<-ctx.Done()
	return nil
}

func (e *fakeEngine) RunReconciler(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (e *fakeEngine) handled() []queue.IntentMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]queue.IntentMessage(nil), e.intents...)
}

func TestWorkerCommitsEveryMessage(t *testing.T) {
	id := uuid.New()
	reader := newFakeReader(
		`{"callId":"`+id.String()+`","to":" +15550001 "}`,
		`not json`,
		`{"to":"+15550002"}`,
	)
	engine := &fakeEngine{}
	w := New(reader, engine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}

	require.Equal(t, []int64{0, 1, 2}, reader.commits())
	handled := engine.handled()
	require.Len(t, handled, 1)
	require.Equal(t, id, handled[0].CallID)
	require.Equal(t, "+15550001", handled[0].To)
	require.True(t, reader.closed)
}

func TestWorkerStopsWhenSweepFails(t *testing.T) {
	boom := errors.New("boom")
	reader := newFakeReader()
	w := New(reader, &fakeEngine{runErr: boom}, nil)

	err := w.Run(context.Background())
	require.ErrorIs(t, err, boom)
	require.True(t, reader.closed)
}
