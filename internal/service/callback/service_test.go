package callback

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-call-dispatch/internal/domain"
	"github.com/acme/outbound-call-dispatch/internal/queue"
	"github.com/acme/outbound-call-dispatch/internal/repository/memory"
	apperrors "github.com/acme/outbound-call-dispatch/pkg/errors"
)

type releaseRecorder struct {
	released []uuid.UUID
}

func (r *releaseRecorder) Release(_ context.Context, _ string, callID uuid.UUID) error {
	r.released = append(r.released, callID)
	return nil
}

type statusRecorder struct {
	messages []queue.StatusMessage
}

func (r *statusRecorder) PublishStatus(_ context.Context, msg queue.StatusMessage) error {
	r.messages = append(r.messages, msg)
	return nil
}

func setup(t *testing.T) (*Service, *memory.CallStore, *releaseRecorder, *statusRecorder) {
	t.Helper()
	store := memory.NewCallStore(nil)
	releaser := &releaseRecorder{}
	status := &statusRecorder{}
	return NewService(store, releaser, status, "secret", nil, nil), store, releaser, status
}

func startedCall(t *testing.T, store *memory.CallStore, externalID string) *domain.Call {
	t.Helper()
	ctx := context.Background()
	call, err := store.Create(ctx, domain.CallPayload{To: "+15551234"})
	require.NoError(t, err)
	started, err := store.MarkInProgress(ctx, call.ID, externalID)
	require.NoError(t, err)
	return started
}

func TestAuthorize(t *testing.T) {
	svc, _, _, _ := setup(t)

	assert.NoError(t, svc.Authorize("secret"))
	assert.ErrorIs(t, svc.Authorize("wrong"), apperrors.ErrUnauthorized)
	assert.ErrorIs(t, svc.Authorize(""), apperrors.ErrUnauthorized)
}

func TestHandleCompletesAndReleases(t *testing.T) {
	svc, store, releaser, status := setup(t)
	call := startedCall(t, store, "prov-1")
	completedAt := time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)

	updated, err := svc.Handle(context.Background(), Notification{
		ExternalCallID: "prov-1",
		Status:         "completed",
		CompletedAt:    &completedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCompleted, updated.Status)
	require.NotNil(t, updated.EndedAt)
	assert.True(t, completedAt.Equal(*updated.EndedAt))

	assert.Equal(t, []uuid.UUID{call.ID}, releaser.released)
	require.Len(t, status.messages, 1)
	assert.Equal(t, "COMPLETED", status.messages[0].Status)
}

func TestDuplicateCallbackReleasesOnce(t *testing.T) {
	svc, store, releaser, status := setup(t)
	call := startedCall(t, store, "prov-2")
	ctx := context.Background()

	first, err := svc.Handle(ctx, Notification{ExternalCallID: "prov-2", Status: "BUSY"})
	require.NoError(t, err)
	second, err := svc.Handle(ctx, Notification{ExternalCallID: "prov-2", Status: "BUSY"})
	require.NoError(t, err)

	assert.Equal(t, domain.CallStatusBusy, second.Status)
	assert.Equal(t, *first.EndedAt, *second.EndedAt)
	assert.Equal(t, []uuid.UUID{call.ID}, releaser.released)
	assert.Len(t, status.messages, 1)
}

func TestHandleUnknownExternalID(t *testing.T) {
	svc, store, releaser, status := setup(t)
	call := startedCall(t, store, "prov-3")

	_, err := svc.Handle(context.Background(), Notification{ExternalCallID: "missing", Status: "COMPLETED"})
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	assert.Empty(t, releaser.released)
	assert.Empty(t, status.messages)
	current, err := store.GetByID(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInProgress, current.Status)
	assert.Nil(t, current.EndedAt)
}

func TestHandleRejectsNonTerminalStatus(t *testing.T) {
	svc, store, releaser, _ := setup(t)
	startedCall(t, store, "prov-4")

	for _, status := range []string{"PENDING", "IN_PROGRESS", "RINGING", ""} {
		_, err := svc.Handle(context.Background(), Notification{ExternalCallID: "prov-4", Status: status})
		assert.ErrorIs(t, err, apperrors.ErrValidation, status)
	}
	_, err := svc.Handle(context.Background(), Notification{Status: "COMPLETED"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Empty(t, releaser.released)
}

func TestLateCallbackResolvesExpiredCall(t *testing.T) {
	ctx := context.Background()
	svc, store, releaser, status := setup(t)
	call := startedCall(t, store, "prov-late")

	_, transitioned, err := store.Complete(ctx, call.ID, domain.CallStatusExpired, time.Now())
	require.NoError(t, err)
	require.True(t, transitioned)

	completedAt := time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC)
	updated, err := svc.Handle(ctx, Notification{ExternalCallID: "prov-late", Status: "NO_ANSWER", CompletedAt: &completedAt})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusNoAnswer, updated.Status)
	assert.True(t, completedAt.Equal(*updated.EndedAt))
	assert.Empty(t, releaser.released, "reaped slot is not released again")
	require.Len(t, status.messages, 1)
	assert.Equal(t, "NO_ANSWER", status.messages[0].Status)

	// a repeat of the same callback changes nothing
	_, err = svc.Handle(ctx, Notification{ExternalCallID: "prov-late", Status: "COMPLETED"})
	require.NoError(t, err)
	current, err := store.GetByID(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusNoAnswer, current.Status)
	assert.Len(t, status.messages, 1)
	assert.Empty(t, releaser.released)
}
