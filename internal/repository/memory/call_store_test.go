package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/acme/outbound-call-dispatch/internal/domain"
	"github.com/acme/outbound-call-dispatch/internal/repository"
)

func TestUpdateStatusTerminalIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewFakePassiveClock(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	store := NewCallStore(clk)

	call, err := store.Create(ctx, domain.CallPayload{To: "+15550001", ScriptID: "s1"})
	require.NoError(t, err)
	assert.Nil(t, call.EndedAt)

	first, err := store.UpdateStatus(ctx, call.ID, domain.CallStatusCompleted, nil)
	require.NoError(t, err)
	require.NotNil(t, first.EndedAt)

	clk.SetTime(clk.Now().Add(time.Minute))
	second, err := store.UpdateStatus(ctx, call.ID, domain.CallStatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, *first.EndedAt, *second.EndedAt)

	reopened, err := store.UpdateStatus(ctx, call.ID, domain.CallStatusPending, nil)
	require.NoError(t, err)
	assert.Nil(t, reopened.EndedAt)
}

func TestRecordFailedAttemptAppliesRetryLimit(t *testing.T) {
	ctx := context.Background()
	store := NewCallStore(nil)

	call, err := store.Create(ctx, domain.CallPayload{To: "+15550002"})
	require.NoError(t, err)

	want := []domain.CallStatus{domain.CallStatusPending, domain.CallStatusPending, domain.CallStatusFailed}
	for i, status := range want {
		updated, err := store.RecordFailedAttempt(ctx, call.ID, 3, "provider down")
		require.NoError(t, err)
		assert.Equal(t, status, updated.Status, "attempt %d", i+1)
		assert.Equal(t, i+1, updated.Attempts)
		require.NotNil(t, updated.LastError)
	}

	final, err := store.GetByID(ctx, call.ID)
	require.NoError(t, err)
	assert.NotNil(t, final.EndedAt)
}

func TestCompleteOnlyTransitionsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewCallStore(nil)

	call, err := store.Create(ctx, domain.CallPayload{To: "+15550003"})
	require.NoError(t, err)

	_, transitioned, err := store.Complete(ctx, call.ID, domain.CallStatusCompleted, time.Now())
	require.NoError(t, err)
	assert.False(t, transitioned, "pending call must not complete")

	_, err = store.MarkInProgress(ctx, call.ID, "ext-1")
	require.NoError(t, err)

	byExternal, err := store.GetByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, call.ID, byExternal.ID)
	assert.NotNil(t, byExternal.StartedAt)

	done, transitioned, err := store.Complete(ctx, call.ID, domain.CallStatusNoAnswer, time.Now())
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, domain.CallStatusNoAnswer, done.Status)

	again, transitioned, err := store.Complete(ctx, call.ID, domain.CallStatusCompleted, time.Now())
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, domain.CallStatusNoAnswer, again.Status)
	assert.Equal(t, *done.EndedAt, *again.EndedAt)
}

func TestListStalePendingOldestFirst(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clk := testclock.NewFakePassiveClock(start)
	store := NewCallStore(clk)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		call, err := store.Create(ctx, domain.CallPayload{To: "+1555000"})
		require.NoError(t, err)
		ids = append(ids, call.ID)
		clk.SetTime(clk.Now().Add(time.Minute))
	}
	_, err := store.UpdateStatus(ctx, ids[0], domain.CallStatusFailed, nil)
	require.NoError(t, err)

	stale, err := store.ListStalePending(ctx, start.Add(150*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	assert.Equal(t, ids[1], stale[0].ID)
	assert.Equal(t, ids[2], stale[1].ID)

	_, err = store.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestResolveExpiredOnlyAppliesToExpiredCalls(t *testing.T) {
	ctx := context.Background()
	store := NewCallStore(nil)

	call, err := store.Create(ctx, domain.CallPayload{To: "+15550004"})
	require.NoError(t, err)
	_, err = store.MarkInProgress(ctx, call.ID, "ext-4")
	require.NoError(t, err)

	_, resolved, err := store.ResolveExpired(ctx, call.ID, domain.CallStatusCompleted, time.Now())
	require.NoError(t, err)
	assert.False(t, resolved, "in-progress call is completed, not resolved")

	_, transitioned, err := store.Complete(ctx, call.ID, domain.CallStatusExpired, time.Now())
	require.NoError(t, err)
	require.True(t, transitioned)

	_, _, err = store.ResolveExpired(ctx, call.ID, domain.CallStatusPending, time.Now())
	assert.Error(t, err)

	completedAt := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	done, resolved, err := store.ResolveExpired(ctx, call.ID, domain.CallStatusBusy, completedAt)
	require.NoError(t, err)
	assert.True(t, resolved)
	assert.Equal(t, domain.CallStatusBusy, done.Status)
	assert.True(t, completedAt.Equal(*done.EndedAt))

	again, resolved, err := store.ResolveExpired(ctx, call.ID, domain.CallStatusCompleted, time.Now())
	require.NoError(t, err)
	assert.False(t, resolved)
	assert.Equal(t, domain.CallStatusBusy, again.Status)
}
