package admission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/acme/outbound-call-dispatch/pkg/logger"
)

func newTestController(t *testing.T, limit int) (*Controller, *miniredis.Miniredis, *testclock.FakePassiveClock) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := testclock.NewFakePassiveClock(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	ctrl := NewController(client, logger.NewNop(), Options{
		MaxConcurrentCalls: limit,
		LockTTL:            10 * time.Minute,
		KeyPrefix:          "test:",
		RetryAttempts:      1,
		RetryInterval:      time.Millisecond,
		Clock:              clk,
	})
	return ctrl, srv, clk
}

func TestAcquireAndReleaseRestoresCounter(t *testing.T) {
	ctx := context.Background()
	ctrl, srv, _ := newTestController(t, 2)
	callID := uuid.New()

	require.True(t, ctrl.CanAdmit(ctx, "+15550001"))
	require.NoError(t, ctrl.Acquire(ctx, "+15550001", callID))

	n, err := ctrl.CurrentConcurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, ctrl.CanAdmit(ctx, "+15550001"), "destination is locked")
	assert.True(t, ctrl.CanAdmit(ctx, "+15550002"))

	holder, err := srv.Get("test:phone_lock:+15550001")
	require.NoError(t, err)
	assert.Equal(t, callID.String(), holder)

	require.NoError(t, ctrl.Release(ctx, "+15550001", callID))
	n, err = ctrl.CurrentConcurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, srv.Exists("test:phone_lock:+15550001"))
}

func TestReleaseTwiceDecrementsOnce(t *testing.T) {
	ctx := context.Background()
	ctrl, _, _ := newTestController(t, 5)
	first, second := uuid.New(), uuid.New()

	require.NoError(t, ctrl.Acquire(ctx, "+1", first))
	require.NoError(t, ctrl.Acquire(ctx, "+2", second))

	require.NoError(t, ctrl.Release(ctx, "+1", first))
	require.NoError(t, ctrl.Release(ctx, "+1", first))

	n, err := ctrl.CurrentConcurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAcquireDeniedAtCeiling(t *testing.T) {
	ctx := context.Background()
	ctrl, _, _ := newTestController(t, 1)

	require.NoError(t, ctrl.Acquire(ctx, "+1", uuid.New()))
	assert.False(t, ctrl.CanAdmit(ctx, "+2"))
	assert.ErrorIs(t, ctrl.Acquire(ctx, "+2", uuid.New()), ErrNoCapacity)

	n, err := ctrl.CurrentConcurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAcquireDeniedWhenDestinationLocked(t *testing.T) {
	ctx := context.Background()
	ctrl, srv, _ := newTestController(t, 5)
	holder := uuid.New()

	require.NoError(t, ctrl.Acquire(ctx, "+1", holder))
	assert.ErrorIs(t, ctrl.Acquire(ctx, "+1", uuid.New()), ErrDestinationBusy)

	n, err := ctrl.CurrentConcurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// releasing on behalf of another call leaves the lock alone
	require.NoError(t, ctrl.Release(ctx, "+1", uuid.New()))
	assert.True(t, srv.Exists("test:phone_lock:+1"))
}

func TestAcquireIsIdempotentPerCall(t *testing.T) {
	ctx := context.Background()
	ctrl, _, _ := newTestController(t, 1)
	callID := uuid.New()

	require.NoError(t, ctrl.Acquire(ctx, "+1", callID))
	require.NoError(t, ctrl.Acquire(ctx, "+1", callID))

	n, err := ctrl.CurrentConcurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReacquireRequiresDestinationLock(t *testing.T) {
	ctx := context.Background()
	ctrl, srv, _ := newTestController(t, 3)
	first, second := uuid.New(), uuid.New()

	require.NoError(t, ctrl.Acquire(ctx, "+1", first))
	srv.FastForward(11 * time.Minute)
	require.NoError(t, ctrl.Acquire(ctx, "+1", second))

	err := ctrl.Acquire(ctx, "+1", first)
	assert.ErrorIs(t, err, ErrDestinationBusy)

	holder, err := srv.Get("test:phone_lock:+1")
	require.NoError(t, err)
	assert.Equal(t, second.String(), holder)

	n, err := ctrl.CurrentConcurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "a denied re-acquire takes no new slot")

	require.NoError(t, ctrl.Release(ctx, "+1", second))
	require.NoError(t, ctrl.Acquire(ctx, "+1", first))

	holder, err = srv.Get("test:phone_lock:+1")
	require.NoError(t, err)
	assert.Equal(t, first.String(), holder)
	n, err = ctrl.CurrentConcurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReleaseWithoutCallIDClearsLock(t *testing.T) {
	ctx := context.Background()
	ctrl, srv, _ := newTestController(t, 3)

	require.NoError(t, ctrl.Acquire(ctx, "+1", uuid.New()))
	require.NoError(t, ctrl.Release(ctx, "+1", uuid.Nil))

	assert.False(t, srv.Exists("test:phone_lock:+1"))
	n, err := ctrl.CurrentConcurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// never drops below zero
	require.NoError(t, ctrl.Release(ctx, "+1", uuid.Nil))
	n, err = ctrl.CurrentConcurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLockExpiresWithTTL(t *testing.T) {
	ctx := context.Background()
	ctrl, srv, _ := newTestController(t, 3)

	require.NoError(t, ctrl.Acquire(ctx, "+1", uuid.New()))
	srv.FastForward(11 * time.Minute)

	assert.False(t, srv.Exists("test:phone_lock:+1"))
}

func TestReapExpiredFreesStaleSlots(t *testing.T) {
	ctx := context.Background()
	ctrl, _, clk := newTestController(t, 3)
	stale, fresh := uuid.New(), uuid.New()

	require.NoError(t, ctrl.Acquire(ctx, "+1", stale))
	clk.SetTime(clk.Now().Add(6 * time.Minute))
	require.NoError(t, ctrl.Acquire(ctx, "+2", fresh))
	clk.SetTime(clk.Now().Add(5 * time.Minute))

	reaped, err := ctrl.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{stale}, reaped)

	n, err := ctrl.CurrentConcurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a late release for the reaped call does not decrement again
	require.NoError(t, ctrl.Release(ctx, "+1", stale))
	n, err = ctrl.CurrentConcurrency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reaped, err = ctrl.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, reaped)
}

func TestCanAdmitFailsClosed(t *testing.T) {
	ctx := context.Background()
	ctrl, srv, _ := newTestController(t, 3)

	srv.Close()
	assert.False(t, ctrl.CanAdmit(ctx, "+1"))

	_, err := ctrl.CurrentConcurrency(ctx)
	assert.Error(t, err)
}
