package buffer

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

func TestAddRejectsDuplicates(t *testing.T) {
	b := New(10, nil)
	id := uuid.New()

	require.True(t, b.Add(id, "+15550001"))
	assert.False(t, b.Add(id, "+15550001"))
	assert.False(t, b.Add(id, "+15550002"), "duplicate id with another destination")
	assert.Equal(t, 1, b.Size())
}

func TestAddRejectsBeyondCapacity(t *testing.T) {
	b := New(2, nil)
	first, second := uuid.New(), uuid.New()

	require.True(t, b.Add(first, "+1"))
	require.True(t, b.Add(second, "+2"))
	assert.False(t, b.Add(uuid.New(), "+3"))

	// the oldest entry is never displaced
	assert.True(t, b.Contains(first))
	assert.True(t, b.Contains(second))
	assert.Equal(t, 2, b.Size())
}

func TestListByDestinationIsFIFO(t *testing.T) {
	clk := testclock.NewFakePassiveClock(time.Unix(1000, 0))
	b := New(10, clk)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		require.True(t, b.Add(id, "+1"))
		clk.SetTime(clk.Now().Add(time.Second))
	}
	require.True(t, b.Add(uuid.New(), "+2"))

	assert.Equal(t, ids, b.ListByDestination("+1", 10))
	assert.Equal(t, ids[:2], b.ListByDestination("+1", 2))
	assert.Empty(t, b.ListByDestination("+9", 5))

	b.Remove(ids[0])
	assert.Equal(t, ids[1:], b.ListByDestination("+1", 10))
}

func TestListDestinations(t *testing.T) {
	b := New(10, nil)
	a := uuid.New()
	require.True(t, b.Add(a, "+2"))
	require.True(t, b.Add(uuid.New(), "+1"))
	require.True(t, b.Add(uuid.New(), "+1"))

	assert.Equal(t, []string{"+1", "+2"}, b.ListDestinations())

	b.Remove(a)
	assert.Equal(t, []string{"+1"}, b.ListDestinations())

	b.Remove(uuid.New()) // no-op
	assert.Equal(t, 2, b.Size())
}

func TestEvictOlderThanRemovesOnlyStaleEntries(t *testing.T) {
	clk := testclock.NewFakePassiveClock(time.Unix(0, 0))
	b := New(10, clk)

	old := uuid.New()
	require.True(t, b.Add(old, "+1"))

	clk.SetTime(clk.Now().Add(200 * time.Second))
	boundary := uuid.New()
	require.True(t, b.Add(boundary, "+1"))

	clk.SetTime(clk.Now().Add(100 * time.Second))
	fresh := uuid.New()
	require.True(t, b.Add(fresh, "+2"))

	clk.SetTime(clk.Now().Add(time.Millisecond))

	// old is 300.001s old, boundary is 100.001s old, fresh is 1ms old
	removed := b.EvictOlderThan(300 * time.Second)
	assert.Equal(t, 1, removed)
	assert.False(t, b.Contains(old))
	assert.True(t, b.Contains(boundary))
	assert.True(t, b.Contains(fresh))

	// an entry exactly at the threshold is kept
	clk.SetTime(clk.Now().Add(100*time.Second - time.Millisecond))
	assert.Equal(t, 0, b.EvictOlderThan(200*time.Second))
	assert.Equal(t, 1, b.EvictOlderThan(200*time.Second-time.Millisecond))
	assert.True(t, b.Contains(fresh))
}

func TestStats(t *testing.T) {
	b := New(10, nil)
	require.True(t, b.Add(uuid.New(), "+1"))
	require.True(t, b.Add(uuid.New(), "+1"))
	require.True(t, b.Add(uuid.New(), "+2"))

	stats := b.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, map[string]int{"+1": 2, "+2": 1}, stats.PerDestination)
}
