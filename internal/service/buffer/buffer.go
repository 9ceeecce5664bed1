// Package buffer holds call intents that could not be admitted yet.
//
// The buffer is process-local and volatile: entries are lost on restart and
// are never shared between dispatcher instances.
package buffer

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// DefaultCapacity bounds the number of buffered calls.
const DefaultCapacity = 10000

// Entry is one buffered call awaiting capacity.
type Entry struct {
	CallID      uuid.UUID
	Destination string
	AddedAt     time.Time
}

// Stats summarises the buffer for observability.
type Stats struct {
	Total          int            `json:"total"`
	PerDestination map[string]int `json:"perDestination"`
}

// Buffer is a bounded backlog keyed by call id and grouped by destination.
// It is safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	clock    clock.PassiveClock
	capacity int

	entries map[uuid.UUID]*Entry
	// per-destination entries in insertion order
	byDestination map[string][]*Entry
}

// New creates a buffer with the given capacity. A nil clock uses wall time.
func New(capacity int, c clock.PassiveClock) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if c == nil {
		c = clock.RealClock{}
	}
	return &Buffer{
		clock:         c,
		capacity:      capacity,
		entries:       make(map[uuid.UUID]*Entry),
		byDestination: make(map[string][]*Entry),
	}
}

// Add inserts a call. It returns false when the call is already buffered or
// the buffer is full; existing entries are never displaced.
func (b *Buffer) Add(callID uuid.UUID, destination string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[callID]; exists {
		return false
	}
	if len(b.entries) >= b.capacity {
		return false
	}

	e := &Entry{CallID: callID, Destination: destination, AddedAt: b.clock.Now()}
	b.entries[callID] = e
	b.byDestination[destination] = append(b.byDestination[destination], e)
	return true
}

// Contains reports whether the call is buffered.
func (b *Buffer) Contains(callID uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.entries[callID]
	return ok
}

// ListByDestination returns up to limit call ids for the destination, oldest first.
func (b *Buffer) ListByDestination(destination string, limit int) []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()

	queued := b.byDestination[destination]
	if limit <= 0 || limit > len(queued) {
		limit = len(queued)
	}

	ids := make([]uuid.UUID, 0, limit)
	for _, e := range queued[:limit] {
		ids = append(ids, e.CallID)
	}
	return ids
}

// ListDestinations returns the distinct destinations currently buffered, sorted.
func (b *Buffer) ListDestinations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.byDestination))
	for dest := range b.byDestination {
		out = append(out, dest)
	}
	sort.Strings(out)
	return out
}

// Remove drops the call if present.
func (b *Buffer) Remove(callID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(callID)
}

// EvictOlderThan removes every entry whose age exceeds maxAge and returns how many were removed.
func (b *Buffer) EvictOlderThan(maxAge time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	var stale []uuid.UUID
	for id, e := range b.entries {
		if now.Sub(e.AddedAt) > maxAge {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		b.removeLocked(id)
	}
	return len(stale)
}

// Size returns the number of buffered calls.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.entries)
}

// Stats returns the total and per-destination counts.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	per := make(map[string]int, len(b.byDestination))
	for dest, queued := range b.byDestination {
		per[dest] = len(queued)
	}
	return Stats{Total: len(b.entries), PerDestination: per}
}

func (b *Buffer) removeLocked(callID uuid.UUID) {
	e, ok := b.entries[callID]
	if !ok {
		return
	}
	delete(b.entries, callID)

	queued := b.byDestination[e.Destination]
	for i, candidate := range queued {
		if candidate.CallID == callID {
			queued = append(queued[:i], queued[i+1:]...)
			break
		}
	}
	if len(queued) == 0 {
		delete(b.byDestination, e.Destination)
		return
	}
	b.byDestination[e.Destination] = queued
}
