// Package streams tracks per-stream progress for stream-aware arenas.
package streams

import (
	"sync"

	"github.com/garethgeorge/bfcarena/internal/arena"
)

type counter struct {
	queued    uint64
	completed uint64
}

// Timeline records, for each stream, the id of the latest queued unit of work
// and the id of the latest completed one. Ids start at 1 and only grow.
// Timeline is safe for concurrent use.
type Timeline struct {
	mu      sync.Mutex
	streams map[arena.StreamID]*counter
}

var _ arena.SyncTracker = (*Timeline)(nil)

func NewTimeline() *Timeline {
	return &Timeline{streams: make(map[arena.StreamID]*counter)}
}

func (t *Timeline) get(s arena.StreamID) *counter {
	c, ok := t.streams[s]
	if !ok {
		c = &counter{}
		t.streams[s] = c
	}
	return c
}

// Enqueue records a new unit of work on s and returns its sync id.
func (t *Timeline) Enqueue(s arena.StreamID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(s)
	c.queued++
	return c.queued
}

// Complete marks work on s finished up to and including syncID. Completion
// never moves backwards and never passes the last queued id.
func (t *Timeline) Complete(s arena.StreamID, syncID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(s)
	c.completed = max(c.completed, min(syncID, c.queued))
}

// Drain marks all queued work on s finished.
func (t *Timeline) Drain(s arena.StreamID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(s)
	c.completed = c.queued
}

// Forget drops the counters for a torn-down stream.
func (t *Timeline) Forget(s arena.StreamID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.streams, s)
}

func (t *Timeline) CurrentSyncID(s arena.StreamID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.streams[s]; ok {
		return c.queued
	}
	return 0
}

func (t *Timeline) Completed(s arena.StreamID, syncID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.streams[s]
	if !ok {
		return true
	}
	return c.completed >= syncID
}

// Pending returns how many queued units of work on s have not completed.
func (t *Timeline) Pending(s arena.StreamID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.streams[s]; ok {
		return c.queued - c.completed
	}
	return 0
}
