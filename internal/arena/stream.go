package arena

import "fmt"

// StreamID identifies an ordered queue of asynchronous work. NoStream marks
// memory with no pending stream use.
type StreamID uint64

const NoStream StreamID = 0

// SyncTracker reports the progress of streams. Sync ids are monotonic per
// stream.
type SyncTracker interface {
	// CurrentSyncID returns the id of the latest work queued on s.
	CurrentSyncID(s StreamID) uint64
	// Completed reports whether all work on s up to and including syncID
	// has finished.
	Completed(s StreamID, syncID uint64) bool
}

// reusePolicy is the single point where stream awareness changes the engine:
// which free chunks a request may take, and which free neighbours may merge.
type reusePolicy interface {
	streamAware() bool
	// tag is the stream tag a chunk carries while allocated to requester.
	tag(requester StreamID) (StreamID, uint64)
	// retire returns the sync id recorded when a chunk tagged s is freed.
	retire(s StreamID, syncID uint64) uint64
	// reusable reports whether free chunk c may be handed to requester.
	reusable(c *chunk, requester StreamID) bool
	// settled reports whether every use of free chunk c has finished.
	settled(c *chunk) bool
	// mergeable reports whether adjacent free chunks a and b may coalesce.
	mergeable(a, b *chunk) bool
}

func newReusePolicy(tracker SyncTracker) reusePolicy {
	if tracker == nil {
		return streamAgnostic{}
	}
	return streamGated{tracker: tracker}
}

type streamAgnostic struct{}

func (streamAgnostic) streamAware() bool { return false }
func (streamAgnostic) tag(StreamID) (StreamID, uint64) { return NoStream, 0 }
func (streamAgnostic) retire(StreamID, uint64) uint64 { return 0 }
func (streamAgnostic) reusable(*chunk, StreamID) bool { return true }
func (streamAgnostic) settled(*chunk) bool { return true }
func (streamAgnostic) mergeable(*chunk, *chunk) bool { return true }

type streamGated struct {
	tracker SyncTracker
}

func (p streamGated) streamAware() bool { return true }

func (p streamGated) tag(requester StreamID) (StreamID, uint64) {
	if requester == NoStream {
		return NoStream, 0
	}
	return requester, p.tracker.CurrentSyncID(requester)
}

func (p streamGated) retire(s StreamID, syncID uint64) uint64 {
	if s == NoStream {
		return 0
	}
	// Work queued after the allocation may still touch the buffer.
	return max(syncID, p.tracker.CurrentSyncID(s))
}

func (p streamGated) reusable(c *chunk, requester StreamID) bool {
	return c.stream == requester || p.settled(c)
}

func (p streamGated) settled(c *chunk) bool {
	return c.stream == NoStream || p.tracker.Completed(c.stream, c.syncID)
}

func (p streamGated) mergeable(a, b *chunk) bool {
	return a.stream == b.stream || (p.settled(a) && p.settled(b))
}

// mergedTag is the stream tag of the chunk formed by merging a and b.
func mergedTag(a, b *chunk) (StreamID, uint64) {
	if a.stream != b.stream {
		// mergeable only allows this once both uses have finished.
		return NoStream, 0
	}
	return a.stream, max(a.syncID, b.syncID)
}

// ReleaseStream makes every chunk tagged with s stream-neutral, for use when
// s is torn down. With coalesce set, free chunks are merged with any
// neighbours that become eligible.
func (a *Arena) ReleaseStream(s StreamID, coalesce bool) error {
	if !a.policy.streamAware() {
		return ErrStreamsDisabled
	}
	if s == NoStream {
		return fmt.Errorf("cannot release stream %d", s)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	for _, r := range a.regions.all() {
		for h := r.handles[0]; h != invalidChunkHandle; {
			c := a.chunkFromHandle(h)
			if c.stream == s {
				c.stream, c.syncID = NoStream, 0
				if coalesce && !c.inUse() {
					a.removeFreeChunkFromBin(h)
					h = a.coalesce(h)
					a.insertFreeChunkIntoBin(h)
				}
			}
			h = a.chunkFromHandle(h).next
		}
	}
	return nil
}
