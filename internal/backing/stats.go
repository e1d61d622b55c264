// Package backing provides the region sources an arena sub-allocates from: a
// simulated device address space and real Go heap memory.
package backing

import "sync"

// Stats counts traffic through a backing allocator.
type Stats struct {
	AllocCalls     int64
	FreeCalls      int64
	FailedAllocs   int64
	Blocks         int
	BytesInUse     uint64
	PeakBytesInUse uint64
	Capacity       uint64 // zero when unbounded
}

type counters struct {
	mu    sync.Mutex
	stats Stats
}

func (c *counters) recordAlloc(size uint64) {
	c.stats.AllocCalls++
	c.stats.Blocks++
	c.stats.BytesInUse += size
	c.stats.PeakBytesInUse = max(c.stats.PeakBytesInUse, c.stats.BytesInUse)
}

func (c *counters) recordFailure() {
	c.stats.AllocCalls++
	c.stats.FailedAllocs++
}

func (c *counters) recordFree(size uint64) {
	c.stats.FreeCalls++
	c.stats.Blocks--
	c.stats.BytesInUse -= size
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func roundUp(n, alignment uint64) uint64 {
	return (n + alignment - 1) / alignment * alignment
}
