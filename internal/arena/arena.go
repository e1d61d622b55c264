// Package arena implements a best-fit-with-coalescing allocator that carves
// variably sized buffers out of a few large regions obtained from a backing
// allocator.
//
// Free spans are kept in power-of-two size bins ordered by (size, address).
// Allocation takes the smallest fitting span, splits off any large leftover,
// and grows the arena by a new region only when no bin can serve the request.
// Freed spans are merged with their free neighbours so the arena does not
// fragment into unusable pieces.
package arena

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// ZeroSizePtr is returned for zero-byte requests. It is never a real address
// and freeing it is a no-op.
const ZeroSizePtr = ^uintptr(0)

// backpedalFactor shrinks a region request the backing allocator refused.
const backpedalFactor = 0.9

// ResourceAllocator supplies the regions the arena sub-allocates from. It is
// called with the arena lock held and must not call back into the arena.
type ResourceAllocator interface {
	Alloc(size uint64) (uintptr, error)
	Free(ptr uintptr)
}

// Stats is a snapshot of arena accounting.
type Stats struct {
	BytesLimit          uint64
	NumAllocs           int64
	NumReserves         int64
	NumArenaExtensions  int64
	NumArenaShrinkages  int64
	BytesInUse          uint64 // chunk bytes handed out, reservations excluded
	PeakBytesInUse      uint64
	TotalAllocatedBytes uint64 // region and reservation bytes held from the backing allocator
	MaxAllocSize        uint64
	ReservedBytes       uint64
	NumRegions          int
}

// Arena is safe for concurrent use. Every operation holds a single mutex for
// its full duration.
type Arena struct {
	mu sync.Mutex

	cfg     Config
	backing ResourceAllocator
	policy  reusePolicy
	log     *slog.Logger

	chunks      []chunk
	freeHandles []chunkHandle
	bins        []bin
	regions     *regionManager

	// currRegionAllocationBytes is the size the next power-of-two extension
	// starts from.
	currRegionAllocationBytes uint64
	nextAllocationID          int64

	reserved map[uintptr]uint64
	stats    Stats
	closed   bool
}

func New(backing ResourceAllocator, cfg Config) (*Arena, error) {
	if backing == nil {
		return nil, errors.New("backing allocator is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid arena config: %w", err)
	}
	cfg = cfg.withDefaults()

	a := &Arena{
		cfg:              cfg,
		backing:          backing,
		policy:           newReusePolicy(cfg.SyncTracker),
		log:              cfg.Logger,
		bins:             newBins(cfg.NumBins, cfg.MinAllocationBits),
		regions:          newRegionManager(cfg.MinAllocationBits),
		nextAllocationID: 1,
		reserved:         make(map[uintptr]uint64),
	}
	a.currRegionAllocationBytes = a.RoundedBytes(min(cfg.MemoryLimit, cfg.InitialChunkBytes))
	a.stats.BytesLimit = cfg.MemoryLimit
	return a, nil
}

// Config returns the effective configuration, defaults applied.
func (a *Arena) Config() Config {
	return a.cfg
}

// StreamAware reports whether the arena was built with a SyncTracker.
func (a *Arena) StreamAware() bool {
	return a.policy.streamAware()
}

// Allocate returns the address of a buffer of at least size bytes. A zero
// size yields ZeroSizePtr. Exhaustion is reported as ErrOutOfMemory.
func (a *Arena) Allocate(size uint64) (uintptr, error) {
	return a.allocate(size, NoStream)
}

// AllocateOnStream is Allocate for work queued on stream s. Free chunks last
// used by another stream are only reused once that use has completed.
func (a *Arena) AllocateOnStream(size uint64, s StreamID) (uintptr, error) {
	if !a.policy.streamAware() {
		return 0, ErrStreamsDisabled
	}
	return a.allocate(size, s)
}

func (a *Arena) allocate(size uint64, s StreamID) (uintptr, error) {
	if size == 0 {
		return ZeroSizePtr, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, ErrClosed
	}
	if size > math.MaxUint64-a.granularity() {
		return 0, a.allocationFailed(size, ErrMemoryLimit)
	}

	rounded := a.RoundedBytes(size)
	binNum := a.BinNumForSize(rounded)
	if c := a.findChunkPtr(binNum, rounded, size, s); c != nil {
		return c.ptr, nil
	}

	if err := a.extend(rounded); err != nil {
		return 0, a.allocationFailed(size, err)
	}
	// The new region is a stream-neutral free chunk, so this only fails if
	// the bookkeeping is broken.
	if c := a.findChunkPtr(binNum, rounded, size, s); c != nil {
		return c.ptr, nil
	}
	return 0, a.allocationFailed(size, errors.New("no chunk found after extending the arena"))
}

func (a *Arena) allocationFailed(size uint64, cause error) error {
	a.trace(Event{Op: OpAllocateFailed, RequestedSize: size})
	a.log.Warn("arena allocation failed",
		"requested_bytes", size,
		"bytes_in_use", a.stats.BytesInUse,
		"total_allocated_bytes", a.stats.TotalAllocatedBytes,
		"error", cause)
	a.dumpMemoryLog(size)
	return &outOfMemory{size: size, cause: cause}
}

// findChunkPtr takes the smallest eligible free chunk of at least rounded
// bytes, splits it if worthwhile and marks it in use.
func (a *Arena) findChunkPtr(binNum int, rounded, numBytes uint64, s StreamID) *chunk {
	for ; binNum < len(a.bins); binNum++ {
		found := invalidChunkHandle
		a.bins[binNum].free.AscendGreaterOrEqual(binEntry{size: rounded}, func(e binEntry) bool {
			if a.policy.reusable(&a.chunks[e.h], s) {
				found = e.h
				return false
			}
			return true
		})
		if found == invalidChunkHandle {
			continue
		}

		a.removeFreeChunkFromBin(found)
		c := a.chunkFromHandle(found)
		if c.size-rounded >= rounded || c.size-rounded >= a.cfg.MaxDeadBytesPerChunk {
			a.splitChunk(found, rounded)
			c = a.chunkFromHandle(found)
		}

		c.requestedSize = numBytes
		c.allocationID = a.nextAllocationID
		a.nextAllocationID++
		c.stream, c.syncID = a.policy.tag(s)

		a.stats.NumAllocs++
		a.stats.BytesInUse += c.size
		a.stats.PeakBytesInUse = max(a.stats.PeakBytesInUse, a.stats.BytesInUse)
		a.stats.MaxAllocSize = max(a.stats.MaxAllocSize, c.size)

		a.trace(Event{
			Op:            OpAllocate,
			AllocationID:  c.allocationID,
			Size:          c.size,
			RequestedSize: numBytes,
			Ptr:           c.ptr,
			Stream:        s,
		})
		return c
	}
	return nil
}

// extend adds a region large enough to hold rounded bytes.
func (a *Arena) extend(rounded uint64) error {
	available := a.availableBytes()
	if rounded > available {
		return ErrMemoryLimit
	}

	increased := false
	var bytes uint64
	switch a.cfg.ExtendStrategy {
	case ExtendNextPowerOfTwo:
		for rounded > a.currRegionAllocationBytes {
			if a.currRegionAllocationBytes > math.MaxUint64/2 {
				a.currRegionAllocationBytes = rounded
				break
			}
			a.currRegionAllocationBytes *= 2
			increased = true
		}
		bytes = min(a.currRegionAllocationBytes, available)
	case ExtendSameAsRequested:
		bytes = rounded
		if a.regions.len() == 0 {
			// Cold start: seed with the initial (or post-shrink) size.
			bytes = max(rounded, min(a.currRegionAllocationBytes, available))
		}
	}

	ptr, err := a.backing.Alloc(bytes)
	for err != nil {
		next := max(rounded, a.RoundedBytes(uint64(float64(bytes)*backpedalFactor)))
		if next >= bytes {
			break
		}
		bytes = next
		ptr, err = a.backing.Alloc(bytes)
	}
	if err != nil {
		return fmt.Errorf("extend arena by %d bytes: %w", bytes, err)
	}
	if ptr == 0 {
		panic("internal allocator error: backing allocator returned a nil region")
	}

	if !increased && a.cfg.ExtendStrategy == ExtendNextPowerOfTwo &&
		a.currRegionAllocationBytes <= a.cfg.MaxPowerOfTwoExtendBytes/2 {
		a.currRegionAllocationBytes *= 2
	}

	r := a.regions.add(ptr, bytes, a.stats.NumArenaExtensions)
	a.stats.NumArenaExtensions++
	a.stats.TotalAllocatedBytes += bytes

	h := a.allocateChunk()
	c := a.chunkFromHandle(h)
	c.ptr = ptr
	c.size = bytes
	a.regions.setHandle(ptr, h)
	a.insertFreeChunkIntoBin(h)

	a.trace(Event{Op: OpExtend, Size: bytes, Ptr: ptr})
	a.log.Debug("arena extended",
		"region_id", r.id,
		"region_bytes", bytes,
		"requested_bytes", rounded,
		"total_allocated_bytes", a.stats.TotalAllocatedBytes,
		"next_region_bytes", a.currRegionAllocationBytes)
	return nil
}

// availableBytes is the headroom under the memory limit, in whole granules.
func (a *Arena) availableBytes() uint64 {
	if a.stats.TotalAllocatedBytes >= a.cfg.MemoryLimit {
		return 0
	}
	avail := a.cfg.MemoryLimit - a.stats.TotalAllocatedBytes
	return avail &^ (a.granularity() - 1)
}

// splitChunk cuts h down to numBytes and files the remainder as a new free
// chunk directly after it.
func (a *Arena) splitChunk(h chunkHandle, numBytes uint64) {
	hNew := a.allocateChunk()
	c := a.chunkFromHandle(h)
	if c.inUse() || c.binNum != invalidBinNum || c.size <= numBytes {
		panic(fmt.Sprintf("internal allocator error: cannot split %v at %d", c, numBytes))
	}
	n := a.chunkFromHandle(hNew)

	n.ptr = c.ptr + uintptr(numBytes)
	n.size = c.size - numBytes
	c.size = numBytes
	n.stream, n.syncID = c.stream, c.syncID
	a.regions.setHandle(n.ptr, hNew)

	neighbor := c.next
	n.prev = h
	n.next = neighbor
	c.next = hNew
	if neighbor != invalidChunkHandle {
		a.chunkFromHandle(neighbor).prev = hNew
	}

	a.insertFreeChunkIntoBin(hNew)
}

// merge folds h2 into h1. Both must be free and h2 must directly follow h1.
func (a *Arena) merge(h1, h2 chunkHandle) {
	c1 := a.chunkFromHandle(h1)
	c2 := a.chunkFromHandle(h2)
	if c1.inUse() || c2.inUse() || c1.next != h2 || c2.prev != h1 {
		panic(fmt.Sprintf("internal allocator error: cannot merge %v with %v", c1, c2))
	}

	h3 := c2.next
	c1.next = h3
	if h3 != invalidChunkHandle {
		a.chunkFromHandle(h3).prev = h1
	}
	c1.size += c2.size
	c1.stream, c1.syncID = mergedTag(c1, c2)

	a.deleteChunk(h2)
}

// coalesce merges h with every free neighbour the reuse policy allows and
// returns the handle of the resulting chunk. The result is not in a bin.
func (a *Arena) coalesce(h chunkHandle) chunkHandle {
	for {
		c := a.chunkFromHandle(h)
		if next := c.next; next != invalidChunkHandle {
			n := a.chunkFromHandle(next)
			if !n.inUse() && a.policy.mergeable(c, n) {
				a.removeFreeChunkFromBin(next)
				a.merge(h, next)
				continue
			}
		}
		if prev := c.prev; prev != invalidChunkHandle {
			p := a.chunkFromHandle(prev)
			if !p.inUse() && a.policy.mergeable(p, c) {
				a.removeFreeChunkFromBin(prev)
				a.merge(prev, h)
				h = prev
				continue
			}
		}
		return h
	}
}

// Free returns ptr to the arena. Freeing 0 or ZeroSizePtr is a no-op.
// Freeing a pointer the arena did not hand out, or freeing twice, panics.
func (a *Arena) Free(ptr uintptr) {
	if ptr == 0 || ptr == ZeroSizePtr {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		panic(fmt.Sprintf("free of %#x after the arena was closed", ptr))
	}

	if size, ok := a.reserved[ptr]; ok {
		delete(a.reserved, ptr)
		a.backing.Free(ptr)
		a.stats.TotalAllocatedBytes -= size
		a.stats.ReservedBytes -= size
		a.trace(Event{Op: OpFreeReserved, Size: size, Ptr: ptr})
		return
	}

	h := a.regions.handleFor(ptr)
	if h == invalidChunkHandle {
		panic(fmt.Sprintf("free of %#x which was not allocated by this arena", ptr))
	}
	a.freeAndMaybeCoalesce(h)
}

func (a *Arena) freeAndMaybeCoalesce(h chunkHandle) {
	c := a.chunkFromHandle(h)
	if !c.inUse() {
		panic(fmt.Sprintf("double free of %#x", c.ptr))
	}
	a.trace(Event{
		Op:            OpFree,
		AllocationID:  c.allocationID,
		Size:          c.size,
		RequestedSize: c.requestedSize,
		Ptr:           c.ptr,
		Stream:        c.stream,
	})

	c.allocationID = freeAllocationID
	c.requestedSize = 0
	c.syncID = a.policy.retire(c.stream, c.syncID)
	a.stats.BytesInUse -= c.size

	a.insertFreeChunkIntoBin(a.coalesce(h))
}

// Reserve obtains size bytes straight from the backing allocator. The block
// never enters a bin; it counts toward the memory limit until freed.
func (a *Arena) Reserve(size uint64) (uintptr, error) {
	if size == 0 {
		return ZeroSizePtr, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, ErrClosed
	}
	if size > a.availableBytes() {
		return 0, &outOfMemory{size: size, cause: ErrMemoryLimit}
	}
	ptr, err := a.backing.Alloc(size)
	if err != nil {
		return 0, &outOfMemory{size: size, cause: err}
	}

	a.reserved[ptr] = size
	a.stats.NumReserves++
	a.stats.TotalAllocatedBytes += size
	a.stats.ReservedBytes += size
	a.trace(Event{Op: OpReserve, Size: size, Ptr: ptr})
	return ptr, nil
}

// Shrink releases every region that holds no in-use chunk. Regions with free
// chunks still pinned to an unfinished stream are kept.
func (a *Arena) Shrink() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	released := 0
	for _, r := range a.regions.all() {
		if r.id == 0 && !a.cfg.shrinkFirstRegion() {
			continue
		}
		if !a.regionReleasable(r) {
			continue
		}

		for h := r.handles[0]; h != invalidChunkHandle; {
			next := a.chunkFromHandle(h).next
			a.removeFreeChunkFromBin(h)
			a.deallocateChunk(h)
			h = next
		}
		a.regions.remove(r)
		a.backing.Free(r.ptr)
		a.stats.TotalAllocatedBytes -= r.size
		a.stats.NumArenaShrinkages++
		released++

		a.trace(Event{Op: OpReleaseRegion, Size: r.size, Ptr: r.ptr})
		a.log.Debug("arena region released", "region_id", r.id, "region_bytes", r.size)
	}

	if released > 0 {
		a.currRegionAllocationBytes = a.RoundedBytes(min(a.cfg.MemoryLimit, a.cfg.InitialGrowthChunkBytes))
	}
	return nil
}

func (a *Arena) regionReleasable(r *region) bool {
	for h := r.handles[0]; h != invalidChunkHandle; {
		c := a.chunkFromHandle(h)
		if c.inUse() || !a.policy.settled(c) {
			return false
		}
		h = c.next
	}
	return true
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	s.NumRegions = a.regions.len()
	return s
}

// RequestedSize returns the size the caller asked for when ptr was allocated.
func (a *Arena) RequestedSize(ptr uintptr) uint64 {
	if ptr == ZeroSizePtr {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if size, ok := a.reserved[ptr]; ok {
		return size
	}
	return a.liveChunk(ptr).requestedSize
}

// AllocatedSize returns the size of the chunk backing ptr.
func (a *Arena) AllocatedSize(ptr uintptr) uint64 {
	if ptr == ZeroSizePtr {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if size, ok := a.reserved[ptr]; ok {
		return size
	}
	return a.liveChunk(ptr).size
}

func (a *Arena) liveChunk(ptr uintptr) *chunk {
	h := a.regions.handleFor(ptr)
	if h == invalidChunkHandle {
		panic(fmt.Sprintf("%#x was not allocated by this arena", ptr))
	}
	c := a.chunkFromHandle(h)
	if !c.inUse() {
		panic(fmt.Sprintf("%#x is not in use", ptr))
	}
	return c
}

// Close hands every region and reservation back to the backing allocator.
// Outstanding pointers become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	if a.stats.BytesInUse > 0 || len(a.reserved) > 0 {
		a.log.Warn("closing arena with live allocations",
			"bytes_in_use", a.stats.BytesInUse,
			"reserved_bytes", a.stats.ReservedBytes)
	}

	for _, r := range a.regions.all() {
		a.regions.remove(r)
		a.backing.Free(r.ptr)
	}
	for ptr := range a.reserved {
		a.backing.Free(ptr)
	}
	a.reserved = nil
	a.chunks = nil
	a.freeHandles = nil
	for i := range a.bins {
		a.bins[i].free.Clear(false)
	}
	a.stats.TotalAllocatedBytes = 0
	a.stats.BytesInUse = 0
	a.stats.ReservedBytes = 0
	a.closed = true
	return nil
}

func (a *Arena) trace(e Event) {
	if a.cfg.Tracer != nil {
		a.cfg.Tracer.Trace(e)
	}
}

func (a *Arena) dumpMemoryLog(numBytes uint64) {
	if !a.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	for i, info := range a.binInfo() {
		if info.TotalChunksInBin == 0 {
			continue
		}
		a.log.Debug("arena bin",
			"bin", i,
			"bin_size", a.bins[i].binSize,
			"chunks", info.TotalChunksInBin,
			"bytes", info.TotalBytesInBin,
			"chunks_in_use", info.TotalChunksInUse,
			"bytes_in_use", info.TotalBytesInUse,
			"requested_bytes_in_use", info.TotalRequestedBytesInUse)
	}
	binNum := a.BinNumForSize(a.RoundedBytes(numBytes))
	a.bins[binNum].free.Ascend(func(e binEntry) bool {
		a.log.Debug("free chunk in target bin", "bin", binNum, "chunk", a.chunkFromHandle(e.h).String())
		return true
	})
	for _, r := range a.regions.all() {
		a.log.Debug("arena region", "region_id", r.id, "ptr", fmt.Sprintf("%#x", r.ptr), "bytes", r.size)
	}
}
