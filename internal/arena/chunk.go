package arena

import "fmt"

// chunkHandle indexes Arena.chunks.
type chunkHandle int

const invalidChunkHandle chunkHandle = -1

const invalidBinNum = -1

const freeAllocationID int64 = -1

// chunk describes one contiguous span inside a region. prev and next link the
// spans of a region in address order with no gaps between them.
type chunk struct {
	size          uint64
	requestedSize uint64
	allocationID  int64
	ptr           uintptr

	prev chunkHandle
	next chunkHandle

	binNum int

	stream StreamID
	syncID uint64
}

func (c *chunk) inUse() bool {
	return c.allocationID != freeAllocationID
}

func (c *chunk) end() uintptr {
	return c.ptr + uintptr(c.size)
}

func (c *chunk) String() string {
	return fmt.Sprintf("chunk{ptr: %#x, size: %d, requested: %d, in_use: %t, stream: %d@%d}",
		c.ptr, c.size, c.requestedSize, c.inUse(), c.stream, c.syncID)
}

func (a *Arena) chunkFromHandle(h chunkHandle) *chunk {
	if h < 0 || int(h) >= len(a.chunks) {
		panic(fmt.Sprintf("internal allocator error: chunk handle %d out of range", h))
	}
	return &a.chunks[h]
}

// allocateChunk returns a handle to a reset chunk record, reusing a recycled
// slot when one is available.
func (a *Arena) allocateChunk() chunkHandle {
	if n := len(a.freeHandles); n > 0 {
		h := a.freeHandles[n-1]
		a.freeHandles = a.freeHandles[:n-1]
		a.chunks[h] = newChunk()
		return h
	}
	a.chunks = append(a.chunks, newChunk())
	return chunkHandle(len(a.chunks) - 1)
}

func (a *Arena) deallocateChunk(h chunkHandle) {
	a.chunks[h] = newChunk()
	a.freeHandles = append(a.freeHandles, h)
}

// deleteChunk drops the region mapping for h and recycles its handle.
func (a *Arena) deleteChunk(h chunkHandle) {
	c := a.chunkFromHandle(h)
	a.regions.erase(c.ptr)
	a.deallocateChunk(h)
}

func newChunk() chunk {
	return chunk{
		allocationID: freeAllocationID,
		prev:         invalidChunkHandle,
		next:         invalidChunkHandle,
		binNum:       invalidBinNum,
	}
}
