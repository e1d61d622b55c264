package arena

import (
	"errors"
	"fmt"

	"github.com/kelindar/bitmap"
)

// BinDebugInfo summarises the chunks whose size falls in one bin's class,
// free and in use alike.
type BinDebugInfo struct {
	BinSize                  uint64
	TotalBytesInUse          uint64
	TotalBytesInBin          uint64
	TotalRequestedBytesInUse uint64
	TotalChunksInUse         int
	TotalChunksInBin         int
}

func (a *Arena) BinInfo() []BinDebugInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.binInfo()
}

func (a *Arena) binInfo() []BinDebugInfo {
	infos := make([]BinDebugInfo, len(a.bins))
	for i := range a.bins {
		infos[i].BinSize = a.bins[i].binSize
	}
	for _, r := range a.regions.all() {
		for h := r.handles[0]; h != invalidChunkHandle; {
			c := a.chunkFromHandle(h)
			info := &infos[a.BinNumForSize(c.size)]
			info.TotalBytesInBin += c.size
			info.TotalChunksInBin++
			if c.inUse() {
				info.TotalBytesInUse += c.size
				info.TotalRequestedBytesInUse += c.requestedSize
				info.TotalChunksInUse++
			}
			h = c.next
		}
	}
	return infos
}

// Validate walks every region and checks the arena's structural invariants:
// contiguous address-ordered chains, per-region conservation, bin membership,
// handle lookup, stats agreement and, without streams, maximal coalescing.
func (a *Arena) Validate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	granularity := a.granularity()
	var seen bitmap.Bitmap
	var inUseBytes uint64
	liveChunks, freeChunks := 0, 0
	for _, r := range a.regions.all() {
		var sum uint64
		expected := r.ptr
		prev := invalidChunkHandle
		h := r.handles[0]
		if h == invalidChunkHandle {
			fail("region %d at %#x has no chunk at its base", r.id, r.ptr)
			continue
		}
		for h != invalidChunkHandle {
			if seen.Contains(uint32(h)) {
				fail("chunk %d is linked twice", h)
				break
			}
			seen.Set(uint32(h))
			c := a.chunkFromHandle(h)
			liveChunks++
			if c.ptr != expected {
				fail("chunk %d starts at %#x, want %#x", h, c.ptr, expected)
			}
			if c.prev != prev {
				fail("chunk %d prev is %d, want %d", h, c.prev, prev)
			}
			if got := a.regions.handleFor(c.ptr); got != h {
				fail("lookup of %#x gives handle %d, want %d", c.ptr, got, h)
			}
			if c.size == 0 || c.size%granularity != 0 {
				fail("chunk %d size %d is not a positive multiple of %d", h, c.size, granularity)
			}
			if c.inUse() {
				inUseBytes += c.size
				if c.binNum != invalidBinNum {
					fail("in-use chunk %d is in bin %d", h, c.binNum)
				}
				if c.requestedSize > c.size {
					fail("chunk %d requested %d exceeds size %d", h, c.requestedSize, c.size)
				}
			} else {
				freeChunks++
				if want := a.BinNumForSize(c.size); c.binNum != want {
					fail("free chunk %d is in bin %d, want %d", h, c.binNum, want)
				} else if !a.bins[c.binNum].free.Has(binEntry{size: c.size, ptr: c.ptr}) {
					fail("free chunk %d missing from bin %d", h, c.binNum)
				}
				if !a.policy.streamAware() && prev != invalidChunkHandle && !a.chunkFromHandle(prev).inUse() {
					fail("free chunks %d and %d are adjacent but not coalesced", prev, h)
				}
			}
			sum += c.size
			expected = c.end()
			prev = h
			h = c.next
		}
		if sum != r.size {
			fail("region %d chunks cover %d bytes, region holds %d", r.id, sum, r.size)
		}
	}

	for _, h := range a.freeHandles {
		if seen.Contains(uint32(h)) {
			fail("recycled handle %d is still linked", h)
		}
	}

	binned := 0
	for i := range a.bins {
		binned += a.bins[i].free.Len()
	}
	if binned != freeChunks {
		fail("bins hold %d chunks, regions have %d free chunks", binned, freeChunks)
	}
	if liveChunks+len(a.freeHandles) != len(a.chunks) {
		fail("%d live chunks and %d recycled handles do not account for %d records", liveChunks, len(a.freeHandles), len(a.chunks))
	}
	if inUseBytes != a.stats.BytesInUse {
		fail("in-use chunks hold %d bytes, stats report %d", inUseBytes, a.stats.BytesInUse)
	}
	return errors.Join(errs...)
}
