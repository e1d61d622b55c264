package arena

import (
	"fmt"
	"math/bits"

	"github.com/google/btree"
)

// binEntry is the ordering key of a free chunk: size first, address as the
// tie breaker so that equal-sized requests land on the lowest address.
type binEntry struct {
	size uint64
	ptr  uintptr
	h    chunkHandle
}

func binEntryLess(a, b binEntry) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.ptr < b.ptr
}

// bin holds free chunks whose size is at least binSize and below the next
// bin's size.
type bin struct {
	binSize uint64
	free    *btree.BTreeG[binEntry]
}

func newBins(numBins int, minAllocationBits uint) []bin {
	bins := make([]bin, numBins)
	for i := range bins {
		bins[i] = bin{
			binSize: uint64(1) << (minAllocationBits + uint(i)),
			free:    btree.NewG(32, binEntryLess),
		}
	}
	return bins
}

// RoundedBytes rounds n up to the allocation granularity.
func (a *Arena) RoundedBytes(n uint64) uint64 {
	return roundUp(n, a.granularity())
}

// BinNumForSize returns the bin that holds chunks of n bytes.
func (a *Arena) BinNumForSize(n uint64) int {
	return binNumForSize(n, a.cfg.MinAllocationBits, len(a.bins))
}

func (a *Arena) granularity() uint64 {
	return uint64(1) << a.cfg.MinAllocationBits
}

func roundUp(n, granularity uint64) uint64 {
	return (n + granularity - 1) &^ (granularity - 1)
}

func binNumForSize(n uint64, minAllocationBits uint, numBins int) int {
	v := max(n, uint64(1)<<minAllocationBits) >> minAllocationBits
	return min(numBins-1, bits.Len64(v)-1)
}

func (a *Arena) insertFreeChunkIntoBin(h chunkHandle) {
	c := a.chunkFromHandle(h)
	if c.inUse() || c.binNum != invalidBinNum {
		panic(fmt.Sprintf("internal allocator error: inserting %v into a bin", c))
	}
	binNum := a.BinNumForSize(c.size)
	c.binNum = binNum
	a.bins[binNum].free.ReplaceOrInsert(binEntry{size: c.size, ptr: c.ptr, h: h})
}

func (a *Arena) removeFreeChunkFromBin(h chunkHandle) {
	c := a.chunkFromHandle(h)
	if c.inUse() || c.binNum == invalidBinNum {
		panic(fmt.Sprintf("internal allocator error: removing %v from a bin", c))
	}
	if _, ok := a.bins[c.binNum].free.Delete(binEntry{size: c.size, ptr: c.ptr}); !ok {
		panic(fmt.Sprintf("internal allocator error: %v missing from bin %d", c, c.binNum))
	}
	c.binNum = invalidBinNum
}
