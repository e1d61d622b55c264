package arena

import (
	"fmt"

	"github.com/google/btree"
)

// region is one block obtained from the backing allocator. handles maps each
// granularity-sized offset to the chunk starting there, if any.
type region struct {
	ptr     uintptr
	size    uint64
	id      int64
	handles []chunkHandle

	minAllocationBits uint
}

func newRegion(ptr uintptr, size uint64, id int64, minAllocationBits uint) *region {
	granularity := uint64(1) << minAllocationBits
	if size == 0 || size%granularity != 0 {
		panic(fmt.Sprintf("internal allocator error: region size %d is not a multiple of %d", size, granularity))
	}
	if ptr+uintptr(size) < ptr {
		panic(fmt.Sprintf("internal allocator error: region %#x+%d overflows the address space", ptr, size))
	}
	handles := make([]chunkHandle, size>>minAllocationBits)
	for i := range handles {
		handles[i] = invalidChunkHandle
	}
	return &region{
		ptr:               ptr,
		size:              size,
		id:                id,
		handles:           handles,
		minAllocationBits: minAllocationBits,
	}
}

func (r *region) end() uintptr {
	return r.ptr + uintptr(r.size)
}

func (r *region) contains(p uintptr) bool {
	return p >= r.ptr && p < r.end()
}

func (r *region) indexFor(p uintptr) int {
	if !r.contains(p) {
		panic(fmt.Sprintf("internal allocator error: %#x outside region [%#x, %#x)", p, r.ptr, r.end()))
	}
	return int((p - r.ptr) >> r.minAllocationBits)
}

// regionManager keeps regions ordered by end address so the region owning a
// pointer is the first one ending above it.
type regionManager struct {
	regions           *btree.BTreeG[*region]
	minAllocationBits uint
}

func newRegionManager(minAllocationBits uint) *regionManager {
	return &regionManager{
		regions: btree.NewG(8, func(a, b *region) bool {
			return a.end() < b.end()
		}),
		minAllocationBits: minAllocationBits,
	}
}

func (m *regionManager) add(ptr uintptr, size uint64, id int64) *region {
	r := newRegion(ptr, size, id, m.minAllocationBits)
	// Only the first region ending above ptr can overlap the new one.
	m.regions.AscendGreaterOrEqual(&region{ptr: ptr + 1}, func(other *region) bool {
		if other.ptr < r.end() {
			panic(fmt.Sprintf("internal allocator error: region [%#x, %#x) overlaps [%#x, %#x)", r.ptr, r.end(), other.ptr, other.end()))
		}
		return false
	})
	m.regions.ReplaceOrInsert(r)
	return r
}

func (m *regionManager) remove(r *region) {
	if _, ok := m.regions.Delete(r); !ok {
		panic(fmt.Sprintf("internal allocator error: could not find region for %#x", r.ptr))
	}
}

// regionFor returns the region containing p or nil.
func (m *regionManager) regionFor(p uintptr) *region {
	var found *region
	m.regions.AscendGreaterOrEqual(&region{ptr: p + 1}, func(r *region) bool {
		found = r
		return false
	})
	if found == nil || !found.contains(p) {
		return nil
	}
	return found
}

// handleFor returns the chunk starting at p, or invalidChunkHandle when p is
// not the start of a chunk in any region.
func (m *regionManager) handleFor(p uintptr) chunkHandle {
	r := m.regionFor(p)
	if r == nil {
		return invalidChunkHandle
	}
	return r.handles[r.indexFor(p)]
}

func (m *regionManager) setHandle(p uintptr, h chunkHandle) {
	r := m.regionFor(p)
	if r == nil {
		panic(fmt.Sprintf("internal allocator error: could not find region for %#x", p))
	}
	r.handles[r.indexFor(p)] = h
}

func (m *regionManager) erase(p uintptr) {
	m.setHandle(p, invalidChunkHandle)
}

func (m *regionManager) len() int {
	return m.regions.Len()
}

// all returns the regions in address order.
func (m *regionManager) all() []*region {
	out := make([]*region, 0, m.regions.Len())
	m.regions.Ascend(func(r *region) bool {
		out = append(out, r)
		return true
	})
	return out
}
