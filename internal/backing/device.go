package backing

import (
	"fmt"

	"github.com/google/btree"
)

const (
	// DefaultDeviceBase is where simulated device addresses start.
	DefaultDeviceBase uintptr = 1 << 24
	// DefaultAlignment matches the arena's default granularity.
	DefaultAlignment uint64 = 256
)

type freeRangeBySize struct {
	size  uint64
	start uint64
}

// Device simulates a fixed-size device memory. It hands out addresses in
// [Base, Base+Capacity) without backing them with host memory, so it can
// model very large pools cheaply. It is safe for concurrent use.
type Device struct {
	counters

	base      uintptr
	alignment uint64
	capacity  uint64

	// freeList tracks free offset ranges ordered by start.
	freeList *btree.BTreeG[Range]
	// freeListBySize orders the same ranges by size, then start, for best fit.
	freeListBySize *btree.BTreeG[freeRangeBySize]
	allocated      map[uintptr]uint64
}

type DeviceOption func(*Device)

func WithBase(base uintptr) DeviceOption {
	return func(d *Device) { d.base = base }
}

func WithAlignment(alignment uint64) DeviceOption {
	return func(d *Device) { d.alignment = alignment }
}

func NewDevice(capacity uint64, opts ...DeviceOption) *Device {
	d := &Device{
		base:      DefaultDeviceBase,
		alignment: DefaultAlignment,
		freeList:  btree.NewG(32, func(a, b Range) bool { return a.Start < b.Start }),
		freeListBySize: btree.NewG(32, func(a, b freeRangeBySize) bool {
			if a.size != b.size {
				return a.size < b.size
			}
			return a.start < b.start
		}),
		allocated: make(map[uintptr]uint64),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.alignment == 0 || d.alignment&(d.alignment-1) != 0 {
		panic(fmt.Sprintf("device alignment %d is not a power of two", d.alignment))
	}
	if uint64(d.base)%d.alignment != 0 {
		panic(fmt.Sprintf("device base %#x is not aligned to %d", d.base, d.alignment))
	}
	d.capacity = capacity / d.alignment * d.alignment
	d.stats.Capacity = d.capacity
	d.addFreeRange(Range{Start: 0, End: d.capacity})
	return d
}

func (d *Device) addFreeRange(r Range) {
	if r.Size() == 0 {
		return
	}
	d.freeList.ReplaceOrInsert(r)
	d.freeListBySize.ReplaceOrInsert(freeRangeBySize{size: r.Size(), start: r.Start})
}

func (d *Device) removeFreeRange(r Range) {
	d.freeList.Delete(r)
	d.freeListBySize.Delete(freeRangeBySize{size: r.Size(), start: r.Start})
}

// Alloc returns the lowest-addressed of the smallest free spans that fit.
func (d *Device) Alloc(size uint64) (uintptr, error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if size > d.capacity {
		d.recordFailure()
		return 0, fmt.Errorf("allocate %d bytes from %d byte device: %w", size, d.capacity, ErrNoCapacity)
	}
	rounded := roundUp(size, d.alignment)

	var best freeRangeBySize
	var found bool
	d.freeListBySize.AscendGreaterOrEqual(freeRangeBySize{size: rounded}, func(item freeRangeBySize) bool {
		best = item
		found = true
		return false
	})
	if !found {
		d.recordFailure()
		return 0, fmt.Errorf("allocate %d bytes, %d of %d in use: %w", size, d.stats.BytesInUse, d.capacity, ErrNoCapacity)
	}

	free := Range{Start: best.start, End: best.start + best.size}
	d.removeFreeRange(free)
	d.addFreeRange(Range{Start: free.Start + rounded, End: free.End})

	ptr := d.base + uintptr(free.Start)
	d.allocated[ptr] = rounded
	d.recordAlloc(rounded)
	return ptr, nil
}

// Free returns a block to the free lists, merging it with free neighbours.
// Freeing an address Alloc did not return panics.
func (d *Device) Free(ptr uintptr) {
	d.mu.Lock()
	defer d.mu.Unlock()

	size, ok := d.allocated[ptr]
	if !ok {
		panic(fmt.Sprintf("device free of %#x: %v", ptr, ErrUnknownPtr))
	}
	delete(d.allocated, ptr)
	d.recordFree(size)

	start := uint64(ptr - d.base)
	merged := Range{Start: start, End: start + size}

	var before Range
	var foundBefore bool
	d.freeList.DescendLessOrEqual(Range{Start: start}, func(item Range) bool {
		if item.End == start {
			before = item
			foundBefore = true
		}
		return false
	})
	if foundBefore {
		d.removeFreeRange(before)
		merged = merged.Merge(before)
	}

	after, foundAfter := d.freeList.Get(Range{Start: merged.End})
	if foundAfter {
		d.removeFreeRange(after)
		merged = merged.Merge(after)
	}

	d.addFreeRange(merged)
}

func (d *Device) Base() uintptr {
	return d.base
}

// FreeRanges returns the free offset ranges in address order.
func (d *Device) FreeRanges() []Range {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Range, 0, d.freeList.Len())
	d.freeList.Ascend(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

func (d *Device) Stats() Stats {
	return d.snapshot()
}
