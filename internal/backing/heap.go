package backing

import (
	"fmt"
	"unsafe"

	"github.com/google/btree"
)

type heapBlock struct {
	base uintptr
	buf  []byte
}

func (b heapBlock) end() uintptr {
	return b.base + uintptr(len(b.buf))
}

// Heap hands out aligned blocks of Go heap memory. Blocks stay reachable
// until freed, so addresses remain valid while the arena holds them. It is
// safe for concurrent use.
type Heap struct {
	counters

	alignment uint64
	limit     uint64
	blocks    *btree.BTreeG[heapBlock]
}

type HeapOption func(*Heap)

// WithLimit caps the bytes the heap allocator will hand out at once.
func WithLimit(limit uint64) HeapOption {
	return func(h *Heap) { h.limit = limit }
}

func WithHeapAlignment(alignment uint64) HeapOption {
	return func(h *Heap) { h.alignment = alignment }
}

func NewHeap(opts ...HeapOption) *Heap {
	h := &Heap{
		alignment: DefaultAlignment,
		blocks:    btree.NewG(16, func(a, b heapBlock) bool { return a.base < b.base }),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.alignment == 0 || h.alignment&(h.alignment-1) != 0 {
		panic(fmt.Sprintf("heap alignment %d is not a power of two", h.alignment))
	}
	h.stats.Capacity = h.limit
	return h
}

func (h *Heap) Alloc(size uint64) (uintptr, error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.limit > 0 && size > h.limit-h.stats.BytesInUse {
		h.recordFailure()
		return 0, fmt.Errorf("allocate %d bytes, %d of %d in use: %w", size, h.stats.BytesInUse, h.limit, ErrNoCapacity)
	}

	// Over-allocate and slice forward to the next aligned address.
	raw := make([]byte, size+h.alignment)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	shift := roundUp(uint64(addr), h.alignment) - uint64(addr)
	block := heapBlock{
		base: addr + uintptr(shift),
		buf:  raw[shift : shift+size : shift+size],
	}
	h.blocks.ReplaceOrInsert(block)
	h.recordAlloc(size)
	return block.base, nil
}

func (h *Heap) Free(ptr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	block, ok := h.blocks.Delete(heapBlock{base: ptr})
	if !ok {
		panic(fmt.Sprintf("heap free of %#x: %v", ptr, ErrUnknownPtr))
	}
	h.recordFree(uint64(len(block.buf)))
}

// Bytes returns the n bytes of heap memory starting at ptr. The span must lie
// inside a single live block.
func (h *Heap) Bytes(ptr uintptr, n uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var block heapBlock
	var found bool
	h.blocks.DescendLessOrEqual(heapBlock{base: ptr}, func(b heapBlock) bool {
		block = b
		found = true
		return false
	})
	if !found || ptr >= block.end() {
		return nil, fmt.Errorf("bytes at %#x: %w", ptr, ErrUnknownPtr)
	}
	off := uint64(ptr - block.base)
	if n > uint64(len(block.buf))-off {
		return nil, fmt.Errorf("bytes at %#x: %d bytes overrun block [%#x, %#x)", ptr, n, block.base, block.end())
	}
	return block.buf[off : off+n : off+n], nil
}

func (h *Heap) Stats() Stats {
	return h.snapshot()
}
