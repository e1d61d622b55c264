package arena

import "fmt"

type Op uint8

const (
	OpAllocate Op = iota + 1
	OpFree
	OpReserve
	OpFreeReserved
	OpExtend
	OpReleaseRegion
	OpAllocateFailed
)

func (o Op) String() string {
	switch o {
	case OpAllocate:
		return "allocate"
	case OpFree:
		return "free"
	case OpReserve:
		return "reserve"
	case OpFreeReserved:
		return "free-reserved"
	case OpExtend:
		return "extend"
	case OpReleaseRegion:
		return "release-region"
	case OpAllocateFailed:
		return "allocate-failed"
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// Event describes one arena state change. Allocation events carry the chunk
// size in Size and the caller's request in RequestedSize; region and
// reservation events carry the block size in Size.
type Event struct {
	Op            Op
	AllocationID  int64
	Size          uint64
	RequestedSize uint64
	Ptr           uintptr
	Stream        StreamID
}

// Tracer observes arena events. Trace is called with the arena lock held, in
// the order the changes happen, and must not call back into the arena.
type Tracer interface {
	Trace(e Event)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(e Event)

func (f TracerFunc) Trace(e Event) { f(e) }
