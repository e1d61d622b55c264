package backing

import "fmt"

// Range is a half-open span of device offsets.
type Range struct {
	Start uint64 // inclusive
	End   uint64 // exclusive
}

func (r Range) Size() uint64 {
	return r.End - r.Start
}

func (r Range) Adjacent(other Range) bool {
	return r.End == other.Start || other.End == r.Start
}

func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

// Merge joins two adjacent or overlapping ranges.
func (r Range) Merge(other Range) Range {
	if !r.Overlaps(other) && !r.Adjacent(other) {
		panic(fmt.Sprintf("cannot merge disjoint ranges %v and %v", r, other))
	}
	return Range{Start: min(r.Start, other.Start), End: max(r.End, other.End)}
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}
