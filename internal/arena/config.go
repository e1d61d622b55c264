package arena

import (
	"fmt"
	"log/slog"
	"math"
)

// ExtendStrategy selects how large a new region is when the arena grows.
type ExtendStrategy int

const (
	// ExtendNextPowerOfTwo grows geometrically, doubling the region size on
	// each extension up to MaxPowerOfTwoExtendBytes.
	ExtendNextPowerOfTwo ExtendStrategy = iota
	// ExtendSameAsRequested grows by exactly the rounded request.
	ExtendSameAsRequested
)

func (s ExtendStrategy) String() string {
	switch s {
	case ExtendNextPowerOfTwo:
		return "next-power-of-two"
	case ExtendSameAsRequested:
		return "same-as-requested"
	}
	return fmt.Sprintf("ExtendStrategy(%d)", int(s))
}

// ParseExtendStrategy is the inverse of ExtendStrategy.String.
func ParseExtendStrategy(s string) (ExtendStrategy, error) {
	switch s {
	case "next-power-of-two", "pow2", "":
		return ExtendNextPowerOfTwo, nil
	case "same-as-requested", "exact":
		return ExtendSameAsRequested, nil
	}
	return 0, fmt.Errorf("unknown extend strategy %q", s)
}

// FirstRegionShrink controls whether Shrink may release the first region.
type FirstRegionShrink int

const (
	// FirstRegionShrinkDefault releases the first region only under
	// ExtendSameAsRequested.
	FirstRegionShrinkDefault FirstRegionShrink = iota
	FirstRegionShrinkAlways
	FirstRegionShrinkNever
)

const (
	DefaultMinAllocationBits        = 8
	DefaultNumBins                  = 21
	DefaultInitialChunkBytes        = 1 << 20
	DefaultInitialGrowthChunkBytes  = 2 << 20
	DefaultMaxDeadBytesPerChunk     = 128 << 20
	DefaultMaxPowerOfTwoExtendBytes = 1 << 30
)

// Config is supplied once at construction. Zero fields take the defaults above.
type Config struct {
	// MemoryLimit caps the bytes obtained from the backing allocator,
	// reservations included. Zero means unlimited.
	MemoryLimit uint64

	ExtendStrategy ExtendStrategy

	// InitialChunkBytes sizes the first region created after construction.
	InitialChunkBytes uint64
	// InitialGrowthChunkBytes sizes the first region created after a Shrink
	// released memory.
	InitialGrowthChunkBytes uint64
	// MaxDeadBytesPerChunk is the leftover at which a chunk is always split,
	// even when it is less than twice the request.
	MaxDeadBytesPerChunk uint64
	// MaxPowerOfTwoExtendBytes stops the geometric ramp once the next region
	// would reach this size.
	MaxPowerOfTwoExtendBytes uint64

	// MinAllocationBits is log2 of the allocation granularity.
	MinAllocationBits uint
	NumBins           int

	FirstRegionShrink FirstRegionShrink

	// SyncTracker makes the arena stream aware when set.
	SyncTracker SyncTracker
	// Tracer receives every state change, under the arena lock.
	Tracer Tracer
	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		ExtendStrategy:           ExtendNextPowerOfTwo,
		InitialChunkBytes:        DefaultInitialChunkBytes,
		InitialGrowthChunkBytes:  DefaultInitialGrowthChunkBytes,
		MaxDeadBytesPerChunk:     DefaultMaxDeadBytesPerChunk,
		MaxPowerOfTwoExtendBytes: DefaultMaxPowerOfTwoExtendBytes,
		MinAllocationBits:        DefaultMinAllocationBits,
		NumBins:                  DefaultNumBins,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MemoryLimit == 0 {
		c.MemoryLimit = math.MaxUint64
	}
	if c.InitialChunkBytes == 0 {
		c.InitialChunkBytes = d.InitialChunkBytes
	}
	if c.InitialGrowthChunkBytes == 0 {
		c.InitialGrowthChunkBytes = d.InitialGrowthChunkBytes
	}
	if c.MaxDeadBytesPerChunk == 0 {
		c.MaxDeadBytesPerChunk = d.MaxDeadBytesPerChunk
	}
	if c.MaxPowerOfTwoExtendBytes == 0 {
		c.MaxPowerOfTwoExtendBytes = d.MaxPowerOfTwoExtendBytes
	}
	if c.MinAllocationBits == 0 {
		c.MinAllocationBits = d.MinAllocationBits
	}
	if c.NumBins == 0 {
		c.NumBins = d.NumBins
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// Validate reports configuration values the arena cannot work with.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch c.ExtendStrategy {
	case ExtendNextPowerOfTwo, ExtendSameAsRequested:
	default:
		return fmt.Errorf("invalid extend strategy %v", c.ExtendStrategy)
	}
	if c.MinAllocationBits > 30 {
		return fmt.Errorf("min allocation bits %d out of range", c.MinAllocationBits)
	}
	if c.NumBins < 1 || c.NumBins > 64-int(c.MinAllocationBits) {
		return fmt.Errorf("bin count %d out of range for %d-bit granularity", c.NumBins, c.MinAllocationBits)
	}
	switch c.FirstRegionShrink {
	case FirstRegionShrinkDefault, FirstRegionShrinkAlways, FirstRegionShrinkNever:
	default:
		return fmt.Errorf("invalid first region shrink policy %d", c.FirstRegionShrink)
	}
	return nil
}

func (c Config) shrinkFirstRegion() bool {
	switch c.FirstRegionShrink {
	case FirstRegionShrinkAlways:
		return true
	case FirstRegionShrinkNever:
		return false
	}
	return c.ExtendStrategy == ExtendSameAsRequested
}
