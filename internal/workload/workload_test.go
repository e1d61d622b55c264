package workload

import (
	"context"
	"errors"
	"iter"
	"math/rand/v2"
	"testing"

	"github.com/garethgeorge/bfcarena/internal/arena"
	"github.com/garethgeorge/bfcarena/internal/backing"
	"github.com/garethgeorge/bfcarena/internal/streams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallOptions() Options {
	opts := DefaultOptions()
	opts.OpsPerWorker = 400
	opts.MinSize = 16
	opts.MaxSize = 64 << 10
	opts.MaxLivePerWorker = 32
	return opts
}

func assertDrained(t *testing.T, a *arena.Arena) {
	t.Helper()
	require.NoError(t, a.Validate())
	assert.Equal(t, uint64(0), a.Stats().BytesInUse)
}

func TestRun_VerifiesContents(t *testing.T) {
	t.Parallel()
	for _, sum := range []Checksum{ChecksumXXHash, ChecksumBlake3, ChecksumSHA256} {
		t.Run(sum.String(), func(t *testing.T) {
			t.Parallel()
			heap := backing.NewHeap()
			a, err := arena.New(heap, arena.Config{})
			require.NoError(t, err)

			opts := smallOptions()
			opts.Memory = heap.Bytes
			opts.Checksum = sum
			res, err := Run(context.Background(), a, opts)
			require.NoError(t, err)

			assert.Positive(t, res.Allocs)
			assert.Equal(t, res.Allocs, res.Frees)
			assert.Equal(t, res.Frees, res.Verified)
			assert.Zero(t, res.Failures)
			assertDrained(t, a)
		})
	}
}

func TestParseChecksum(t *testing.T) {
	t.Parallel()
	for _, sum := range []Checksum{ChecksumXXHash, ChecksumBlake3, ChecksumSHA256} {
		got, err := ParseChecksum(sum.String())
		require.NoError(t, err)
		assert.Equal(t, sum, got)
	}
	_, err := ParseChecksum("crc32")
	assert.Error(t, err)

	data := []byte("the same bytes")
	assert.NotEqual(t, ChecksumXXHash.sum(data), ChecksumBlake3.sum(data))
	assert.NotEqual(t, ChecksumBlake3.sum(data), ChecksumSHA256.sum(data))
}

func TestRun_Streams(t *testing.T) {
	t.Parallel()
	tl := streams.NewTimeline()
	a, err := arena.New(backing.NewDevice(1<<30), arena.Config{SyncTracker: tl})
	require.NoError(t, err)

	opts := smallOptions()
	opts.Timeline = tl
	opts.SyncEvery = 16
	res, err := Run(context.Background(), a, opts)
	require.NoError(t, err)
	assert.Equal(t, res.Allocs, res.Frees)
	assertDrained(t, a)

	// Released streams leave nothing pinned, so every region can go.
	require.NoError(t, a.Shrink())
	assert.LessOrEqual(t, a.Stats().NumRegions, 1)
}

func TestRun_CountsOutOfMemory(t *testing.T) {
	t.Parallel()
	a, err := arena.New(backing.NewDevice(1<<30), arena.Config{MemoryLimit: 1 << 20})
	require.NoError(t, err)

	opts := smallOptions()
	opts.MinSize = 64 << 10
	opts.MaxSize = 512 << 10
	opts.FreeProbability = 0.1
	res, err := Run(context.Background(), a, opts)
	require.NoError(t, err)
	assert.Positive(t, res.Failures)
	assertDrained(t, a)
}

func TestRun_DetectsCorruption(t *testing.T) {
	t.Parallel()
	heap := backing.NewHeap()
	a, err := arena.New(heap, arena.Config{})
	require.NoError(t, err)

	seen := make(map[uintptr]bool)
	opts := smallOptions()
	opts.Workers = 1
	opts.Memory = func(ptr uintptr, n uint64) ([]byte, error) {
		b, err := heap.Bytes(ptr, n)
		if err != nil {
			return nil, err
		}
		if seen[ptr] {
			b[0] ^= 0xff
		}
		seen[ptr] = true
		return b, nil
	}
	_, err = Run(context.Background(), a, opts)
	assert.ErrorIs(t, err, ErrCorrupted)
	assertDrained(t, a)
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()
	a, err := arena.New(backing.NewDevice(1<<30), arena.Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, a, smallOptions())
	assert.ErrorIs(t, err, context.Canceled)
	assertDrained(t, a)
}

func TestRun_InvalidOptions(t *testing.T) {
	t.Parallel()
	a, err := arena.New(backing.NewDevice(1<<20), arena.Config{})
	require.NoError(t, err)

	testCases := []struct {
		name   string
		modify func(*Options)
	}{
		{"no workers", func(o *Options) { o.Workers = 0 }},
		{"zero min size", func(o *Options) { o.MinSize = 0 }},
		{"inverted range", func(o *Options) { o.MinSize, o.MaxSize = 10, 5 }},
		{"free probability", func(o *Options) { o.FreeProbability = 1.5 }},
		{"max live", func(o *Options) { o.MaxLivePerWorker = 0 }},
		{"checksum", func(o *Options) { o.Checksum = Checksum(9) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.modify(&opts)
			_, err := Run(context.Background(), a, opts)
			assert.Error(t, err)
		})
	}
}

func TestLogUniform(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	small := 0
	for i := 0; i < 10000; i++ {
		v := logUniform(rng, 256, 1<<20)
		require.GreaterOrEqual(t, v, uint64(256))
		require.LessOrEqual(t, v, uint64(1<<20))
		if v < 16<<10 {
			small++
		}
	}
	// Half the log range lies below 16 KiB.
	assert.InDelta(t, 5000, small, 500)
	assert.Equal(t, uint64(42), logUniform(rng, 42, 42))
}

func sliceEvents(events []arena.Event) iter.Seq2[arena.Event, error] {
	return func(yield func(arena.Event, error) bool) {
		for _, e := range events {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func TestReplay_ReproducesRecordedTraffic(t *testing.T) {
	t.Parallel()
	var events []arena.Event
	recorder := arena.TracerFunc(func(e arena.Event) { events = append(events, e) })
	src, err := arena.New(backing.NewDevice(1<<30), arena.Config{Tracer: recorder})
	require.NoError(t, err)

	_, err = Run(context.Background(), src, smallOptions())
	require.NoError(t, err)
	reservation, err := src.Reserve(1 << 20)
	require.NoError(t, err)
	src.Free(reservation)

	dst, err := arena.New(backing.NewDevice(1<<30), arena.Config{})
	require.NoError(t, err)
	res, err := Replay(context.Background(), dst, sliceEvents(events), ReplayOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(len(events)), res.Events)
	assert.Equal(t, src.Stats().NumAllocs, res.Allocs)
	assert.Equal(t, res.Allocs, res.Frees)
	assert.Equal(t, int64(1), res.Reserves)
	assert.Zero(t, res.Leaked)
	assert.Equal(t, src.Stats().PeakBytesInUse, dst.Stats().PeakBytesInUse)
	assertDrained(t, dst)
}

func TestReplay_SkipsFreesOfFailedAllocations(t *testing.T) {
	t.Parallel()
	dst, err := arena.New(backing.NewDevice(1<<30), arena.Config{MemoryLimit: 1 << 20})
	require.NoError(t, err)

	events := []arena.Event{
		{Op: arena.OpAllocate, AllocationID: 1, RequestedSize: 4 << 20},
		{Op: arena.OpAllocate, AllocationID: 2, RequestedSize: 1000},
		{Op: arena.OpFree, AllocationID: 1},
		{Op: arena.OpAllocate, AllocationID: 3, RequestedSize: 1000},
	}
	res, err := Replay(context.Background(), dst, sliceEvents(events), ReplayOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Failures)
	assert.Equal(t, int64(2), res.Allocs)
	assert.Equal(t, 2, res.Leaked)
	assertDrained(t, dst)
}

func TestReplay_Errors(t *testing.T) {
	t.Parallel()
	dst, err := arena.New(backing.NewDevice(1<<30), arena.Config{})
	require.NoError(t, err)

	_, err = Replay(context.Background(), dst, sliceEvents([]arena.Event{
		{Op: arena.OpFree, AllocationID: 9},
	}), ReplayOptions{})
	assert.ErrorContains(t, err, "unknown allocation 9")

	_, err = Replay(context.Background(), dst, sliceEvents([]arena.Event{
		{Op: arena.OpAllocate, AllocationID: 1, RequestedSize: 10},
		{Op: arena.OpAllocate, AllocationID: 1, RequestedSize: 10},
	}), ReplayOptions{})
	assert.ErrorContains(t, err, "recorded twice")

	broken := errors.New("corrupt trace")
	_, err = Replay(context.Background(), dst, func(yield func(arena.Event, error) bool) {
		if yield(arena.Event{Op: arena.OpAllocate, AllocationID: 1, RequestedSize: 10}, nil) {
			yield(arena.Event{}, broken)
		}
	}, ReplayOptions{})
	assert.ErrorIs(t, err, broken)
	assertDrained(t, dst)
}
