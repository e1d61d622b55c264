// Package workload drives an arena with synthetic or recorded traffic.
package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/garethgeorge/bfcarena/internal/arena"
	"github.com/garethgeorge/bfcarena/internal/progress"
	"github.com/garethgeorge/bfcarena/internal/streams"
	"golang.org/x/sync/errgroup"
)

// Target is the allocator surface a workload exercises. *arena.Arena
// implements it.
type Target interface {
	Allocate(size uint64) (uintptr, error)
	AllocateOnStream(size uint64, s arena.StreamID) (uintptr, error)
	Reserve(size uint64) (uintptr, error)
	Free(ptr uintptr)
	ReleaseStream(s arena.StreamID, coalesce bool) error
}

var _ Target = (*arena.Arena)(nil)

// Memory maps an allocation to its bytes, for content verification.
type Memory func(ptr uintptr, n uint64) ([]byte, error)

var ErrCorrupted = errors.New("allocation contents changed while live")

type Options struct {
	Workers int
	// OpsPerWorker counts allocations and frees together.
	OpsPerWorker int
	MinSize      uint64
	MaxSize      uint64
	// FreeProbability is the chance an op frees a live allocation.
	FreeProbability float64
	// MaxLivePerWorker forces a free once a worker holds this many buffers.
	MaxLivePerWorker int
	Seed             uint64

	// Timeline, when set, gives every worker its own stream. Each allocation
	// queues a unit of work and every SyncEvery ops the stream is drained.
	Timeline  *streams.Timeline
	SyncEvery int

	Memory   Memory
	Checksum Checksum
	Progress progress.Tracker
	Logger   *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Workers:          4,
		OpsPerWorker:     10000,
		MinSize:          256,
		MaxSize:          4 << 20,
		FreeProbability:  0.45,
		MaxLivePerWorker: 256,
		Seed:             1,
		SyncEvery:        64,
	}
}

type Result struct {
	Allocs      int64
	Frees       int64
	Failures    int64
	Verified    int64
	BytesServed uint64
	Duration    time.Duration
}

func (o Options) validate() error {
	if o.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", o.Workers)
	}
	if o.OpsPerWorker < 0 {
		return fmt.Errorf("ops per worker must not be negative, got %d", o.OpsPerWorker)
	}
	if o.MinSize == 0 || o.MinSize > o.MaxSize {
		return fmt.Errorf("invalid size range [%d, %d]", o.MinSize, o.MaxSize)
	}
	if o.FreeProbability < 0 || o.FreeProbability > 1 {
		return fmt.Errorf("free probability %v outside [0, 1]", o.FreeProbability)
	}
	switch o.Checksum {
	case ChecksumXXHash, ChecksumBlake3, ChecksumSHA256:
	default:
		return fmt.Errorf("invalid checksum %v", o.Checksum)
	}
	if o.MaxLivePerWorker < 1 {
		return fmt.Errorf("max live per worker must be positive, got %d", o.MaxLivePerWorker)
	}
	return nil
}

type allocation struct {
	ptr  uintptr
	size uint64
	sum  uint64
}

type counters struct {
	allocs, frees, failures, verified, ops atomic.Int64
	bytes                                  atomic.Uint64
}

// Run executes the workload and frees everything it allocated before
// returning. Out-of-memory failures are counted, not returned.
func Run(ctx context.Context, target Target, opts Options) (Result, error) {
	if err := opts.validate(); err != nil {
		return Result{}, err
	}
	if opts.Progress == nil {
		opts.Progress = progress.NoopTracker{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.SyncEvery < 1 {
		opts.SyncEvery = 1
	}

	start := time.Now()
	var c counters
	opts.Progress.SetMessage("workload")
	opts.Progress.SetTotal(int64(opts.Workers * opts.OpsPerWorker))

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		g.Go(func() error {
			return runWorker(ctx, target, opts, w, &c)
		})
	}
	err := g.Wait()

	res := Result{
		Allocs:      c.allocs.Load(),
		Frees:       c.frees.Load(),
		Failures:    c.failures.Load(),
		Verified:    c.verified.Load(),
		BytesServed: c.bytes.Load(),
		Duration:    time.Since(start),
	}
	if err != nil {
		opts.Progress.SetError(err)
		return res, err
	}
	opts.Progress.SetDone(c.ops.Load())
	opts.Progress.MarkFinished()
	opts.Logger.Info("workload finished",
		"allocs", res.Allocs,
		"frees", res.Frees,
		"failures", res.Failures,
		"verified", res.Verified,
		"duration", res.Duration)
	return res, nil
}

type worker struct {
	target Target
	opts   Options
	rng    *rand.Rand
	stream arena.StreamID
	c      *counters
	live   []allocation
}

func runWorker(ctx context.Context, target Target, opts Options, id int, c *counters) (err error) {
	w := &worker{
		target: target,
		opts:   opts,
		rng:    rand.New(rand.NewPCG(opts.Seed, uint64(id))),
		c:      c,
	}
	if opts.Timeline != nil {
		w.stream = arena.StreamID(id + 1)
	}
	defer func() {
		if cerr := w.teardown(); err == nil {
			err = cerr
		}
	}()

	for i := 0; i < opts.OpsPerWorker; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(w.live) > 0 && (len(w.live) >= opts.MaxLivePerWorker || w.rng.Float64() < opts.FreeProbability) {
			if err := w.free(w.rng.IntN(len(w.live))); err != nil {
				return err
			}
		} else if err := w.allocate(); err != nil {
			return err
		}
		if w.stream != arena.NoStream && i%opts.SyncEvery == opts.SyncEvery-1 {
			opts.Timeline.Drain(w.stream)
		}
		if n := c.ops.Add(1); n%1024 == 0 {
			opts.Progress.SetDone(n)
		}
	}
	return nil
}

func (w *worker) allocate() error {
	size := logUniform(w.rng, w.opts.MinSize, w.opts.MaxSize)
	var p uintptr
	var err error
	if w.stream != arena.NoStream {
		p, err = w.target.AllocateOnStream(size, w.stream)
	} else {
		p, err = w.target.Allocate(size)
	}
	if errors.Is(err, arena.ErrOutOfMemory) {
		w.c.failures.Add(1)
		// Make room for the next attempt.
		if len(w.live) > 0 {
			return w.free(0)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("allocate %d bytes: %w", size, err)
	}

	a := allocation{ptr: p, size: size}
	if w.opts.Memory != nil {
		mem, err := w.opts.Memory(p, size)
		if err != nil {
			return fmt.Errorf("map allocation %#x: %w", p, err)
		}
		fill(w.rng, mem)
		a.sum = w.opts.Checksum.sum(mem)
	}
	if w.stream != arena.NoStream {
		w.opts.Timeline.Enqueue(w.stream)
	}
	w.live = append(w.live, a)
	w.c.allocs.Add(1)
	w.c.bytes.Add(size)
	return nil
}

func (w *worker) free(idx int) error {
	a := w.live[idx]
	if w.opts.Memory != nil {
		mem, err := w.opts.Memory(a.ptr, a.size)
		if err != nil {
			return fmt.Errorf("map allocation %#x: %w", a.ptr, err)
		}
		if got := w.opts.Checksum.sum(mem); got != a.sum {
			return fmt.Errorf("allocation %#x of %d bytes: checksum %x, want %x: %w", a.ptr, a.size, got, a.sum, ErrCorrupted)
		}
		w.c.verified.Add(1)
	}
	w.target.Free(a.ptr)
	w.live[idx] = w.live[len(w.live)-1]
	w.live = w.live[:len(w.live)-1]
	w.c.frees.Add(1)
	return nil
}

// teardown frees what the worker still holds and retires its stream.
func (w *worker) teardown() error {
	var errs []error
	for len(w.live) > 0 {
		if err := w.free(len(w.live) - 1); err != nil {
			errs = append(errs, err)
			// The buffer is still returned to the arena.
			w.target.Free(w.live[len(w.live)-1].ptr)
			w.live = w.live[:len(w.live)-1]
		}
	}
	if w.stream != arena.NoStream {
		w.opts.Timeline.Drain(w.stream)
		if err := w.target.ReleaseStream(w.stream, true); err != nil {
			errs = append(errs, fmt.Errorf("release stream %d: %w", w.stream, err))
		}
		w.opts.Timeline.Forget(w.stream)
	}
	return errors.Join(errs...)
}

// logUniform picks a size in [lo, hi] whose logarithm is uniform, so small
// buffers dominate as they do in real tensor workloads.
func logUniform(rng *rand.Rand, lo, hi uint64) uint64 {
	if lo >= hi {
		return lo
	}
	l, h := math.Log(float64(lo)), math.Log(float64(hi))
	v := uint64(math.Exp(l + rng.Float64()*(h-l)))
	return min(max(v, lo), hi)
}

func fill(rng *rand.Rand, b []byte) {
	for len(b) >= 8 {
		v := rng.Uint64()
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		b = b[8:]
	}
	if len(b) > 0 {
		v := rng.Uint64()
		for i := range b {
			b[i] = byte(v >> (8 * i))
		}
	}
}
