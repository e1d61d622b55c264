package workload

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/garethgeorge/bfcarena/internal/arena"
	"github.com/garethgeorge/bfcarena/internal/progress"
)

type ReplayOptions struct {
	// UseStreams replays stream tags with AllocateOnStream.
	UseStreams bool
	// Total is the expected event count, for progress only.
	Total    int64
	Progress progress.Tracker
	Logger   *slog.Logger
}

type ReplayResult struct {
	Events   int64
	Allocs   int64
	Frees    int64
	Reserves int64
	Failures int64
	// Leaked counts allocations the trace never freed. Replay frees them.
	Leaked int
}

// Replay re-executes recorded allocation traffic against target. Allocation
// ids and reservation addresses from the trace are mapped to the pointers
// target returns. Requests that fail with ErrOutOfMemory are counted and
// their later frees skipped.
func Replay(ctx context.Context, target Target, events iter.Seq2[arena.Event, error], opts ReplayOptions) (ReplayResult, error) {
	if opts.Progress == nil {
		opts.Progress = progress.NoopTracker{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	opts.Progress.SetMessage("replay")
	opts.Progress.SetTotal(opts.Total)

	r := replayer{
		target:   target,
		opts:     opts,
		allocs:   make(map[int64]uintptr),
		reserved: make(map[uintptr]uintptr),
		failed:   make(map[int64]struct{}),
	}
	err := r.run(ctx, events)
	r.res.Leaked = len(r.allocs) + len(r.reserved)
	for _, p := range r.allocs {
		target.Free(p)
	}
	for _, p := range r.reserved {
		target.Free(p)
	}
	if err != nil {
		opts.Progress.SetError(err)
		return r.res, err
	}
	opts.Progress.SetDone(r.res.Events)
	opts.Progress.MarkFinished()
	opts.Logger.Info("replay finished",
		"events", r.res.Events,
		"allocs", r.res.Allocs,
		"frees", r.res.Frees,
		"failures", r.res.Failures,
		"leaked", r.res.Leaked)
	return r.res, nil
}

type replayer struct {
	target   Target
	opts     ReplayOptions
	allocs   map[int64]uintptr
	reserved map[uintptr]uintptr
	failed   map[int64]struct{}
	res      ReplayResult
}

func (r *replayer) run(ctx context.Context, events iter.Seq2[arena.Event, error]) error {
	for e, err := range events {
		if err != nil {
			return fmt.Errorf("read event %d: %w", r.res.Events, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.apply(e); err != nil {
			return fmt.Errorf("event %d (%v): %w", r.res.Events, e.Op, err)
		}
		r.res.Events++
		if r.res.Events%1024 == 0 {
			r.opts.Progress.SetDone(r.res.Events)
		}
	}
	return nil
}

func (r *replayer) apply(e arena.Event) error {
	switch e.Op {
	case arena.OpAllocate:
		if _, dup := r.allocs[e.AllocationID]; dup {
			return fmt.Errorf("allocation %d recorded twice", e.AllocationID)
		}
		var p uintptr
		var err error
		if r.opts.UseStreams && e.Stream != arena.NoStream {
			p, err = r.target.AllocateOnStream(e.RequestedSize, e.Stream)
		} else {
			p, err = r.target.Allocate(e.RequestedSize)
		}
		if errors.Is(err, arena.ErrOutOfMemory) {
			r.res.Failures++
			r.failed[e.AllocationID] = struct{}{}
			return nil
		}
		if err != nil {
			return err
		}
		r.allocs[e.AllocationID] = p
		r.res.Allocs++

	case arena.OpFree:
		if _, ok := r.failed[e.AllocationID]; ok {
			delete(r.failed, e.AllocationID)
			return nil
		}
		p, ok := r.allocs[e.AllocationID]
		if !ok {
			return fmt.Errorf("free of unknown allocation %d", e.AllocationID)
		}
		delete(r.allocs, e.AllocationID)
		r.target.Free(p)
		r.res.Frees++

	case arena.OpReserve:
		p, err := r.target.Reserve(e.Size)
		if errors.Is(err, arena.ErrOutOfMemory) {
			r.res.Failures++
			return nil
		}
		if err != nil {
			return err
		}
		r.reserved[e.Ptr] = p
		r.res.Reserves++

	case arena.OpFreeReserved:
		p, ok := r.reserved[e.Ptr]
		if !ok {
			// The reservation failed during replay.
			return nil
		}
		delete(r.reserved, e.Ptr)
		r.target.Free(p)

	case arena.OpExtend, arena.OpReleaseRegion, arena.OpAllocateFailed:
		// Region traffic and failures follow from the requests above.
	default:
		return fmt.Errorf("unknown op %v", e.Op)
	}
	return nil
}
