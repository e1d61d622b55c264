// Command bfcsim drives a BFC arena with a synthetic workload or a recorded
// trace and reports how the arena behaved.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/garethgeorge/bfcarena/internal/arena"
	"github.com/garethgeorge/bfcarena/internal/backing"
	"github.com/garethgeorge/bfcarena/internal/pflagx"
	"github.com/garethgeorge/bfcarena/internal/progress"
	"github.com/garethgeorge/bfcarena/internal/streams"
	"github.com/garethgeorge/bfcarena/internal/trace"
	"github.com/garethgeorge/bfcarena/internal/workload"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/natefinch/atomic"
	"github.com/spf13/pflag"
)

const EnvPrefix = "BFCSIM_"

type options struct {
	backing  string
	capacity pflagx.ByteSize

	strategy      string
	memoryLimit   pflagx.ByteSize
	initialChunk  pflagx.ByteSize
	growthChunk   pflagx.ByteSize
	maxDead       pflagx.ByteSize
	maxPow2Extend pflagx.ByteSize

	workers   int
	ops       int
	minSize   pflagx.ByteSize
	maxSize   pflagx.ByteSize
	freeProb  float64
	maxLive   int
	seed      uint64
	streams   bool
	syncEvery int
	verify    bool
	checksum  string

	traceOut string
	replay   string
	report   string
	check    bool
	shrink   bool

	logLevel *slog.LevelVar
	logJSON  bool
	help     bool
}

func newFlagSet(o *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("bfcsim", pflag.ContinueOnError)
	d := workload.DefaultOptions()

	fs.StringVar(&o.backing, "backing", "device", "backing allocator (device: simulated address space, heap: real Go memory)")
	o.capacity = 16 << 30
	fs.Var(&o.capacity, "capacity", "device capacity, or heap limit (0 for none)")

	fs.StringVarP(&o.strategy, "strategy", "s", arena.ExtendNextPowerOfTwo.String(), "extend strategy (next-power-of-two, same-as-requested)")
	fs.Var(&o.memoryLimit, "memory-limit", "arena memory limit (0 for none)")
	o.initialChunk = arena.DefaultInitialChunkBytes
	fs.Var(&o.initialChunk, "initial-chunk", "size of the first region")
	o.growthChunk = arena.DefaultInitialGrowthChunkBytes
	fs.Var(&o.growthChunk, "growth-chunk", "size of the first region after a shrink")
	o.maxDead = arena.DefaultMaxDeadBytesPerChunk
	fs.Var(&o.maxDead, "max-dead", "leftover bytes at which a chunk is always split")
	o.maxPow2Extend = arena.DefaultMaxPowerOfTwoExtendBytes
	fs.Var(&o.maxPow2Extend, "max-pow2-extend", "region size at which power-of-two growth stops doubling")

	fs.IntVarP(&o.workers, "workers", "w", d.Workers, "concurrent workload workers")
	fs.IntVarP(&o.ops, "ops", "n", d.OpsPerWorker, "operations per worker")
	o.minSize = pflagx.ByteSize(d.MinSize)
	fs.Var(&o.minSize, "min-size", "smallest request")
	o.maxSize = pflagx.ByteSize(d.MaxSize)
	fs.Var(&o.maxSize, "max-size", "largest request")
	fs.Float64Var(&o.freeProb, "free-prob", d.FreeProbability, "probability an operation frees a live buffer")
	fs.IntVar(&o.maxLive, "max-live", d.MaxLivePerWorker, "live buffers per worker before frees are forced")
	fs.Uint64Var(&o.seed, "seed", d.Seed, "workload random seed")
	fs.BoolVar(&o.streams, "streams", false, "give each worker its own stream")
	fs.IntVar(&o.syncEvery, "sync-every", d.SyncEvery, "operations between stream completions")
	fs.BoolVar(&o.verify, "verify", false, "fill and checksum every buffer (heap backing only)")
	fs.StringVar(&o.checksum, "checksum", workload.ChecksumXXHash.String(), "checksum used by --verify (xxhash, blake3, sha256)")

	fs.StringVarP(&o.traceOut, "trace", "t", "", "write an event trace to this file")
	fs.StringVarP(&o.replay, "replay", "r", "", "replay this trace instead of running a workload")
	fs.StringVar(&o.report, "report", "", "write a JSON report to this file")
	fs.BoolVar(&o.check, "check", false, "validate arena invariants after the run")
	fs.BoolVar(&o.shrink, "shrink", false, "release free regions after the run")

	o.logLevel = pflagx.LevelVarP(fs, "log-level", "L", slog.LevelInfo, "log level")
	fs.BoolVar(&o.logJSON, "log-json", false, "use json logs")
	fs.BoolVarP(&o.help, "help", "h", false, "show this help text")
	return fs
}

type usageError struct{ error }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := realMain(ctx, os.Args[1:], os.Environ(), os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func realMain(ctx context.Context, args, environ []string, stdout, stderr io.Writer) int {
	var o options
	fs := newFlagSet(&o)
	fs.SetOutput(stderr)
	if err := pflagx.ParseEnv(fs, EnvPrefix, environ); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if o.help || fs.NArg() != 0 {
		fmt.Fprintf(stdout, "usage: bfcsim [options]\n%s", fs.FlagUsages())
		if o.help {
			return 0
		}
		return 2
	}

	log := newLogger(stdout, o.logLevel, o.logJSON)
	if err := run(ctx, log, o); err != nil {
		var uerr usageError
		if errors.As(err, &uerr) {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 2
		}
		log.Error("bfcsim failed", "error", err)
		return 1
	}
	return 0
}

func newLogger(w io.Writer, level *slog.LevelVar, useJSON bool) *slog.Logger {
	if useJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	}))
}

type backingAllocator interface {
	arena.ResourceAllocator
	Stats() backing.Stats
}

type report struct {
	Arena    arena.Stats            `json:"arena"`
	Backing  backing.Stats          `json:"backing"`
	Workload *workload.Result       `json:"workload,omitempty"`
	Replay   *workload.ReplayResult `json:"replay,omitempty"`
	Bins     []binReport            `json:"bins"`
}

type binReport struct {
	Bin int `json:"bin"`
	arena.BinDebugInfo
}

func (o options) arenaConfig(log *slog.Logger) (arena.Config, error) {
	strategy, err := arena.ParseExtendStrategy(o.strategy)
	if err != nil {
		return arena.Config{}, usageError{err}
	}
	cfg := arena.DefaultConfig()
	cfg.ExtendStrategy = strategy
	cfg.MemoryLimit = uint64(o.memoryLimit)
	cfg.InitialChunkBytes = uint64(o.initialChunk)
	cfg.InitialGrowthChunkBytes = uint64(o.growthChunk)
	cfg.MaxDeadBytesPerChunk = uint64(o.maxDead)
	cfg.MaxPowerOfTwoExtendBytes = uint64(o.maxPow2Extend)
	cfg.Logger = log.With("component", "arena")
	if err := cfg.Validate(); err != nil {
		return arena.Config{}, usageError{err}
	}
	return cfg, nil
}

func run(ctx context.Context, log *slog.Logger, o options) error {
	cfg, err := o.arenaConfig(log)
	if err != nil {
		return err
	}

	var back backingAllocator
	var memory workload.Memory
	switch o.backing {
	case "device":
		if o.capacity == 0 {
			return usageError{errors.New("device backing needs a capacity")}
		}
		if o.verify {
			return usageError{errors.New("--verify needs --backing=heap")}
		}
		back = backing.NewDevice(uint64(o.capacity))
	case "heap":
		heap := backing.NewHeap(backing.WithLimit(uint64(o.capacity)))
		if o.verify {
			memory = heap.Bytes
		}
		back = heap
	default:
		return usageError{fmt.Errorf("unknown backing %q", o.backing)}
	}

	checksum, err := workload.ParseChecksum(o.checksum)
	if err != nil {
		return usageError{err}
	}

	var tl *streams.Timeline
	if o.streams {
		tl = streams.NewTimeline()
		cfg.SyncTracker = tl
	}

	var tw *trace.Writer
	if o.traceOut != "" {
		tw, err = trace.Create(o.traceOut)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		defer tw.Close()
		cfg.Tracer = tw
	}

	a, err := arena.New(back, cfg)
	if err != nil {
		return usageError{err}
	}
	defer a.Close()
	log.Info("arena ready",
		"backing", o.backing,
		"capacity", o.capacity.String(),
		"strategy", cfg.ExtendStrategy,
		"memory_limit", o.memoryLimit.String(),
		"streams", o.streams)

	rep := report{}
	prog := progress.NewLogTracker(log.With("component", "progress"), 2*time.Second)
	if o.replay != "" {
		res, err := replay(ctx, a, o.replay, tl != nil, prog, log)
		rep.Replay = &res
		if err != nil {
			return err
		}
	} else {
		res, err := workload.Run(ctx, a, workload.Options{
			Workers:          o.workers,
			OpsPerWorker:     o.ops,
			MinSize:          uint64(o.minSize),
			MaxSize:          uint64(o.maxSize),
			FreeProbability:  o.freeProb,
			MaxLivePerWorker: o.maxLive,
			Seed:             o.seed,
			Timeline:         tl,
			SyncEvery:        o.syncEvery,
			Memory:           memory,
			Checksum:         checksum,
			Progress:         prog,
			Logger:           log.With("component", "workload"),
		})
		rep.Workload = &res
		if err != nil {
			return fmt.Errorf("workload: %w", err)
		}
	}

	if o.shrink {
		if err := a.Shrink(); err != nil {
			return fmt.Errorf("shrink: %w", err)
		}
	}
	if o.check {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("arena invariants violated: %w", err)
		}
		log.Info("arena invariants hold")
	}

	rep.Arena = a.Stats()
	rep.Backing = back.Stats()
	for i, info := range a.BinInfo() {
		if info.TotalChunksInBin > 0 {
			rep.Bins = append(rep.Bins, binReport{Bin: i, BinDebugInfo: info})
		}
	}
	logReport(log, rep)

	if tw != nil {
		if err := tw.Close(); err != nil {
			return fmt.Errorf("write trace: %w", err)
		}
		log.Info("trace written", "path", o.traceOut, "events", tw.Count())
	}
	if o.report != "" {
		buf, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		if err := atomic.WriteFile(o.report, bytes.NewReader(buf)); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return nil
}

func replay(ctx context.Context, a *arena.Arena, path string, useStreams bool, prog progress.Tracker, log *slog.Logger) (workload.ReplayResult, error) {
	r, err := trace.Open(path)
	if err != nil {
		return workload.ReplayResult{}, fmt.Errorf("open trace: %w", err)
	}
	defer r.Close()
	res, err := workload.Replay(ctx, a, r.Events(), workload.ReplayOptions{
		UseStreams: useStreams,
		Progress:   prog,
		Logger:     log.With("component", "replay"),
	})
	if err != nil {
		return res, fmt.Errorf("replay %s: %w", path, err)
	}
	return res, nil
}

func logReport(log *slog.Logger, rep report) {
	s := rep.Arena
	log.Info("arena stats",
		"num_allocs", s.NumAllocs,
		"num_reserves", s.NumReserves,
		"bytes_in_use", s.BytesInUse,
		"peak_bytes_in_use", s.PeakBytesInUse,
		"total_allocated_bytes", s.TotalAllocatedBytes,
		"max_alloc_size", s.MaxAllocSize,
		"regions", s.NumRegions,
		"extensions", s.NumArenaExtensions,
		"shrinkages", s.NumArenaShrinkages)
	b := rep.Backing
	log.Info("backing stats",
		"alloc_calls", b.AllocCalls,
		"failed_allocs", b.FailedAllocs,
		"blocks", b.Blocks,
		"bytes_in_use", b.BytesInUse,
		"peak_bytes_in_use", b.PeakBytesInUse)
	for _, bin := range rep.Bins {
		log.Info("bin",
			"bin", bin.Bin,
			"bin_size", bin.BinSize,
			"chunks", bin.TotalChunksInBin,
			"bytes", bin.TotalBytesInBin,
			"chunks_in_use", bin.TotalChunksInUse,
			"bytes_in_use", bin.TotalBytesInUse)
	}
}
