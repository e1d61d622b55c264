package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/garethgeorge/bfcarena/internal/arena"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

const bufioSize = 64 * 1024

// Writer is an arena.Tracer that streams events to an underlying writer.
// Trace cannot return errors, so the first failure is kept and reported by
// Close; later events are dropped.
type Writer struct {
	mu      sync.Mutex
	zw      *zstd.Encoder
	closers []func() error
	scratch []byte
	record  []byte
	count   int64
	err     error
	closed  bool
}

var _ arena.Tracer = (*Writer)(nil)

// NewWriter takes ownership of w and closes it on Close.
func NewWriter(w io.WriteCloser) (*Writer, error) {
	bw := bufio.NewWriterSize(w, bufioSize)
	zw, err := zstd.NewWriter(
		bw,
		zstd.WithEncoderCRC(true),
		zstd.WithEncoderConcurrency(2),
		zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	tw := &Writer{
		zw:      zw,
		closers: []func() error{zw.Close, bw.Flush, w.Close},
	}
	header := protowire.AppendVarint([]byte(magic), version)
	if _, err := zw.Write(header); err != nil {
		_ = tw.Close()
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	return tw, nil
}

// Create writes a trace to a new file at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return NewWriter(f)
}

func (w *Writer) Trace(e arena.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	if w.closed {
		w.err = fmt.Errorf("trace event %v after close", e.Op)
		return
	}

	w.record = appendEvent(w.record[:0], e)
	w.scratch = protowire.AppendVarint(w.scratch[:0], uint64(len(w.record)))
	w.scratch = append(w.scratch, w.record...)
	if _, err := w.zw.Write(w.scratch); err != nil {
		w.err = fmt.Errorf("write trace record %d: %w", w.count, err)
		return
	}
	w.count++
}

// Count returns the number of events written so far.
func (w *Writer) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Err returns the first write error, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close flushes the compressed stream and closes the underlying writer. It
// returns the first error seen by Trace or by closing.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.err
	}
	w.closed = true
	for _, closer := range w.closers {
		if e := closer(); e != nil && w.err == nil {
			w.err = e
		}
	}
	return w.err
}
