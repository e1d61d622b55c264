package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/garethgeorge/bfcarena/internal/arena"
	"github.com/klauspost/compress/zstd"
)

// maxRecordBytes bounds a single record so a corrupt length cannot force a
// huge allocation.
const maxRecordBytes = 1 << 10

var ErrBadHeader = errors.New("not an arena trace")

type Reader struct {
	zr      *zstd.Decoder
	br      *bufio.Reader
	closers []func() error
}

// NewReader checks the trace header. It does not take ownership of r.
func NewReader(r io.Reader) (*Reader, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	tr := &Reader{
		zr: zr,
		br: bufio.NewReaderSize(zr, bufioSize),
		closers: []func() error{func() error {
			zr.Close()
			return nil
		}},
	}

	var got [len(magic)]byte
	if _, err := io.ReadFull(tr.br, got[:]); err != nil {
		tr.Close()
		return nil, fmt.Errorf("read trace header: %w", errors.Join(ErrBadHeader, err))
	}
	if string(got[:]) != magic {
		tr.Close()
		return nil, fmt.Errorf("magic %q: %w", got[:], ErrBadHeader)
	}
	v, err := binary.ReadUvarint(tr.br)
	if err != nil {
		tr.Close()
		return nil, fmt.Errorf("read trace version: %w", err)
	}
	if v != version {
		tr.Close()
		return nil, fmt.Errorf("unsupported trace version %d", v)
	}
	return tr, nil
}

// Open reads the trace file at path. Close releases the file.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closers = append(r.closers, f.Close)
	return r, nil
}

// Events yields the remaining events in order. Iteration stops after the
// first error.
func (r *Reader) Events() iter.Seq2[arena.Event, error] {
	return func(yield func(arena.Event, error) bool) {
		var buf []byte
		for idx := 0; ; idx++ {
			n, err := binary.ReadUvarint(r.br)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(arena.Event{}, fmt.Errorf("record %d length: %w", idx, err))
				return
			}
			if n == 0 || n > maxRecordBytes {
				yield(arena.Event{}, fmt.Errorf("record %d has invalid length %d", idx, n))
				return
			}
			if uint64(cap(buf)) < n {
				buf = make([]byte, n)
			}
			buf = buf[:n]
			if _, err := io.ReadFull(r.br, buf); err != nil {
				yield(arena.Event{}, fmt.Errorf("record %d: %w", idx, err))
				return
			}
			e, err := consumeEvent(buf)
			if err != nil {
				yield(arena.Event{}, fmt.Errorf("record %d: %w", idx, err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// ReadAll collects every remaining event.
func (r *Reader) ReadAll() ([]arena.Event, error) {
	var events []arena.Event
	for e, err := range r.Events() {
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (r *Reader) Close() error {
	var err error
	for _, closer := range r.closers {
		if e := closer(); e != nil {
			err = e
		}
	}
	r.closers = nil
	return err
}
