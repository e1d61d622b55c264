package trace

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/garethgeorge/bfcarena/internal/arena"
	"github.com/garethgeorge/bfcarena/internal/backing"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopCloser struct {
	io.Writer
	closed bool
}

func (n *nopCloser) Close() error {
	n.closed = true
	return nil
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }
func (failingWriter) Close() error                { return nil }

func TestWriterReader(t *testing.T) {
	t.Parallel()
	events := []arena.Event{
		{Op: arena.OpExtend, Size: 1 << 20, Ptr: 0x1000000},
		{Op: arena.OpAllocate, AllocationID: 1, Size: 1024, RequestedSize: 1000, Ptr: 0x1000000, Stream: 3},
		{Op: arena.OpFree, AllocationID: 1, Size: 1024, RequestedSize: 1000, Ptr: 0x1000000, Stream: 3},
		{Op: arena.OpAllocateFailed, RequestedSize: 1 << 40},
		{Op: arena.OpReserve, Size: 1 << 30, Ptr: ^uintptr(0) - 4095},
	}

	var buf bytes.Buffer
	sink := &nopCloser{Writer: &buf}
	w, err := NewWriter(sink)
	require.NoError(t, err)
	for _, e := range events {
		w.Trace(e)
	}
	assert.Equal(t, int64(len(events)), w.Count())
	require.NoError(t, w.Close())
	assert.True(t, sink.closed)

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer r.Close()
	got, err := r.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, events, got)
}

func TestReader_StopsEarly(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w, err := NewWriter(&nopCloser{Writer: &buf})
	require.NoError(t, err)
	for i := int64(1); i <= 10; i++ {
		w.Trace(arena.Event{Op: arena.OpAllocate, AllocationID: i, Size: 256})
	}
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	defer r.Close()
	var ids []int64
	for e, err := range r.Events() {
		require.NoError(t, err)
		ids = append(ids, e.AllocationID)
		if len(ids) == 3 {
			break
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestReader_RejectsForeignStreams(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write([]byte("NOPE\x01"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = NewReader(&buf)
	assert.ErrorIs(t, err, ErrBadHeader)

	_, err = NewReader(bytes.NewReader([]byte("plain text, not zstd")))
	assert.Error(t, err)
}

func TestReader_TruncatedRecord(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write([]byte("BFCT\x01\x05\x08"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.ReadAll()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriter_StickyError(t *testing.T) {
	t.Parallel()
	w, err := NewWriter(failingWriter{})
	require.NoError(t, err)
	for i := 0; i < 100000; i++ {
		w.Trace(arena.Event{Op: arena.OpAllocate, AllocationID: int64(i), Size: uint64(i) * 256})
	}
	err = w.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, err, w.Close())
}

func TestWriter_TracesArena(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "arena.bfct")
	w, err := Create(path)
	require.NoError(t, err)

	a, err := arena.New(backing.NewDevice(1<<30), arena.Config{Tracer: w})
	require.NoError(t, err)
	p, err := a.Allocate(5000)
	require.NoError(t, err)
	a.Free(p)
	require.NoError(t, a.Close())
	require.NoError(t, w.Close())

	r, err := Open(path)
	require.NoError(t, err)
	events, err := r.ReadAll()
	require.NoError(t, err)
	require.NoError(t, r.Close())

	require.Len(t, events, 3)
	assert.Equal(t, arena.OpExtend, events[0].Op)
	assert.Equal(t, arena.OpAllocate, events[1].Op)
	assert.Equal(t, uint64(5000), events[1].RequestedSize)
	assert.Equal(t, p, events[2].Ptr)
}
