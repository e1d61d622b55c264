package streams

import (
	"testing"

	"github.com/garethgeorge/bfcarena/internal/arena"
	"github.com/garethgeorge/bfcarena/internal/backing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestTimeline(t *testing.T) {
	t.Parallel()
	tl := NewTimeline()

	assert.Equal(t, uint64(0), tl.CurrentSyncID(1))
	assert.True(t, tl.Completed(1, 0))
	assert.True(t, tl.Completed(1, 5), "unknown streams have nothing pending")

	assert.Equal(t, uint64(1), tl.Enqueue(1))
	assert.Equal(t, uint64(2), tl.Enqueue(1))
	assert.Equal(t, uint64(2), tl.CurrentSyncID(1))
	assert.Equal(t, uint64(2), tl.Pending(1))
	assert.False(t, tl.Completed(1, 1))

	tl.Complete(1, 1)
	assert.True(t, tl.Completed(1, 1))
	assert.False(t, tl.Completed(1, 2))

	tl.Complete(1, 0)
	assert.True(t, tl.Completed(1, 1), "completion never moves backwards")

	tl.Complete(1, 10)
	assert.Equal(t, uint64(0), tl.Pending(1))
	assert.False(t, tl.Completed(1, 3), "completion is capped at the queued id")

	tl.Enqueue(1)
	tl.Drain(1)
	assert.True(t, tl.Completed(1, 3))

	tl.Forget(1)
	assert.Equal(t, uint64(0), tl.CurrentSyncID(1))
}

func TestTimeline_Concurrent(t *testing.T) {
	t.Parallel()
	tl := NewTimeline()
	var g errgroup.Group
	for s := arena.StreamID(1); s <= 4; s++ {
		g.Go(func() error {
			for i := 0; i < 1000; i++ {
				id := tl.Enqueue(s)
				tl.Complete(s, id)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	for s := arena.StreamID(1); s <= 4; s++ {
		assert.Equal(t, uint64(1000), tl.CurrentSyncID(s))
		assert.Equal(t, uint64(0), tl.Pending(s))
	}
}

func TestTimeline_GatesArenaReuse(t *testing.T) {
	t.Parallel()
	tl := NewTimeline()
	a, err := arena.New(backing.NewDevice(1<<30), arena.Config{SyncTracker: tl})
	require.NoError(t, err)

	const size = 100 << 10
	p1, err := a.AllocateOnStream(size, 1)
	require.NoError(t, err)
	sync := tl.Enqueue(1)
	a.Free(p1)

	p2, err := a.AllocateOnStream(size, 2)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)

	tl.Complete(1, sync)
	p3, err := a.AllocateOnStream(size, 2)
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
	require.NoError(t, a.Validate())
}
