package progress

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogTracker_Throttles(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	tr := NewLogTracker(slog.New(slog.NewTextHandler(&buf, nil)), time.Second)
	clock := time.Unix(1000, 0)
	tr.now = func() time.Time { return clock }

	tr.SetMessage("workload")
	tr.SetTotal(100)
	tr.SetDone(10)
	tr.SetDone(20)
	clock = clock.Add(500 * time.Millisecond)
	tr.SetDone(30)
	clock = clock.Add(time.Second)
	tr.SetDone(50)
	tr.MarkFinished()
	tr.MarkFinished()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if assert.Len(t, lines, 3) {
		assert.Contains(t, lines[0], "done=10")
		assert.Contains(t, lines[0], "percent=10")
		assert.Contains(t, lines[1], "done=50")
		assert.Contains(t, lines[2], "state=finished")
	}
}

func TestLogTracker_Error(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	tr := NewLogTracker(slog.New(slog.NewTextHandler(&buf, nil)), time.Hour)
	tr.SetMessage("replay")
	tr.SetError(errors.New("boom"))
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "error=boom")
}

func TestNoopTracker(t *testing.T) {
	t.Parallel()
	var tr Tracker = NoopTracker{}
	assert.NotPanics(t, func() {
		tr.SetMessage("x")
		tr.SetTotal(1)
		tr.SetDone(1)
		tr.SetError(errors.New("x"))
		tr.MarkFinished()
	})
}
