package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Tracker reports progress of a job with a known amount of work. SetDone
// takes the absolute number of completed units. Implementations must be safe
// for concurrent use.
type Tracker interface {
	SetMessage(msg string)
	SetTotal(total int64)
	SetDone(n int64)
	SetError(err error)
	MarkFinished()
}

type NoopTracker struct{}

var _ Tracker = NoopTracker{}

func (n NoopTracker) SetMessage(msg string) {}
func (n NoopTracker) SetTotal(total int64)  {}
func (n NoopTracker) SetDone(n2 int64)      {}
func (n NoopTracker) SetError(err error)    {}
func (n NoopTracker) MarkFinished()         {}

// LogTracker logs progress through slog, at most once per interval.
type LogTracker struct {
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	msg      string
	total    int64
	done     int64
	lastLog  time.Time
	finished bool
}

var _ Tracker = (*LogTracker)(nil)

func NewLogTracker(log *slog.Logger, interval time.Duration) *LogTracker {
	return &LogTracker{log: log, interval: interval, now: time.Now}
}

func (t *LogTracker) SetMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msg = msg
}

func (t *LogTracker) SetTotal(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
}

func (t *LogTracker) SetDone(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = n
	if now := t.now(); now.Sub(t.lastLog) >= t.interval {
		t.lastLog = now
		t.logLocked(slog.LevelInfo, "progress")
	}
}

func (t *LogTracker) SetError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log.Error(t.msg+" failed", "done", t.done, "total", t.total, "error", err)
}

func (t *LogTracker) MarkFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	t.logLocked(slog.LevelInfo, "finished")
}

func (t *LogTracker) logLocked(level slog.Level, state string) {
	args := []any{"state", state, "done", t.done}
	if t.total > 0 {
		args = append(args, "total", t.total, "percent", float64(t.done)*100/float64(t.total))
	}
	t.log.Log(context.Background(), level, t.msg, args...)
}
