package storage

import (
	"sync"
	"time"
)

// DefaultDebounceWindow is the quiet period between the last mutation and
// the persisted write.
const DefaultDebounceWindow = 500 * time.Millisecond

// Timer is the subset of *time.Timer the debouncer needs. Tests swap in a
// hand-driven implementation instead of waiting on real time.
type Timer interface {
	Reset(d time.Duration) bool
	Stop() bool
}

// NewTimerFunc constructs a timer that invokes fn once after d.
type NewTimerFunc func(d time.Duration, fn func()) Timer

// Debouncer coalesces bursts of Trigger calls into a single invocation of fn
// after a quiet period (trailing edge). A stream of model chunks triggers
// once per chunk but produces one persisted write.
type Debouncer struct {
	mu       sync.Mutex
	window   time.Duration
	fn       func()
	newTimer NewTimerFunc
	timer    Timer
	pending  bool
	stopped  bool
}

// NewDebouncer returns a debouncer backed by time.AfterFunc.
func NewDebouncer(window time.Duration, fn func()) *Debouncer {
	return NewDebouncerWithTimer(window, fn, func(d time.Duration, f func()) Timer {
		return time.AfterFunc(d, f)
	})
}

// NewDebouncerWithTimer is NewDebouncer with an injectable timer factory.
func NewDebouncerWithTimer(window time.Duration, fn func(), newTimer NewTimerFunc) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Debouncer{
		window:   window,
		fn:       fn,
		newTimer: newTimer,
	}
}

// Trigger schedules fn after the quiet window, extending the window if a
// write is already pending.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.pending = true
	if d.timer == nil {
		d.timer = d.newTimer(d.window, d.fire)
		return
	}
	d.timer.Reset(d.window)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()

	d.fn()
}

// Flush runs a pending write immediately, if any.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()

	d.fn()
}

// Stop cancels any pending write and ignores further triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
}
