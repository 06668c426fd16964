package storage

import (
	"testing"
	"time"
)

type fakeTimer struct {
	fn      func()
	resets  int
	stopped bool
}

func (t *fakeTimer) Reset(time.Duration) bool { t.resets++; return true }
func (t *fakeTimer) Stop() bool               { t.stopped = true; return true }

func newFakeDebouncer(fired *int) (*Debouncer, *fakeTimer) {
	timer := &fakeTimer{}
	d := NewDebouncerWithTimer(time.Second, func() { *fired++ }, func(_ time.Duration, fn func()) Timer {
		timer.fn = fn
		return timer
	})
	return d, timer
}

func TestDebouncerCoalescesBurst(t *testing.T) {
	var fired int
	d, timer := newFakeDebouncer(&fired)

	for i := 0; i < 10; i++ {
		d.Trigger()
	}
	if fired != 0 {
		t.Fatalf("fn ran before the window elapsed: %d", fired)
	}
	if timer.resets != 9 {
		t.Errorf("expected 9 resets for 10 triggers, got %d", timer.resets)
	}

	timer.fn()
	if fired != 1 {
		t.Fatalf("expected exactly one invocation, got %d", fired)
	}

	// A stale fire after the pending flag cleared must not run fn again.
	timer.fn()
	if fired != 1 {
		t.Fatalf("fire without a pending trigger ran fn: %d", fired)
	}
}

func TestDebouncerFlushRunsPendingImmediately(t *testing.T) {
	var fired int
	d, timer := newFakeDebouncer(&fired)

	d.Flush()
	if fired != 0 {
		t.Fatal("flush without a pending trigger must be a no-op")
	}

	d.Trigger()
	d.Flush()
	if fired != 1 {
		t.Fatalf("expected one invocation after flush, got %d", fired)
	}
	if !timer.stopped {
		t.Error("flush should cancel the armed timer")
	}

	// The flushed write is consumed; a later fire is stale.
	timer.fn()
	if fired != 1 {
		t.Fatalf("stale fire after flush ran fn: %d", fired)
	}
}

func TestDebouncerStopDiscardsPending(t *testing.T) {
	var fired int
	d, timer := newFakeDebouncer(&fired)

	d.Trigger()
	d.Stop()

	timer.fn()
	d.Trigger()
	d.Flush()
	if fired != 0 {
		t.Fatalf("stopped debouncer ran fn %d times", fired)
	}
}

func TestDebouncerRealTimer(t *testing.T) {
	done := make(chan struct{})
	d := NewDebouncer(10*time.Millisecond, func() { close(done) })
	defer d.Stop()

	d.Trigger()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("debounced fn never ran")
	}
}
