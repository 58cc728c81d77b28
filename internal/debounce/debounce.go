// Package debounce provides a single-slot cancellable delayed task.
// Re-arming cancels and replaces the pending task; a superseded task can
// never fire.
package debounce

import (
	"sync"
	"time"
)

// Timer holds at most one pending delayed task. The zero value is ready
// to use. Safe for concurrent use.
type Timer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// Arm schedules fn to run after d, cancelling any pending task first.
// The generation counter guards against a previous timer whose callback
// has already been dispatched but not yet run: such a callback observes a
// stale generation and does nothing.
func (t *Timer) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		fn()
	})
}

// Cancel stops the pending task, if any, and reports whether one was
// pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer = nil
	t.gen++
	return true
}

// Pending reports whether a task is currently scheduled.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
