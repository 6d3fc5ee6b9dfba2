package discovery

import (
	"sync"
	"time"
)

// throttle runs fn at most once per interval, on both the leading and the
// trailing edge. A burst of triggers fires once immediately and once more
// when the window closes.
type throttle struct {
	interval time.Duration
	fn       func()

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool
}

func newThrottle(interval time.Duration, fn func()) *throttle {
	return &throttle{interval: interval, fn: fn}
}

// Trigger requests a run.
func (t *throttle) Trigger() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.timer != nil {
		t.pending = true
		t.mu.Unlock()
		return
	}
	t.timer = time.AfterFunc(t.interval, t.windowClosed)
	t.mu.Unlock()

	t.fn()
}

func (t *throttle) windowClosed() {
	t.mu.Lock()
	if t.stopped || !t.pending {
		t.timer = nil
		t.mu.Unlock()
		return
	}
	t.pending = false
	t.timer = time.AfterFunc(t.interval, t.windowClosed)
	t.mu.Unlock()

	t.fn()
}

// Stop cancels any trailing run. Triggers after Stop are ignored.
func (t *throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Resume re-enables a stopped throttle.
func (t *throttle) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = false
}
