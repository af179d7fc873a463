package cheburnet

import (
	"sync"
	"time"
)

// debouncer runs fn once per quiet window. Triggers while a window is
// pending are absorbed; triggers while fn runs schedule exactly one
// follow-up window.
type debouncer struct {
	mu       sync.Mutex
	wait     time.Duration
	fn       func()
	timer    *time.Timer
	inFlight bool
	again    bool
	stopped  bool
}

func newDebouncer(wait time.Duration, fn func()) *debouncer {
	return &debouncer{wait: wait, fn: fn}
}

func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.inFlight {
		d.again = true
		return
	}
	if d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(d.wait, d.fire)
}

func (d *debouncer) fire() {
	d.mu.Lock()
	d.timer = nil
	if d.stopped || d.inFlight {
		d.mu.Unlock()
		return
	}
	d.inFlight = true
	d.mu.Unlock()

	d.fn()

	d.mu.Lock()
	d.inFlight = false
	if d.again && !d.stopped {
		d.again = false
		d.timer = time.AfterFunc(d.wait, d.fire)
	}
	d.mu.Unlock()
}

// Stop cancels any pending run.
func (d *debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
}
