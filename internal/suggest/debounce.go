package suggest

import (
	"sync"
	"time"
)

// Debouncer coalesces rapid successive triggers into one action. Scheduling
// a new call resets the timer, discarding the pending one.
type Debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
}

// NewDebouncer creates a debouncer with the given default duration.
func NewDebouncer(duration time.Duration) *Debouncer {
	return &Debouncer{duration: duration}
}

// Debounce schedules fn after the default duration, replacing any pending
// call.
func (d *Debouncer) Debounce(fn func()) {
	d.DebounceAfter(d.duration, fn)
}

// DebounceAfter schedules fn after an explicit duration, replacing any
// pending call. Used to shorten the window for meaningful changes.
func (d *Debouncer) DebounceAfter(duration time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(duration, fn)
}

// Cancel discards any pending call.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
