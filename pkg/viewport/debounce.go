package viewport

import "time"

// Priority orders debounced requests
type Priority int

const (
	PriorityNormal Priority = iota
	// PriorityHigh replaces any pending request and blocks normal ones
	// until it fires
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// Debouncer is a cancellable timer with one pending slot.
// It is not safe for concurrent use: Schedule, Cancel and the scheduled
// functions all run on the goroutine that owns it. Timer expiry is handed
// back to that goroutine through post.
type Debouncer struct {
	post func(func())

	timer    *time.Timer
	seq      uint64
	pending  bool
	priority Priority
}

// NewDebouncer creates a debouncer that delivers expiries through post
func NewDebouncer(post func(func())) *Debouncer {
	return &Debouncer{post: post}
}

// Schedule runs fn after delay unless it is replaced or cancelled first.
// A normal request is dropped while a high-priority one is pending; the
// return value reports whether fn was scheduled.
func (d *Debouncer) Schedule(delay time.Duration, p Priority, fn func()) bool {
	if d.pending && p < d.priority {
		return false
	}

	d.stop()
	d.seq++
	seq := d.seq
	d.pending = true
	d.priority = p

	d.timer = time.AfterFunc(delay, func() {
		d.post(func() {
			// a stale expiry can arrive after Cancel or a reschedule
			if !d.pending || d.seq != seq {
				return
			}
			d.pending = false
			fn()
		})
	})
	return true
}

// Cancel drops the pending request, if any
func (d *Debouncer) Cancel() {
	d.stop()
	d.seq++
	d.pending = false
}

// Pending reports whether a request is waiting to fire
func (d *Debouncer) Pending() bool {
	return d.pending
}

// PendingPriority returns the priority of the waiting request
func (d *Debouncer) PendingPriority() (Priority, bool) {
	return d.priority, d.pending
}

func (d *Debouncer) stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
