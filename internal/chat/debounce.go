package chat

import (
	"sync"
	"time"
)

// Debouncer coalesces rapid repeats of the same action. Each key holds at
// most one pending action; scheduling again within the window replaces the
// action and restarts the timer (last writer wins). Cancel stops everything
// still pending, so no writes land after the owning connection closed.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingAction
	closed  bool
}

type pendingAction struct {
	timer  *time.Timer
	action func()
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*pendingAction),
	}
}

// Do schedules action to run once the key has been quiet for the window.
func (d *Debouncer) Do(key string, action func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if p, ok := d.pending[key]; ok {
		p.action = action
		p.timer.Reset(d.delay)
		return
	}
	p := &pendingAction{action: action}
	p.timer = time.AfterFunc(d.delay, func() { d.fire(key) })
	d.pending[key] = p
}

func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		p.action()
	}
}

// Cancel drops every pending action. The debouncer is unusable afterwards.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Pending reports how many actions are waiting, for tests and stats.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
