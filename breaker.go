package scriptbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// scriptHealth tracks consecutive failures for one script. blockedUntil is
// zero while the script is healthy.
type scriptHealth struct {
	failures     int
	blockedUntil time.Time
}

// errorTracker is a per-script circuit breaker. Timeouts are deliberately
// not counted: a timed-out script may be load-dependent, while a script
// that keeps throwing is broken and gets blacklisted for a fixed window.
//
// All check-then-act sequences run under one mutex so a concurrent failure
// cannot slip between the blacklist check and the counter update.
type errorTracker struct {
	mu        sync.Mutex
	maxErrors int
	window    time.Duration
	entries   map[uuid.UUID]*scriptHealth
	now       func() time.Time

	stop chan struct{}
	done chan struct{}
}

func newErrorTracker(maxErrors int, window time.Duration) *errorTracker {
	return &errorTracker{
		maxErrors: maxErrors,
		window:    window,
		entries:   make(map[uuid.UUID]*scriptHealth),
		now:       time.Now,
	}
}

// check reports whether the script is currently blacklisted and, if so, how
// long until it becomes eligible again. Expiry is lazy: a lapsed entry is
// removed here, so the script starts over with a clean failure count.
func (t *errorTracker) check(id uuid.UUID) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[id]
	if !ok || h.blockedUntil.IsZero() {
		return 0, false
	}
	now := t.now()
	if now.Before(h.blockedUntil) {
		return h.blockedUntil.Sub(now), true
	}
	delete(t.entries, id)
	return 0, false
}

// fail records a non-timeout execution failure and reports whether this one
// tripped the breaker. Reaching maxErrors consecutive failures blacklists
// the script for the configured window and restarts the count.
func (t *errorTracker) fail(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[id]
	if !ok {
		h = &scriptHealth{}
		t.entries[id] = h
	}
	h.failures++
	if h.failures >= t.maxErrors {
		h.blockedUntil = t.now().Add(t.window)
		h.failures = 0
		return true
	}
	return false
}

// success resets the consecutive failure count for the script.
func (t *errorTracker) success(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// forget drops all tracking state for a released script.
func (t *errorTracker) forget(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// startSweeper periodically drops entries whose blacklist window has lapsed
// so released or idle scripts do not accumulate in the map. Lazy expiry in
// check remains the source of truth; the sweeper only reclaims memory.
func (t *errorTracker) startSweeper(interval time.Duration) {
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep()
			case <-t.stop:
				return
			}
		}
	}()
}

func (t *errorTracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for id, h := range t.entries {
		if !h.blockedUntil.IsZero() && now.After(h.blockedUntil) {
			delete(t.entries, id)
		}
	}
}

// haltSweeper stops the sweeper goroutine and waits for it to exit. Safe to
// call when the sweeper was never started.
func (t *errorTracker) haltSweeper() {
	if t.stop == nil {
		return
	}
	close(t.stop)
	<-t.done
	t.stop = nil
}
