package scriptbox

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestTracker returns a tracker on a manual clock. Advancing the returned
// pointer moves time for every check.
func newTestTracker(maxErrors int, window time.Duration) (*errorTracker, *time.Time) {
	tr := newErrorTracker(maxErrors, window)
	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestTrackerTripsAtMaxErrors(t *testing.T) {
	tr, _ := newTestTracker(3, time.Minute)
	id := uuid.New()

	if tr.fail(id) {
		t.Error("first failure should not trip")
	}
	if tr.fail(id) {
		t.Error("second failure should not trip")
	}
	if !tr.fail(id) {
		t.Error("third failure should trip")
	}

	wait, blocked := tr.check(id)
	if !blocked {
		t.Fatal("script should be blacklisted")
	}
	if wait <= 0 || wait > time.Minute {
		t.Errorf("wait = %s, want within the window", wait)
	}
}

func TestTrackerWindowExpires(t *testing.T) {
	tr, now := newTestTracker(2, time.Minute)
	id := uuid.New()

	tr.fail(id)
	tr.fail(id)
	if _, blocked := tr.check(id); !blocked {
		t.Fatal("script should be blacklisted")
	}

	*now = now.Add(time.Minute + time.Second)
	if _, blocked := tr.check(id); blocked {
		t.Fatal("blacklist should have lapsed")
	}

	// Expiry wiped the entry, so the failure count starts over.
	if tr.fail(id) {
		t.Error("first failure after expiry should not trip")
	}
}

func TestTrackerSuccessResets(t *testing.T) {
	tr, _ := newTestTracker(3, time.Minute)
	id := uuid.New()

	tr.fail(id)
	tr.fail(id)
	tr.success(id)
	tr.fail(id)
	tr.fail(id)
	if _, blocked := tr.check(id); blocked {
		t.Fatal("success should have reset the count")
	}
	if !tr.fail(id) {
		t.Error("third consecutive failure should trip")
	}
}

func TestTrackerRemainingWaitShrinks(t *testing.T) {
	tr, now := newTestTracker(1, time.Minute)
	id := uuid.New()

	tr.fail(id)
	first, blocked := tr.check(id)
	if !blocked {
		t.Fatal("script should be blacklisted")
	}

	*now = now.Add(40 * time.Second)
	second, blocked := tr.check(id)
	if !blocked {
		t.Fatal("still inside the window")
	}
	if second >= first {
		t.Errorf("wait did not shrink: %s then %s", first, second)
	}
}

func TestTrackerForget(t *testing.T) {
	tr, _ := newTestTracker(1, time.Minute)
	id := uuid.New()

	tr.fail(id)
	tr.forget(id)
	if _, blocked := tr.check(id); blocked {
		t.Error("forget should clear the blacklist")
	}
}

func TestTrackerSweepDropsOnlyLapsedEntries(t *testing.T) {
	tr, now := newTestTracker(1, time.Minute)
	lapsed := uuid.New()
	active := uuid.New()
	counting := uuid.New()

	tr.fail(lapsed)
	*now = now.Add(30 * time.Second)
	tr.fail(active)

	// A plain failure count with no blacklist window must survive sweeps.
	tr.mu.Lock()
	tr.entries[counting] = &scriptHealth{failures: 1}
	tr.mu.Unlock()

	*now = now.Add(45 * time.Second) // lapsed is past its window, active is not
	tr.sweep()

	tr.mu.Lock()
	_, hasLapsed := tr.entries[lapsed]
	_, hasActive := tr.entries[active]
	_, hasCounting := tr.entries[counting]
	tr.mu.Unlock()

	if hasLapsed {
		t.Error("lapsed entry should be swept")
	}
	if !hasActive {
		t.Error("active entry should survive")
	}
	if !hasCounting {
		t.Error("failure-count entry should survive")
	}
}

func TestTrackerSweeperLifecycle(t *testing.T) {
	tr := newErrorTracker(3, time.Minute)
	tr.haltSweeper() // never started, must not panic
	tr.startSweeper(10 * time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	tr.haltSweeper()
	tr.haltSweeper()
}
