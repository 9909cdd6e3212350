package watchdog

import (
	"errors"
	"sync"
	"time"
)

// ErrTimerExpired reports a reset attempt against an already-expired
// timer. The hardware requires a physical power cycle at this point;
// software has no path to resume.
var ErrTimerExpired = errors.New("watchdog: hardware timer expired, power cycle required")

// HardwareTimer models the microcontroller-resident watchdog timer for
// tests and the bench simulator. Real deployments never instantiate it;
// the autonomous shutdown lives in firmware.
//
// Expiry latches: once fired, resets are refused and onExpire never fires
// again. A new instance represents a power cycle.
type HardwareTimer struct {
	timeout  time.Duration
	clock    func() time.Time
	onExpire func() // autonomous laser-off and motor-off

	mu        sync.Mutex
	lastReset time.Time
	expired   bool
}

// NewHardwareTimer arms the timer at the current clock.
func NewHardwareTimer(timeout time.Duration, clock func() time.Time, onExpire func()) *HardwareTimer {
	if clock == nil {
		clock = time.Now
	}
	return &HardwareTimer{
		timeout:   timeout,
		clock:     clock,
		onExpire:  onExpire,
		lastReset: clock(),
	}
}

// Reset re-arms the timer, as the firmware does on WDT_RESET.
func (t *HardwareTimer) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expired {
		return ErrTimerExpired
	}
	if t.evaluateLocked() {
		return ErrTimerExpired
	}
	t.lastReset = t.clock()
	return nil
}

// Tick evaluates expiry at the current clock. The bench simulator calls
// it from a loop; tests call it after advancing a fake clock.
func (t *HardwareTimer) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evaluateLocked()
}

// Expired reports whether the timer has latched.
func (t *HardwareTimer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evaluateLocked()
}

// evaluateLocked fires onExpire exactly once when the deadline has passed.
func (t *HardwareTimer) evaluateLocked() bool {
	if t.expired {
		return true
	}
	if t.clock().Sub(t.lastReset) > t.timeout {
		t.expired = true
		if t.onExpire != nil {
			t.onExpire()
		}
	}
	return t.expired
}
