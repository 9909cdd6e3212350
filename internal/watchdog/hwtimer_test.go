package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timerClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTimerClock() *timerClock {
	return &timerClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *timerClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *timerClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTimerStaysArmedWhileReset(t *testing.T) {
	clock := newTimerClock()
	fired := 0
	timer := NewHardwareTimer(time.Second, clock.Now, func() { fired++ })

	for i := 0; i < 5; i++ {
		clock.Advance(500 * time.Millisecond)
		require.NoError(t, timer.Reset())
	}
	assert.False(t, timer.Expired())
	assert.Zero(t, fired)
}

func TestTimerFiresAutonomously(t *testing.T) {
	// heartbeat 500ms / timeout 1000ms: two missed beats put the timer
	// past its deadline whatever the software believes.
	clock := newTimerClock()
	fired := 0
	timer := NewHardwareTimer(time.Second, clock.Now, func() { fired++ })

	clock.Advance(1001 * time.Millisecond)
	timer.Tick()
	assert.True(t, timer.Expired())
	assert.Equal(t, 1, fired, "the shutdown side effect fires exactly once")

	timer.Tick()
	assert.Equal(t, 1, fired)
}

func TestExpiryLatches(t *testing.T) {
	clock := newTimerClock()
	timer := NewHardwareTimer(time.Second, clock.Now, nil)

	clock.Advance(2 * time.Second)
	require.ErrorIs(t, timer.Reset(), ErrTimerExpired,
		"a late reset finds the timer already expired")

	// No software path out: every further reset is refused.
	require.ErrorIs(t, timer.Reset(), ErrTimerExpired)
	assert.True(t, timer.Expired())

	// Only a new instance, the power cycle, re-arms.
	fresh := NewHardwareTimer(time.Second, clock.Now, nil)
	require.NoError(t, fresh.Reset())
}
