package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/photomed/lasercore/internal/event"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeResetter scripts WDT_RESET outcomes.
type fakeResetter struct {
	mu     sync.Mutex
	errs   []error // consumed in order; nil past the end
	resets int
}

func (f *fakeResetter) WDTReset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

// fakeReporter records watchdog status reports.
type fakeReporter struct {
	mu      sync.Mutex
	reports []bool
}

func (f *fakeReporter) SetWatchdog(ok bool) {
	f.mu.Lock()
	f.reports = append(f.reports, ok)
	f.mu.Unlock()
}

func (f *fakeReporter) last() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reports) == 0 {
		return false, false
	}
	return f.reports[len(f.reports)-1], true
}

type eventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *eventRecorder) Emit(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) countType(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func TestNewRejectsBadTiming(t *testing.T) {
	_, err := New(Config{Heartbeat: time.Second, Timeout: time.Second}, &fakeResetter{}, &fakeReporter{}, nil)
	require.Error(t, err, "heartbeat equal to the hardware timeout is fatal")

	_, err = New(Config{Heartbeat: 2 * time.Second, Timeout: time.Second}, &fakeResetter{}, &fakeReporter{}, nil)
	require.Error(t, err)

	_, err = New(Config{Heartbeat: 500 * time.Millisecond, Timeout: time.Second}, &fakeResetter{}, &fakeReporter{}, nil)
	require.NoError(t, err)
}

func TestBeatSuccessReportsHealthy(t *testing.T) {
	fw := &fakeResetter{}
	rep := &fakeReporter{}
	m, err := New(Config{Heartbeat: 500 * time.Millisecond, Timeout: time.Second}, fw, rep, nil)
	require.NoError(t, err)

	m.Beat(context.Background())
	last := m.Last()
	assert.True(t, last.Acknowledged)
	assert.False(t, last.EmittedAt.IsZero())
	ok, reported := rep.last()
	require.True(t, reported)
	assert.True(t, ok)
}

func TestConsecutiveMissesDriveWatchdogFalse(t *testing.T) {
	fw := &fakeResetter{errs: []error{errors.New("no ack"), errors.New("no ack")}}
	rep := &fakeReporter{}
	sink := &eventRecorder{}
	m, err := New(Config{Heartbeat: 500 * time.Millisecond, Timeout: time.Second, MissThreshold: 2}, fw, rep, sink)
	require.NoError(t, err)

	m.Beat(context.Background())
	ok, reported := rep.last()
	assert.False(t, reported && !ok, "one miss below threshold does not report unhealthy")

	m.Beat(context.Background())
	ok, reported = rep.last()
	require.True(t, reported)
	assert.False(t, ok, "second consecutive miss reaches the threshold")
	assert.Equal(t, 1, sink.countType(event.TypeWatchdogMiss))
	assert.False(t, m.Last().Acknowledged)
}

func TestMissCountResetsOnSuccess(t *testing.T) {
	fw := &fakeResetter{errs: []error{errors.New("no ack"), nil, errors.New("no ack")}}
	rep := &fakeReporter{}
	m, err := New(Config{Heartbeat: 500 * time.Millisecond, Timeout: time.Second, MissThreshold: 2}, fw, rep, nil)
	require.NoError(t, err)

	m.Beat(context.Background()) // miss 1
	m.Beat(context.Background()) // success, count resets
	m.Beat(context.Background()) // miss 1 again, still below threshold

	for _, r := range rep.reports {
		if !r {
			t.Fatal("threshold never reached, watchdog must stay healthy")
		}
	}
}

func TestRunBeatsImmediately(t *testing.T) {
	fw := &fakeResetter{}
	rep := &fakeReporter{}
	m, err := New(Config{Heartbeat: time.Hour, Timeout: 2 * time.Hour}, fw, rep, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		fw.mu.Lock()
		defer fw.mu.Unlock()
		return fw.resets == 1
	}, time.Second, time.Millisecond, "the first beat precedes the first tick")
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
