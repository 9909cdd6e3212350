package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePerm is a controllable permission source.
type fakePerm struct {
	mu      sync.Mutex
	allowed bool
	subs    []chan struct{}
}

func newFakePerm(allowed bool) *fakePerm { return &fakePerm{allowed: allowed} }

func (p *fakePerm) Permission() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowed
}

func (p *fakePerm) SubscribePermission() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch, func() {}
}

func (p *fakePerm) set(allowed bool) {
	p.mu.Lock()
	p.allowed = allowed
	subs := p.subs
	p.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// fakeStage records moves and fails on demand. entered, when set, gets a
// token as each move begins.
type fakeStage struct {
	mu      sync.Mutex
	moves   []float64
	fail    error
	delay   time.Duration
	entered chan struct{}
}

func (s *fakeStage) Move(ctx context.Context, targetMM, speedMMS float64) error {
	s.mu.Lock()
	fail, delay := s.fail, s.delay
	entered := s.entered
	s.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}
	s.mu.Lock()
	s.moves = append(s.moves, targetMM)
	s.mu.Unlock()
	return nil
}

func (s *fakeStage) moveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.moves)
}

// fakeLaser records power commands.
type fakeLaser struct {
	mu     sync.Mutex
	powers []float64
	fail   error
}

func (l *fakeLaser) SetPower(ctx context.Context, mw float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.powers = append(l.powers, mw)
	return nil
}

func (l *fakeLaser) recorded() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]float64, len(l.powers))
	copy(out, l.powers)
	return out
}

func fastConfig() Config {
	return Config{
		ActionTimeout: time.Second,
		MaxRetries:    3,
		RetryDelay:    20 * time.Millisecond,
		RampStep:      5 * time.Millisecond,
	}
}

func logKinds(s Snapshot) []string {
	out := make([]string, 0, len(s.Log))
	for _, e := range s.Log {
		out = append(out, e.Kind)
	}
	return out
}

func TestExecuteRunsActionsInOrder(t *testing.T) {
	stage := &fakeStage{}
	laser := &fakeLaser{}
	var params []string
	setParam := func(ctx context.Context, k, v string) error {
		params = append(params, k+"="+v)
		return nil
	}
	e := New(fastConfig(), stage, laser, newFakePerm(true), setParam, nil)

	snap, err := e.Execute(context.Background(), Plan{
		Name: "smoke",
		Actions: []Action{
			Move{TargetMM: 1.5, SpeedMMS: 2},
			Wait{Duration: 5 * time.Millisecond},
			SetParameter{Key: "tec_setpoint_c", Value: "18.5"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, snap.Status)
	assert.Equal(t, []float64{1.5}, stage.moves)
	assert.Equal(t, []string{"tec_setpoint_c=18.5"}, params)

	kinds := logKinds(snap)
	assert.Equal(t, "plan_started", kinds[0])
	assert.Equal(t, "plan_succeeded", kinds[len(kinds)-1])
	assert.NotEmpty(t, snap.RunID)
	assert.False(t, snap.FinishedAt.IsZero())
}

func TestSingleFlight(t *testing.T) {
	e := New(fastConfig(), &fakeStage{}, &fakeLaser{}, newFakePerm(true), nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), Plan{
			Name:    "long",
			Actions: []Action{Wait{Duration: time.Second}},
		})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		s, ok := e.State()
		return ok && s.Status == StatusRunning
	}, time.Second, time.Millisecond)

	_, err := e.Execute(context.Background(), Plan{Name: "second"})
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, e.Stop())
	require.ErrorIs(t, <-errCh, ErrStopped)
	s, ok := e.State()
	require.True(t, ok)
	assert.Equal(t, StatusAborted, s.Status)

	// A finished engine accepts the next plan.
	snap, err := e.Execute(context.Background(), Plan{Name: "third"})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, snap.Status)
}

func TestRetryBudgetAndDelay(t *testing.T) {
	stage := &fakeStage{fail: errors.New("stage jammed")}
	cfg := fastConfig()
	e := New(cfg, stage, &fakeLaser{}, newFakePerm(true), nil, nil)

	start := time.Now()
	snap, err := e.Execute(context.Background(), Plan{
		Name:        "jam",
		StopOnError: true,
		Actions:     []Action{Move{TargetMM: 1}},
	})
	elapsed := time.Since(start)

	var ae *ActionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, cfg.MaxRetries, ae.Attempts)
	assert.Equal(t, StatusFailed, snap.Status)

	var failures, retries int
	for _, entry := range snap.Log {
		switch entry.Kind {
		case "action_failed":
			failures++
		case "action_retry":
			retries++
		}
	}
	assert.Equal(t, cfg.MaxRetries, failures)
	assert.Equal(t, cfg.MaxRetries-1, retries)
	assert.GreaterOrEqual(t, elapsed, time.Duration(cfg.MaxRetries-1)*cfg.RetryDelay)
}

func TestActionTimeout(t *testing.T) {
	stage := &fakeStage{delay: time.Second}
	cfg := fastConfig()
	cfg.ActionTimeout = 10 * time.Millisecond
	cfg.MaxRetries = 1
	e := New(cfg, stage, &fakeLaser{}, newFakePerm(true), nil, nil)

	snap, err := e.Execute(context.Background(), Plan{
		Name:        "slow",
		StopOnError: true,
		Actions:     []Action{Move{TargetMM: 1}},
	})
	var ae *ActionError
	require.ErrorAs(t, err, &ae)
	require.ErrorIs(t, ae, context.DeadlineExceeded)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, ae.Error(), "timeout")
}

func TestStopOnErrorFalseSkipsNonCritical(t *testing.T) {
	stage := &fakeStage{fail: errors.New("stage jammed")}
	laser := &fakeLaser{}
	cfg := fastConfig()
	cfg.MaxRetries = 1
	e := New(cfg, stage, laser, newFakePerm(true), nil, nil)

	snap, err := e.Execute(context.Background(), Plan{
		Name:        "tolerant",
		StopOnError: false,
		Actions: []Action{
			Move{TargetMM: 1},
			RampLaserPower{FromMW: 0, ToMW: 50, Duration: 10 * time.Millisecond},
		},
	})
	require.NoError(t, err, "non-critical failure is skipped, plan continues")
	assert.Equal(t, StatusSucceeded, snap.Status)
	assert.Contains(t, logKinds(snap), "action_skipped")
	assert.NotEmpty(t, laser.recorded(), "the ramp after the skipped move still ran")
}

func TestRampFailureAlwaysAbortsPlan(t *testing.T) {
	laser := &fakeLaser{fail: errors.New("driver fault")}
	cfg := fastConfig()
	cfg.MaxRetries = 1
	e := New(cfg, &fakeStage{}, laser, newFakePerm(true), nil, nil)

	snap, err := e.Execute(context.Background(), Plan{
		Name:        "ramp",
		StopOnError: false, // must not matter for a critical action
		Actions: []Action{
			RampLaserPower{FromMW: 0, ToMW: 100, Duration: 10 * time.Millisecond},
			Move{TargetMM: 5},
		},
	})
	var ae *ActionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.NotContains(t, logKinds(snap), "action_skipped")
}

// permDropLaser flips the permission source false after a fixed number of
// power writes, from inside the write itself.
type permDropLaser struct {
	fakeLaser
	perm  *fakePerm
	after int
	n     int
}

func (l *permDropLaser) SetPower(ctx context.Context, mw float64) error {
	err := l.fakeLaser.SetPower(ctx, mw)
	l.n++
	if l.n == l.after {
		l.perm.set(false)
	}
	return err
}

func TestPermissionDropParksMidRamp(t *testing.T) {
	perm := newFakePerm(true)
	laser := &permDropLaser{perm: perm, after: 3}
	e := New(fastConfig(), &fakeStage{}, laser, perm, nil, nil)

	done := make(chan struct{})
	var snap Snapshot
	var execErr error
	go func() {
		defer close(done)
		snap, execErr = e.Execute(context.Background(), Plan{
			Name: "ramp",
			Actions: []Action{
				RampLaserPower{FromMW: 0, ToMW: 100, Duration: 100 * time.Millisecond},
			},
		})
	}()

	require.Eventually(t, func() bool {
		s, ok := e.State()
		return ok && s.Status == StatusPaused
	}, time.Second, 2*time.Millisecond, "ramp must park at the step boundary after the drop")

	powers := laser.recorded()
	require.NotEmpty(t, powers)
	assert.Equal(t, 0.0, powers[len(powers)-1], "setpoint returned to zero while parked")
	writesAtPark := len(powers)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, laser.recorded(), writesAtPark, "no power commands while parked")

	perm.set(true)
	require.NoError(t, e.Resume())
	<-done
	require.NoError(t, execErr)
	assert.Equal(t, StatusSucceeded, snap.Status)
	final := laser.recorded()
	assert.Equal(t, 0.0, final[writesAtPark], "resumed ramp restarts from the bottom")
	assert.Equal(t, 100.0, final[len(final)-1])
}

func TestPauseParksMidRamp(t *testing.T) {
	laser := &fakeLaser{}
	e := New(fastConfig(), &fakeStage{}, laser, newFakePerm(true), nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Execute(context.Background(), Plan{
			Name: "ramp",
			Actions: []Action{
				RampLaserPower{FromMW: 0, ToMW: 100, Duration: 100 * time.Millisecond},
			},
		})
	}()

	require.Eventually(t, func() bool {
		s, ok := e.State()
		return ok && s.Status == StatusRunning && len(laser.recorded()) > 0
	}, time.Second, 2*time.Millisecond)
	require.NoError(t, e.Pause())

	require.Eventually(t, func() bool {
		s, ok := e.State()
		return ok && s.Status == StatusPaused
	}, time.Second, 2*time.Millisecond, "pause must take effect between ramp steps")

	require.NoError(t, e.Stop())
	<-done
}

// faultAboveLaser rejects setpoints above a threshold but still accepts
// the zeroing write, so the abort path is observable.
type faultAboveLaser struct {
	fakeLaser
	limit float64
}

func (l *faultAboveLaser) SetPower(ctx context.Context, mw float64) error {
	if mw > l.limit {
		return errors.New("driver fault")
	}
	return l.fakeLaser.SetPower(ctx, mw)
}

func TestRampAbortZeroesPower(t *testing.T) {
	laser := &faultAboveLaser{limit: 40}
	cfg := fastConfig()
	cfg.MaxRetries = 1
	e := New(cfg, &fakeStage{}, laser, newFakePerm(true), nil, nil)

	snap, _ := e.Execute(context.Background(), Plan{
		Name: "ramp",
		Actions: []Action{
			RampLaserPower{FromMW: 0, ToMW: 100, Duration: 10 * time.Millisecond},
		},
	})
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, logKinds(snap), "power_zeroed")
	powers := laser.recorded()
	require.NotEmpty(t, powers)
	assert.Equal(t, 0.0, powers[len(powers)-1], "final write returns the setpoint to zero")
}

func TestWaitFailurePolicy(t *testing.T) {
	// A wait longer than the action timeout is the one way a wait fails.
	cfg := fastConfig()
	cfg.ActionTimeout = 10 * time.Millisecond
	cfg.MaxRetries = 1
	plan := func(stopOnError bool) Plan {
		return Plan{
			Name:        "waits",
			StopOnError: stopOnError,
			Actions: []Action{
				Wait{Duration: time.Second},
				Move{TargetMM: 1},
			},
		}
	}

	t.Run("stop_on_error aborts", func(t *testing.T) {
		stage := &fakeStage{}
		e := New(cfg, stage, &fakeLaser{}, newFakePerm(true), nil, nil)
		snap, err := e.Execute(context.Background(), plan(true))
		require.Error(t, err)
		assert.Equal(t, StatusFailed, snap.Status)
		assert.Zero(t, stage.moveCount())
	})

	t.Run("tolerant plan proceeds", func(t *testing.T) {
		stage := &fakeStage{}
		e := New(cfg, stage, &fakeLaser{}, newFakePerm(true), nil, nil)
		snap, err := e.Execute(context.Background(), plan(false))
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, snap.Status)
		assert.Equal(t, 1, stage.moveCount())
	})
}

func TestRampIssuesMonotonicSteps(t *testing.T) {
	laser := &fakeLaser{}
	cfg := fastConfig()
	e := New(cfg, &fakeStage{}, laser, newFakePerm(true), nil, nil)

	snap, err := e.Execute(context.Background(), Plan{
		Name: "ramp-up",
		Actions: []Action{
			RampLaserPower{FromMW: 10, ToMW: 60, Duration: 25 * time.Millisecond},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, snap.Status)

	powers := laser.recorded()
	require.GreaterOrEqual(t, len(powers), 2)
	assert.Equal(t, 10.0, powers[0])
	assert.Equal(t, 60.0, powers[len(powers)-1])
	for i := 1; i < len(powers); i++ {
		assert.GreaterOrEqual(t, powers[i], powers[i-1])
	}
}

func TestPermissionDropPausesBeforeNextAction(t *testing.T) {
	perm := newFakePerm(true)
	stage := &fakeStage{}
	e := New(fastConfig(), stage, &fakeLaser{}, perm, nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), Plan{
			Name: "interrupted",
			Actions: []Action{
				Wait{Duration: 30 * time.Millisecond},
				Move{TargetMM: 7},
			},
		})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		s, ok := e.State()
		return ok && s.Status == StatusRunning
	}, time.Second, time.Millisecond)

	perm.set(false)
	require.Eventually(t, func() bool {
		s, _ := e.State()
		return s.Status == StatusPaused
	}, time.Second, time.Millisecond)
	assert.Zero(t, stage.moveCount(), "no new hardware command after permission drop")

	// Resume without permission is refused.
	require.ErrorIs(t, e.Resume(), ErrNoPermission)

	perm.set(true)
	require.NoError(t, e.Resume())
	require.NoError(t, <-errCh)
	s, _ := e.State()
	assert.Equal(t, StatusSucceeded, s.Status)
	assert.Equal(t, 1, stage.moveCount())
}

func TestPauseNeverInterruptsInFlightCommand(t *testing.T) {
	stage := &fakeStage{delay: 50 * time.Millisecond, entered: make(chan struct{}, 1)}
	e := New(fastConfig(), stage, &fakeLaser{}, newFakePerm(true), nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), Plan{
			Name: "paused-mid-move",
			Actions: []Action{
				Move{TargetMM: 1},
				Move{TargetMM: 2},
			},
		})
		errCh <- err
	}()

	// Pause only once the first move is in flight.
	select {
	case <-stage.entered:
	case <-time.After(time.Second):
		t.Fatal("move never started")
	}
	require.NoError(t, e.Pause())

	require.Eventually(t, func() bool {
		s, _ := e.State()
		return s.Status == StatusPaused
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, stage.moveCount(), "in-flight move completed before pausing")

	require.NoError(t, e.Resume())
	require.NoError(t, <-errCh)
	assert.Equal(t, 2, stage.moveCount())
}

func TestStopWakesPausedRun(t *testing.T) {
	perm := newFakePerm(true)
	e := New(fastConfig(), &fakeStage{}, &fakeLaser{}, perm, nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), Plan{
			Name: "pause-then-stop",
			Actions: []Action{
				Wait{Duration: 20 * time.Millisecond},
				Move{TargetMM: 1},
			},
		})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		s, ok := e.State()
		return ok && s.Status == StatusRunning
	}, time.Second, time.Millisecond)
	require.NoError(t, e.Pause())
	require.Eventually(t, func() bool {
		s, _ := e.State()
		return s.Status == StatusPaused
	}, time.Second, time.Millisecond)

	require.NoError(t, e.Stop())
	require.ErrorIs(t, <-errCh, ErrStopped)
	s, _ := e.State()
	assert.Equal(t, StatusAborted, s.Status)
}

func TestControlCallsWithoutRun(t *testing.T) {
	e := New(fastConfig(), &fakeStage{}, &fakeLaser{}, newFakePerm(true), nil, nil)
	require.ErrorIs(t, e.Pause(), ErrNotRunning)
	require.ErrorIs(t, e.Resume(), ErrNotRunning)
	require.ErrorIs(t, e.Stop(), ErrNotRunning)
	_, ok := e.State()
	assert.False(t, ok)
}
