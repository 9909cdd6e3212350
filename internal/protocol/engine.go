package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/photomed/lasercore/internal/event"
	"github.com/photomed/lasercore/internal/logging"
	"github.com/photomed/lasercore/internal/metrics"
)

var (
	// ErrBusy rejects starting a plan while one is running or paused.
	ErrBusy = errors.New("protocol: a plan is already active")
	// ErrNotRunning rejects control calls with no active run.
	ErrNotRunning = errors.New("protocol: no active run")
	// ErrNoPermission rejects resuming while laser-enable permission is
	// not held.
	ErrNoPermission = errors.New("protocol: laser-enable permission not held")
	// ErrStopped reports a run aborted by an explicit stop.
	ErrStopped = errors.New("protocol: run stopped")
)

// errRampParked signals a pause request or permission drop observed between
// ramp sub-commands. The attempt is not charged against the retry budget;
// the run parks at the step boundary and the ramp reruns from FromMW.
var errRampParked = errors.New("protocol: ramp parked")

// ActionError reports an action that exhausted its retry budget.
type ActionError struct {
	Index    int
	Action   string
	Attempts int
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("protocol: action %d (%s) failed after %d attempts: %v",
		e.Index, e.Action, e.Attempts, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// stageDriver is the actuator surface the engine drives.
type stageDriver interface {
	Move(ctx context.Context, targetMM, speedMMS float64) error
}

// powerDriver is the laser output surface the engine ramps.
type powerDriver interface {
	SetPower(ctx context.Context, mw float64) error
}

// permissionSource is the safety surface the engine gates on.
type permissionSource interface {
	Permission() bool
	SubscribePermission() (<-chan struct{}, func())
}

// ParameterFunc applies one named parameter. The wiring layer supplies the
// key-to-device routing.
type ParameterFunc func(ctx context.Context, key, value string) error

// Config tunes execution. Zero values get defaults.
type Config struct {
	// ActionTimeout is the hard ceiling on one attempt of one action.
	ActionTimeout time.Duration
	// MaxRetries is the total attempt budget per action.
	MaxRetries int
	// RetryDelay separates consecutive attempts.
	RetryDelay time.Duration
	// RampStep is the interval between power sub-commands during a ramp.
	RampStep time.Duration
}

func (c Config) withDefaults() Config {
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.RampStep <= 0 {
		c.RampStep = 100 * time.Millisecond
	}
	return c
}

// control carries one run's stop and pause plumbing.
type control struct {
	stopOnce sync.Once
	stop     chan struct{}

	mu           sync.Mutex
	pausePending bool
	pauseReason  string
	resume       chan struct{} // non-nil while parked; closed by Resume
}

func (c *control) requestStop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *control) requestPause(reason string) {
	c.mu.Lock()
	if !c.pausePending {
		c.pausePending = true
		c.pauseReason = reason
	}
	c.mu.Unlock()
}

func (c *control) pauseRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pausePending
}

// Engine runs one plan at a time. Control methods are safe from any
// goroutine; Execute blocks the calling goroutine for the run's duration.
type Engine struct {
	cfg      Config
	stage    stageDriver
	laser    powerDriver
	perm     permissionSource
	setParam ParameterFunc
	sink     event.Sink
	log      zerolog.Logger
	clock    func() time.Time

	mu    sync.Mutex
	state *executionState
	ctrl  *control
}

// New creates an engine. setParam may be nil if the instrument exposes no
// settable parameters.
func New(cfg Config, stage stageDriver, laser powerDriver, perm permissionSource, setParam ParameterFunc, sink event.Sink) *Engine {
	if sink == nil {
		sink = event.Discard
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		stage:    stage,
		laser:    laser,
		perm:     perm,
		setParam: setParam,
		sink:     sink,
		log:      logging.WithComponent("protocol"),
		clock:    time.Now,
	}
}

// SetClock injects a clock for tests. Timestamps only; timers stay real.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// State returns the most recent run's snapshot.
func (e *Engine) State() (Snapshot, bool) {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()
	if st == nil {
		return Snapshot{}, false
	}
	return st.snapshot(), true
}

// Pause requests a pause. The in-flight hardware command is never
// interrupted; the run parks at the next checkpoint after it returns.
func (e *Engine) Pause() error {
	e.mu.Lock()
	c := e.ctrl
	st := e.state
	e.mu.Unlock()
	if c == nil || st == nil || isFinal(st.getStatus()) {
		return ErrNotRunning
	}
	c.requestPause("operator request")
	return nil
}

// Resume clears a pause. It requires the laser-enable permission to hold
// right now; a permission drop after Resume returns re-pauses the run at
// the next checkpoint.
func (e *Engine) Resume() error {
	e.mu.Lock()
	c := e.ctrl
	st := e.state
	e.mu.Unlock()
	if c == nil || st == nil || isFinal(st.getStatus()) {
		return ErrNotRunning
	}
	if !e.perm.Permission() {
		return ErrNoPermission
	}
	c.mu.Lock()
	c.pausePending = false
	if c.resume != nil {
		close(c.resume)
		c.resume = nil
	}
	c.mu.Unlock()
	return nil
}

// Stop aborts the run. It is honored before the next action begins,
// regardless of retry state, and wakes a paused run.
func (e *Engine) Stop() error {
	e.mu.Lock()
	c := e.ctrl
	st := e.state
	e.mu.Unlock()
	if c == nil || st == nil || isFinal(st.getStatus()) {
		return ErrNotRunning
	}
	c.requestStop()
	return nil
}

func isFinal(s Status) bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// Execute runs the plan to completion. Single-flight: a second call while
// a run is active fails fast with ErrBusy. The returned snapshot is the
// final execution state whatever the outcome.
func (e *Engine) Execute(ctx context.Context, plan Plan) (Snapshot, error) {
	e.mu.Lock()
	if e.state != nil && !isFinal(e.state.getStatus()) {
		e.mu.Unlock()
		return Snapshot{}, ErrBusy
	}
	st := &executionState{
		runID:     uuid.NewString(),
		plan:      plan.Name,
		status:    StatusRunning,
		startedAt: e.clock(),
	}
	c := &control{stop: make(chan struct{})}
	e.state = st
	e.ctrl = c
	e.mu.Unlock()

	// React to permission drops for the whole run, including mid-wait.
	done := make(chan struct{})
	defer close(done)
	permCh, cancelSub := e.perm.SubscribePermission()
	defer cancelSub()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-permCh:
				if !e.perm.Permission() {
					c.requestPause("permission lost")
				}
			}
		}
	}()

	e.record(st, LogEntry{Kind: "plan_started", ActionIndex: -1, Message: plan.Name})

	for i, a := range plan.Actions {
		if err := e.checkpoint(ctx, st, c, i); err != nil {
			return e.finish(st, StatusAborted, err)
		}
		err := e.runAction(ctx, st, c, i, a)
		if err == nil {
			continue
		}
		var ae *ActionError
		if !errors.As(err, &ae) {
			// Stop or context cancellation, not an action failure.
			return e.finish(st, StatusAborted, err)
		}
		if a.Critical() || plan.StopOnError {
			if a.Critical() {
				e.zeroPower(st, i)
			}
			e.record(st, LogEntry{Kind: "plan_failed", ActionIndex: i, Action: a.String(), Message: ae.Error()})
			return e.finish(st, StatusFailed, ae)
		}
		e.record(st, LogEntry{Kind: "action_skipped", ActionIndex: i, Action: a.String(), Message: ae.Error()})
	}

	return e.finish(st, StatusSucceeded, nil)
}

// zeroPower commands the laser setpoint back to zero after a failed power
// ramp. Best effort on a fresh deadline: the run context may already be
// expired, and the hardware interlock path does not depend on this write.
func (e *Engine) zeroPower(st *executionState, idx int) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ActionTimeout)
	defer cancel()
	if err := e.laser.SetPower(ctx, 0); err != nil {
		e.record(st, LogEntry{Kind: "power_zero_failed", ActionIndex: idx, Message: err.Error()})
		return
	}
	e.record(st, LogEntry{Kind: "power_zeroed", ActionIndex: idx})
}

func (e *Engine) finish(st *executionState, status Status, err error) (Snapshot, error) {
	st.finish(status, e.clock())
	e.record(st, LogEntry{Kind: "plan_" + string(status), ActionIndex: -1})
	e.log.Info().Str("run_id", st.runID).Str("status", string(status)).Msg("run finished")
	return st.snapshot(), err
}

// runAction drives one action through its retry budget. MaxRetries is the
// total attempt count; RetryDelay separates attempts.
func (e *Engine) runAction(ctx context.Context, st *executionState, c *control, idx int, a Action) error {
	var lastErr error
	started := false
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			e.record(st, LogEntry{Kind: "action_retry", ActionIndex: idx, Action: a.String(), Attempt: attempt})
			if err := e.sleep(ctx, c, e.cfg.RetryDelay); err != nil {
				return err
			}
		}
		if err := e.checkpoint(ctx, st, c, idx); err != nil {
			return err
		}
		st.setAction(idx, attempt)
		if !started {
			e.record(st, LogEntry{Kind: "action_started", ActionIndex: idx, Action: a.String(), Attempt: attempt})
			started = true
		}

		actx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
		err := e.dispatch(actx, c, a)
		cancel()
		if err == nil {
			e.record(st, LogEntry{Kind: "action_succeeded", ActionIndex: idx, Action: a.String(), Attempt: attempt})
			metrics.RecordAction(a.Kind(), "success")
			return nil
		}
		if errors.Is(err, errRampParked) {
			// Power must not stay raised while the run is parked; the
			// rerun ramps back up from FromMW.
			e.zeroPower(st, idx)
			if cerr := e.checkpoint(ctx, st, c, idx); cerr != nil {
				return cerr
			}
			attempt--
			continue
		}
		if errors.Is(err, ErrStopped) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timeout after %s: %w", e.cfg.ActionTimeout, err)
		}
		lastErr = err
		e.record(st, LogEntry{Kind: "action_failed", ActionIndex: idx, Action: a.String(), Attempt: attempt, Message: err.Error()})
		metrics.RecordAction(a.Kind(), "failure")
	}
	return &ActionError{Index: idx, Action: a.String(), Attempts: e.cfg.MaxRetries, Err: lastErr}
}

func (e *Engine) dispatch(ctx context.Context, c *control, a Action) error {
	switch a := a.(type) {
	case Move:
		return e.stage.Move(ctx, a.TargetMM, a.SpeedMMS)
	case Wait:
		return e.wait(ctx, c, a.Duration)
	case RampLaserPower:
		return e.ramp(ctx, c, a)
	case SetParameter:
		if e.setParam == nil {
			return fmt.Errorf("protocol: no parameter table for %q", a.Key)
		}
		return e.setParam(ctx, a.Key, a.Value)
	default:
		return fmt.Errorf("protocol: unknown action %T", a)
	}
}

// wait suspends cooperatively. Stop interrupts it; pause takes effect at
// the next checkpoint.
func (e *Engine) wait(ctx context.Context, c *control, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrStopped
	}
}

// ramp issues power sub-commands linearly from FromMW to ToMW. Stop, pause
// and permission are all consulted between sub-commands, never mid-command;
// a pending pause or a permission drop parks the run at the step boundary.
func (e *Engine) ramp(ctx context.Context, c *control, a RampLaserPower) error {
	steps := int(a.Duration / e.cfg.RampStep)
	if steps < 1 {
		steps = 1
	}
	if err := e.laser.SetPower(ctx, a.FromMW); err != nil {
		return err
	}
	for s := 1; s <= steps; s++ {
		if err := e.sleep(ctx, c, e.cfg.RampStep); err != nil {
			return err
		}
		if c.pauseRequested() || !e.perm.Permission() {
			return errRampParked
		}
		p := a.FromMW + (a.ToMW-a.FromMW)*float64(s)/float64(steps)
		if err := e.laser.SetPower(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sleep(ctx context.Context, c *control, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrStopped
	}
}

// checkpoint is the between-commands safe point: it honors stop, then
// parks the run if a pause is pending or permission is gone. It returns
// only when the run may proceed, or with the abort cause.
func (e *Engine) checkpoint(ctx context.Context, st *executionState, c *control, idx int) error {
	select {
	case <-c.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	if !c.pausePending && !e.perm.Permission() {
		c.pausePending = true
		c.pauseReason = "permission lost"
	}
	if !c.pausePending {
		c.mu.Unlock()
		return nil
	}
	c.pausePending = false
	reason := c.pauseReason
	resume := make(chan struct{})
	c.resume = resume
	c.mu.Unlock()

	st.setStatus(StatusPaused)
	e.record(st, LogEntry{Kind: "paused", ActionIndex: idx, Message: reason})

	select {
	case <-c.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-resume:
	}

	st.setStatus(StatusRunning)
	e.record(st, LogEntry{Kind: "resumed", ActionIndex: idx})
	// Permission may have dropped again while resuming.
	return e.checkpoint(ctx, st, c, idx)
}

func (e *Engine) record(st *executionState, entry LogEntry) {
	entry.Time = e.clock()
	st.append(entry)
	fields := map[string]string{
		"run_id": st.runID,
		"kind":   entry.Kind,
	}
	if entry.Action != "" {
		fields["action"] = entry.Action
	}
	if entry.Message != "" {
		fields["detail"] = entry.Message
	}
	e.sink.Emit(event.New(event.TypeExecution, event.SeverityInfo, "protocol", entry.Kind, fields))
}
