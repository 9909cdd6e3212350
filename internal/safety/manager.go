package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/photomed/lasercore/internal/event"
	"github.com/photomed/lasercore/internal/interlock"
	"github.com/photomed/lasercore/internal/logging"
	"github.com/photomed/lasercore/internal/metrics"
)

var (
	// ErrInterlocksNotRestored blocks recovery transitions while any
	// interlock is still failed.
	ErrInterlocksNotRestored = errors.New("safety: interlocks not restored")
	// ErrSessionActive rejects starting a second session.
	ErrSessionActive = errors.New("safety: session already active")
	// ErrNoSession rejects treatment without an active session.
	ErrNoSession = errors.New("safety: no active session")
	// ErrSessionInUse rejects ending a session mid-treatment.
	ErrSessionInUse = errors.New("safety: session in use by active treatment")
)

// interlockSource is the aggregator surface the manager reads.
type interlockSource interface {
	Snapshot() interlock.Snapshot
}

// shutdownTarget is the firmware surface for the selective shutdown path.
type shutdownTarget interface {
	LaserOff(ctx context.Context) error
	MotorOff(ctx context.Context) error
}

// powerDisabler is the laser driver's output stage, disabled alongside the
// firmware gate. Optional.
type powerDisabler interface {
	Disable(ctx context.Context) error
}

// Config holds the manager's software preconditions.
type Config struct {
	PowerCeilingMW float64
}

// Session is the active treatment session precondition.
type Session struct {
	ID               string
	RequestedPowerMW float64
	StartedAt        time.Time
}

// Snapshot is the published view of safety state. Immutable; safe to hand
// to any reader.
type Snapshot struct {
	State            State
	Since            time.Time
	SessionActive    bool
	SessionID        string
	RequestedPowerMW float64
	BypassActive     bool
	Interlocks       interlock.Snapshot
}

// Manager is the sole writer of the system safety state.
//
// Lock discipline: the state lock is held only for pure state
// computation. Hardware side effects (the laser kill path) and event
// emission run after the lock is released; the one ordering guarantee is
// that the laser-off command is issued before any observer is notified of
// an Unsafe or EmergencyStop entry.
type Manager struct {
	cfg        Config
	fw         shutdownTarget
	driver     powerDisabler
	interlocks interlockSource
	auth       AuthFunc
	sink       event.Sink
	log        zerolog.Logger
	clock      func() time.Time

	mu      sync.RWMutex
	state   State
	since   time.Time
	session *Session
	bypass  *Grant

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// New creates the manager in the fail-safe startup state Unsafe. The
// operator acknowledges out of it once interlocks report healthy.
func New(cfg Config, fw shutdownTarget, driver powerDisabler, interlocks interlockSource, auth AuthFunc, sink event.Sink) *Manager {
	if auth == nil {
		auth = DenyAll
	}
	if sink == nil {
		sink = event.Discard
	}
	m := &Manager{
		cfg:        cfg,
		fw:         fw,
		driver:     driver,
		interlocks: interlocks,
		auth:       auth,
		sink:       sink,
		log:        logging.WithComponent("safety"),
		clock:      time.Now,
		state:      StateUnsafe,
		subs:       make(map[int]chan struct{}),
	}
	m.since = m.clock()
	metrics.SetSafetyState(string(m.state), StateNames)
	return m
}

// SetClock injects a clock for tests.
func (m *Manager) SetClock(clock func() time.Time) { m.clock = clock }

// State returns the current safety state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot publishes the current safety view.
func (m *Manager) Snapshot() Snapshot {
	il := m.interlocks.Snapshot()
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		State:        m.state,
		Since:        m.since,
		BypassActive: m.bypass != nil,
		Interlocks:   il,
	}
	if m.session != nil {
		s.SessionActive = true
		s.SessionID = m.session.ID
		s.RequestedPowerMW = m.session.RequestedPowerMW
	}
	return s
}

// Permission recomputes the laser-enable permission from live state. It is
// never cached: every caller sees the current truth.
func (m *Manager) Permission() bool {
	il := m.interlocks.Snapshot()
	m.mu.RLock()
	defer m.mu.RUnlock()
	interlocksOK := il.AllOK() || m.bypass != nil
	if !interlocksOK {
		return false
	}
	if m.state != StateArmed && m.state != StateTreating {
		return false
	}
	if m.session == nil {
		return false
	}
	return m.session.RequestedPowerMW <= m.cfg.PowerCeilingMW
}

// SubscribePermission returns a channel that receives a token whenever the
// permission inputs may have changed. Consumers recompute via Permission;
// the channel carries no value and never blocks the manager.
func (m *Manager) SubscribePermission() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) notifyPermission() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ---- operator transitions ----

// Arm moves Safe to Armed. Requires all interlocks healthy (or an active
// bypass grant).
func (m *Manager) Arm(actor string) error {
	_, _, err := m.apply(TriggerArm, actor, func() error {
		return m.interlocksReadyLocked()
	})
	return err
}

// Disarm moves Armed back to Safe.
func (m *Manager) Disarm(actor string) error {
	_, _, err := m.apply(TriggerDisarm, actor, nil)
	return err
}

// StartTreatment moves Armed to Treating. Requires an active session with
// a requested power at or under the ceiling, plus healthy interlocks.
func (m *Manager) StartTreatment(actor string) error {
	_, _, err := m.apply(TriggerStartTreatment, actor, func() error {
		if m.session == nil {
			return ErrNoSession
		}
		if m.session.RequestedPowerMW > m.cfg.PowerCeilingMW {
			return fmt.Errorf("safety: requested power %.1f mW exceeds ceiling %.1f mW",
				m.session.RequestedPowerMW, m.cfg.PowerCeilingMW)
		}
		return m.interlocksReadyLocked()
	})
	return err
}

// StopTreatment moves Treating back to Armed and shuts the emission path
// off.
func (m *Manager) StopTreatment(ctx context.Context, actor string) error {
	_, _, err := m.apply(TriggerStopTreatment, actor, nil)
	if err != nil {
		return err
	}
	m.laserOff(ctx)
	return nil
}

// EmergencyStop is reachable from every state. The laser-disable side
// effect completes before any observer notification; trigger to
// command-issued must stay under 100ms.
func (m *Manager) EmergencyStop(ctx context.Context, actor string) error {
	start := m.clock()

	m.mu.Lock()
	if m.state == StateEmergencyStop {
		m.mu.Unlock()
		return nil
	}
	from := m.state
	m.state = StateEmergencyStop
	m.since = m.clock()
	m.mu.Unlock()

	m.selectiveShutdown(ctx)
	latency := m.clock().Sub(start)
	metrics.ObserveEStopLatency(latency.Seconds())
	metrics.SetSafetyState(string(StateEmergencyStop), StateNames)

	m.sink.Emit(event.New(event.TypeSafetyState, event.SeverityCritical, "safety",
		"emergency stop", map[string]string{
			"from":       string(from),
			"to":         string(StateEmergencyStop),
			"trigger":    string(TriggerEmergencyStop),
			"actor":      actor,
			"latency_ms": strconv.FormatInt(latency.Milliseconds(), 10),
		}))
	m.notifyPermission()
	return nil
}

// AcknowledgeUnsafe moves Unsafe to Safe after the operator has seen the
// fault and every interlock reports healthy again. Never auto-cleared.
func (m *Manager) AcknowledgeUnsafe(actor string) error {
	_, _, err := m.apply(TriggerAcknowledgeUnsafe, actor, func() error {
		return m.interlocksRestoredLocked()
	})
	return err
}

// ManualReset moves EmergencyStop to Safe under the same conditions.
func (m *Manager) ManualReset(actor string) error {
	_, _, err := m.apply(TriggerManualReset, actor, func() error {
		return m.interlocksRestoredLocked()
	})
	return err
}

// ---- interlock violation path ----

// HandleInterlockDrop is registered as the aggregator's drop target. It is
// the highest-priority path in the system and runs synchronously on the
// reporting goroutine. Like EmergencyStop, it performs the transition
// inline rather than through apply: the hazardous outputs must be down
// before the transition event reaches any observer.
func (m *Manager) HandleInterlockDrop(ctx context.Context, sig interlock.Signal, snap interlock.Snapshot) {
	start := m.clock()

	m.mu.Lock()
	if m.bypass != nil {
		m.mu.Unlock()
		m.sink.Emit(event.New(event.TypeInterlockChange, event.SeverityWarning, "safety",
			"interlock drop suppressed by bypass", map[string]string{"signal": string(sig)}))
		return
	}
	from := m.state
	to, err := next(from, TriggerInterlockViolation)
	if err != nil {
		m.mu.Unlock()
		// Already Unsafe or EmergencyStop; the output is already down.
		return
	}
	m.state = to
	m.since = m.clock()
	m.mu.Unlock()

	m.selectiveShutdown(ctx)
	latency := m.clock().Sub(start)
	metrics.SetSafetyState(string(to), StateNames)

	m.sink.Emit(event.New(event.TypeSafetyState, event.SeverityCritical, "safety",
		"state transition", map[string]string{
			"from":       string(from),
			"to":         string(to),
			"trigger":    string(TriggerInterlockViolation),
			"actor":      "interlock:" + string(sig),
			"latency_ms": strconv.FormatInt(latency.Milliseconds(), 10),
		}))
	m.notifyPermission()
	m.log.Error().
		Str("signal", string(sig)).
		Str("from", string(from)).
		Msg("interlock violation, laser disabled")
}

// ---- session preconditions ----

// BeginSession establishes the active-session precondition.
func (m *Manager) BeginSession(actor, id string, requestedPowerMW float64) (*Session, error) {
	if requestedPowerMW <= 0 {
		return nil, fmt.Errorf("safety: requested power must be > 0, got %.1f", requestedPowerMW)
	}
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	sess := &Session{ID: id, RequestedPowerMW: requestedPowerMW, StartedAt: m.clock()}
	m.session = sess
	m.mu.Unlock()

	m.sink.Emit(event.New(event.TypeSafetySession, event.SeverityInfo, "safety",
		"session started", map[string]string{
			"actor":      actor,
			"session_id": id,
			"power_mw":   fmt.Sprintf("%.1f", requestedPowerMW),
		}))
	m.notifyPermission()
	return sess, nil
}

// EndSession clears the session. Rejected while a treatment is running.
func (m *Manager) EndSession(actor string) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if m.state == StateTreating {
		m.mu.Unlock()
		return ErrSessionInUse
	}
	id := m.session.ID
	m.session = nil
	m.mu.Unlock()

	m.sink.Emit(event.New(event.TypeSafetySession, event.SeverityInfo, "safety",
		"session ended", map[string]string{"actor": actor, "session_id": id}))
	m.notifyPermission()
	return nil
}

// ---- developer bypass ----

// RequestBypass validates the token and, if authorized, installs the
// bypass grant. The grant is process-lifetime only and cannot be
// serialized.
func (m *Manager) RequestBypass(token string) (*Grant, error) {
	operator, ok := m.auth(token)
	if !ok {
		m.sink.Emit(event.New(event.TypeSafetyBypass, event.SeverityCritical, "safety",
			"bypass request denied", nil))
		return nil, ErrBypassDenied
	}

	grant := &Grant{operator: operator, grantedAt: m.clock()}
	m.mu.Lock()
	m.bypass = grant
	m.mu.Unlock()

	m.sink.Emit(event.New(event.TypeSafetyBypass, event.SeverityCritical, "safety",
		"interlock bypass granted", map[string]string{"operator": operator}))
	m.notifyPermission()
	return grant, nil
}

// RevokeBypass clears the grant.
func (m *Manager) RevokeBypass(actor string) {
	m.mu.Lock()
	had := m.bypass != nil
	m.bypass = nil
	m.mu.Unlock()
	if had {
		m.sink.Emit(event.New(event.TypeSafetyBypass, event.SeverityCritical, "safety",
			"interlock bypass revoked", map[string]string{"actor": actor}))
	}
	m.notifyPermission()
}

// BypassActive reports whether a grant is installed.
func (m *Manager) BypassActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bypass != nil
}

// ---- internals ----

// apply performs one table-driven transition. pre runs under the lock and
// must be pure; it may read manager fields but performs no I/O.
func (m *Manager) apply(trig Trigger, actor string, pre func() error) (State, State, error) {
	m.mu.Lock()
	from := m.state
	if pre != nil {
		if err := pre(); err != nil {
			m.mu.Unlock()
			return from, from, err
		}
	}
	to, err := next(from, trig)
	if err != nil {
		m.mu.Unlock()
		return from, from, err
	}
	m.state = to
	m.since = m.clock()
	m.mu.Unlock()

	metrics.SetSafetyState(string(to), StateNames)
	sev := event.SeverityInfo
	if to == StateUnsafe || to == StateEmergencyStop {
		sev = event.SeverityCritical
	}
	m.sink.Emit(event.New(event.TypeSafetyState, sev, "safety",
		"state transition", map[string]string{
			"from":    string(from),
			"to":      string(to),
			"trigger": string(trig),
			"actor":   actor,
		}))
	m.notifyPermission()
	return from, to, nil
}

// interlocksReadyLocked gates arming. Bypass substitutes for hardware
// interlocks during calibration.
func (m *Manager) interlocksReadyLocked() error {
	if m.bypass != nil {
		return nil
	}
	snap := m.interlocks.Snapshot()
	if failed := snap.Failed(); len(failed) > 0 {
		return fmt.Errorf("%w: %v", ErrInterlocksNotRestored, failed)
	}
	return nil
}

// interlocksRestoredLocked gates recovery out of Unsafe/EmergencyStop.
// Bypass deliberately does not substitute here.
func (m *Manager) interlocksRestoredLocked() error {
	snap := m.interlocks.Snapshot()
	if failed := snap.Failed(); len(failed) > 0 {
		return fmt.Errorf("%w: %v", ErrInterlocksNotRestored, failed)
	}
	return nil
}

// selectiveShutdown disables only the hazardous outputs: the firmware
// laser gate, the smoothing motor, and the driver output stage. Camera,
// actuator and thermal stay connected so the operator keeps situational
// awareness while diagnosing the fault.
func (m *Manager) selectiveShutdown(ctx context.Context) {
	m.laserOff(ctx)
	if err := m.fw.MotorOff(ctx); err != nil {
		m.log.Error().Err(err).Msg("motor off failed during shutdown")
	}
}

func (m *Manager) laserOff(ctx context.Context) {
	if err := m.fw.LaserOff(ctx); err != nil {
		m.log.Error().Err(err).Msg("laser off failed during shutdown")
	}
	if m.driver != nil {
		if err := m.driver.Disable(ctx); err != nil {
			m.log.Error().Err(err).Msg("driver disable failed during shutdown")
		}
	}
}
