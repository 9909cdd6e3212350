// Package interlock reduces the four independent safety signals into one
// fail-closed permission input plus itemized diagnostics.
//
// Fail-closed means two things here: a signal that was last reported bad is
// bad, and a signal whose last report is older than its staleness bound is
// bad, whatever it said. Arrival order across sources is irrelevant to
// correctness; within one source, updates are applied in call order.
package interlock

import (
	"sync"
	"time"

	"github.com/photomed/lasercore/internal/event"
	"github.com/photomed/lasercore/internal/metrics"
)

// Signal names the four interlock inputs.
type Signal string

const (
	SignalFootpedal    Signal = "footpedal"
	SignalMotorHealth  Signal = "motor_health"
	SignalOpticalPower Signal = "optical_power"
	SignalWatchdog     Signal = "watchdog"
)

// Signals lists all four in a stable order.
var Signals = []Signal{SignalFootpedal, SignalMotorHealth, SignalOpticalPower, SignalWatchdog}

// DefaultStaleness bounds how old a report may be before it is treated as
// false.
const DefaultStaleness = 500 * time.Millisecond

// Snapshot is the evaluated interlock status at one instant. Staleness is
// already applied; a true field is both reported-good and fresh.
type Snapshot struct {
	Footpedal      bool
	FootpedalAt    time.Time
	MotorHealth    bool
	MotorHealthAt  time.Time
	OpticalPower   bool
	OpticalPowerAt time.Time
	Watchdog       bool
	WatchdogAt     time.Time
}

// AllOK reports whether every interlock holds.
func (s Snapshot) AllOK() bool {
	return s.Footpedal && s.MotorHealth && s.OpticalPower && s.Watchdog
}

// OK reports one named signal.
func (s Snapshot) OK(sig Signal) bool {
	switch sig {
	case SignalFootpedal:
		return s.Footpedal
	case SignalMotorHealth:
		return s.MotorHealth
	case SignalOpticalPower:
		return s.OpticalPower
	case SignalWatchdog:
		return s.Watchdog
	}
	return false
}

// Failed lists the signals currently not holding.
func (s Snapshot) Failed() []Signal {
	var out []Signal
	for _, sig := range Signals {
		if !s.OK(sig) {
			out = append(out, sig)
		}
	}
	return out
}

type reading struct {
	ok bool
	at time.Time
}

// Config tunes the aggregator.
type Config struct {
	// Staleness is the default bound; PerSignal overrides individual ones.
	Staleness time.Duration
	PerSignal map[Signal]time.Duration
}

// Aggregator holds the raw readings and evaluates them fail-closed.
//
// The motor-health signal is dual-channel: a drive-confirmation reading and
// a vibration-band reading must both be good. Disagreement between the two
// is itself a fault and is logged with the disagreeing channels, but it is
// reported as plain motor_health=false, not a separate fault class.
type Aggregator struct {
	staleness map[Signal]time.Duration
	clock     func() time.Time
	sink      event.Sink

	// onDrop is invoked synchronously, outside the lock, whenever the
	// all-signals conjunction falls from true to false. This is the
	// highest-priority path in the system; no batching, no debounce.
	onDrop func(Signal, Snapshot)

	mu        sync.Mutex
	footpedal reading
	optical   reading
	watchdog  reading
	drive     reading // motor channel A: drive confirmation
	vibration reading // motor channel B: vibration within band
}

// New creates an aggregator. onDrop may be nil during wiring and set later
// with OnDrop, but must be set before any source starts reporting.
func New(cfg Config, sink event.Sink, onDrop func(Signal, Snapshot)) *Aggregator {
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStaleness
	}
	st := make(map[Signal]time.Duration, len(Signals))
	for _, sig := range Signals {
		st[sig] = cfg.Staleness
		if d, ok := cfg.PerSignal[sig]; ok && d > 0 {
			st[sig] = d
		}
	}
	if sink == nil {
		sink = event.Discard
	}
	return &Aggregator{
		staleness: st,
		clock:     time.Now,
		sink:      sink,
		onDrop:    onDrop,
	}
}

// OnDrop installs the drop notification target.
func (a *Aggregator) OnDrop(fn func(Signal, Snapshot)) { a.onDrop = fn }

// SetClock injects a clock for tests.
func (a *Aggregator) SetClock(clock func() time.Time) { a.clock = clock }

// SetFootpedal reports the deadman switch state.
func (a *Aggregator) SetFootpedal(held bool) {
	a.update(SignalFootpedal, func(now time.Time) {
		a.footpedal = reading{ok: held, at: now}
	})
}

// SetOpticalPower reports the optical power verification result.
func (a *Aggregator) SetOpticalPower(ok bool) {
	a.update(SignalOpticalPower, func(now time.Time) {
		a.optical = reading{ok: ok, at: now}
	})
}

// SetWatchdog reports the software-observed watchdog status.
func (a *Aggregator) SetWatchdog(ok bool) {
	a.update(SignalWatchdog, func(now time.Time) {
		a.watchdog = reading{ok: ok, at: now}
	})
}

// SetMotorDrive reports motor channel A (drive confirmation).
func (a *Aggregator) SetMotorDrive(ok bool) {
	a.update(SignalMotorHealth, func(now time.Time) {
		a.drive = reading{ok: ok, at: now}
	})
}

// SetMotorVibration reports motor channel B (vibration within band).
func (a *Aggregator) SetMotorVibration(ok bool) {
	a.update(SignalMotorHealth, func(now time.Time) {
		a.vibration = reading{ok: ok, at: now}
	})
}

// Snapshot evaluates all signals at the current clock, fail-closed.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked(a.clock())
}

func (a *Aggregator) snapshotLocked(now time.Time) Snapshot {
	motorOK, motorAt := a.motorLocked(now)
	return Snapshot{
		Footpedal:      a.fresh(SignalFootpedal, a.footpedal, now),
		FootpedalAt:    a.footpedal.at,
		MotorHealth:    motorOK,
		MotorHealthAt:  motorAt,
		OpticalPower:   a.fresh(SignalOpticalPower, a.optical, now),
		OpticalPowerAt: a.optical.at,
		Watchdog:       a.fresh(SignalWatchdog, a.watchdog, now),
		WatchdogAt:     a.watchdog.at,
	}
}

// motorLocked applies dual-channel validation: both channels good and
// fresh, else false. The timestamp is the older of the two reports.
func (a *Aggregator) motorLocked(now time.Time) (bool, time.Time) {
	driveOK := a.fresh(SignalMotorHealth, a.drive, now)
	vibOK := a.fresh(SignalMotorHealth, a.vibration, now)
	at := a.drive.at
	if a.vibration.at.Before(at) {
		at = a.vibration.at
	}
	return driveOK && vibOK, at
}

func (a *Aggregator) fresh(sig Signal, r reading, now time.Time) bool {
	if !r.ok {
		return false
	}
	return now.Sub(r.at) <= a.staleness[sig]
}

// update applies one raw reading, re-evaluates, and notifies on a
// true-to-false drop of the conjunction.
func (a *Aggregator) update(sig Signal, apply func(now time.Time)) {
	a.mu.Lock()
	now := a.clock()
	before := a.snapshotLocked(now)
	apply(now)
	after := a.snapshotLocked(now)

	// Dual-channel disagreement is logged but folded into motor_health.
	if sig == SignalMotorHealth && a.drive.ok != a.vibration.ok {
		a.sink.Emit(event.New(event.TypeInterlockChange, event.SeverityWarning, "interlock",
			"motor health channel disagreement", map[string]string{
				"drive_ok":     boolStr(a.drive.ok),
				"vibration_ok": boolStr(a.vibration.ok),
			}))
	}
	a.mu.Unlock()

	if before.OK(sig) != after.OK(sig) {
		metrics.SetInterlock(string(sig), after.OK(sig))
		sev := event.SeverityInfo
		if !after.OK(sig) {
			sev = event.SeverityWarning
		}
		a.sink.Emit(event.New(event.TypeInterlockChange, sev, "interlock",
			"interlock changed", map[string]string{
				"signal": string(sig),
				"ok":     boolStr(after.OK(sig)),
			}))
	}

	if before.AllOK() && !after.AllOK() && a.onDrop != nil {
		a.onDrop(sig, after)
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
