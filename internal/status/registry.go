// Package status collects the instrument's live state into one snapshot
// for external collaborators. It contains no logic beyond collection; the
// truth stays in the owning components.
package status

import (
	"sync"
	"time"

	"github.com/photomed/lasercore/internal/hal"
	"github.com/photomed/lasercore/internal/interlock"
	"github.com/photomed/lasercore/internal/safety"
	"github.com/photomed/lasercore/internal/watchdog"
)

// deviceSource is the controller surface the registry polls. The snapshot
// carries the device name.
type deviceSource interface {
	Status() hal.StatusSnapshot
}

type safetySource interface {
	Snapshot() safety.Snapshot
	Permission() bool
}

type watchdogSource interface {
	Last() watchdog.HeartbeatRecord
}

// Report is everything an external observer may see at one instant.
type Report struct {
	At         time.Time
	Safety     safety.Snapshot
	Permission bool
	Interlocks interlock.Snapshot
	Heartbeat  watchdog.HeartbeatRecord
	Devices    []hal.StatusSnapshot
}

// Registry aggregates the instrument's live state. Register during
// wiring; Collect from any goroutine afterwards.
type Registry struct {
	mu      sync.Mutex
	devices []deviceSource

	safety   safetySource
	locks    interface{ Snapshot() interlock.Snapshot }
	watchdog watchdogSource
	clock    func() time.Time
}

func NewRegistry(s safetySource, locks interface{ Snapshot() interlock.Snapshot }, wd watchdogSource) *Registry {
	return &Registry{safety: s, locks: locks, watchdog: wd, clock: time.Now}
}

// Register adds a device controller.
func (r *Registry) Register(d deviceSource) {
	r.mu.Lock()
	r.devices = append(r.devices, d)
	r.mu.Unlock()
}

// Collect assembles a report from the live sources.
func (r *Registry) Collect() Report {
	r.mu.Lock()
	devices := make([]deviceSource, len(r.devices))
	copy(devices, r.devices)
	r.mu.Unlock()

	rep := Report{
		At:      r.clock(),
		Devices: make([]hal.StatusSnapshot, 0, len(devices)),
	}
	if r.safety != nil {
		rep.Safety = r.safety.Snapshot()
		rep.Permission = r.safety.Permission()
	}
	if r.locks != nil {
		rep.Interlocks = r.locks.Snapshot()
	}
	if r.watchdog != nil {
		rep.Heartbeat = r.watchdog.Last()
	}
	for _, d := range devices {
		rep.Devices = append(rep.Devices, d.Status())
	}
	return rep
}
