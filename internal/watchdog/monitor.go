// Package watchdog guarantees that sustained software failure ends in a
// hardware-level shutdown within a bounded time.
//
// There are two independent failure paths, by design. The hardware path:
// the microcontroller's own timer expires when WDT_RESET stops arriving
// and autonomously de-energizes the laser and motor outputs; software
// cannot cancel or clear it. The software path: consecutive
// unacknowledged heartbeats drive watchdog_ok=false into the interlock
// aggregator, which drives the safety manager to Unsafe.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/photomed/lasercore/internal/event"
	"github.com/photomed/lasercore/internal/logging"
	"github.com/photomed/lasercore/internal/metrics"
)

// resetter is the exact contract the monitor needs from the firmware.
type resetter interface {
	WDTReset(ctx context.Context) error
}

// statusReporter receives the software-observed watchdog status.
type statusReporter interface {
	SetWatchdog(ok bool)
}

// HeartbeatRecord describes the most recent heartbeat emission.
type HeartbeatRecord struct {
	EmittedAt    time.Time
	Acknowledged bool
}

// Config tunes the monitor. Heartbeat must be strictly less than the
// remote hardware Timeout; config validation enforces this before any
// hardware connection, and New re-checks it.
type Config struct {
	Heartbeat     time.Duration
	Timeout       time.Duration
	MissThreshold int // consecutive misses before watchdog_ok=false, default 1
}

// Monitor emits the periodic heartbeat and tracks acknowledgment.
type Monitor struct {
	cfg    Config
	fw     resetter
	report statusReporter
	sink   event.Sink
	log    zerolog.Logger

	mu     sync.Mutex
	last   HeartbeatRecord
	misses int
}

// New creates a monitor. The heartbeat/timeout relation is a fatal
// configuration error, not a warning.
func New(cfg Config, fw resetter, report statusReporter, sink event.Sink) (*Monitor, error) {
	if cfg.Heartbeat <= 0 || cfg.Timeout <= 0 {
		return nil, errors.New("watchdog: heartbeat and timeout must be > 0")
	}
	if cfg.Heartbeat >= cfg.Timeout {
		return nil, fmt.Errorf("watchdog: heartbeat %v must be < hardware timeout %v",
			cfg.Heartbeat, cfg.Timeout)
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = 1
	}
	if sink == nil {
		sink = event.Discard
	}
	return &Monitor{
		cfg:    cfg,
		fw:     fw,
		report: report,
		sink:   sink,
		log:    logging.WithComponent("watchdog"),
	}, nil
}

// Run emits heartbeats until ctx is canceled. The first beat goes out
// immediately so the hardware timer is armed from a known instant.
func (m *Monitor) Run(ctx context.Context) error {
	m.Beat(ctx)
	ticker := time.NewTicker(m.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Beat(ctx)
		}
	}
}

// Beat emits one heartbeat and updates the miss count. Exported for tests.
func (m *Monitor) Beat(ctx context.Context) {
	err := m.fw.WDTReset(ctx)

	m.mu.Lock()
	m.last = HeartbeatRecord{EmittedAt: time.Now(), Acknowledged: err == nil}
	if err != nil {
		m.misses++
	} else {
		m.misses = 0
	}
	misses := m.misses
	m.mu.Unlock()

	if err == nil {
		m.report.SetWatchdog(true)
		return
	}

	metrics.RecordHeartbeatMiss()
	m.log.Warn().Err(err).Int("consecutive_misses", misses).Msg("heartbeat unacknowledged")
	if misses >= m.cfg.MissThreshold {
		m.sink.Emit(event.New(event.TypeWatchdogMiss, event.SeverityCritical, "watchdog",
			"consecutive heartbeat misses reached threshold", map[string]string{
				"misses":    strconv.Itoa(misses),
				"threshold": strconv.Itoa(m.cfg.MissThreshold),
			}))
		m.report.SetWatchdog(false)
	}
}

// Last returns the most recent heartbeat record.
func (m *Monitor) Last() HeartbeatRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
