package interlock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/photomed/lasercore/internal/logging"
)

// firmwareReader is the exact contract the poller uses.
type firmwareReader interface {
	Footpedal(ctx context.Context) (bool, error)
	Photodiode(ctx context.Context) (float64, error)
	MotorSpeed(ctx context.Context) (int, error)
	VibrationLevel(ctx context.Context) (float64, error)
}

// PollerConfig tunes the firmware poll loop.
type PollerConfig struct {
	Interval time.Duration

	// MaxPowerMW bounds the photodiode reading; emission above it fails
	// optical power verification.
	MaxPowerMW float64

	// Vibration band for a healthy running motor. Below min the motor is
	// not actually turning; above max the mechanism is faulty.
	MinVibrationG float64
	MaxVibrationG float64
}

// Poller reads the firmware's discrete safety inputs on a fixed period and
// feeds the aggregator. One goroutine, no overlap; a read error feeds the
// corresponding signal as false rather than being retried.
type Poller struct {
	cfg PollerConfig
	fw  firmwareReader
	agg *Aggregator
	log zerolog.Logger

	// expectMotor tracks whether the smoothing motor is commanded to run.
	// With the motor idle, both motor channels report healthy.
	expectMotor atomic.Bool
}

// NewPoller creates the poll loop.
func NewPoller(cfg PollerConfig, fw firmwareReader, agg *Aggregator) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	return &Poller{
		cfg: cfg,
		fw:  fw,
		agg: agg,
		log: logging.WithComponent("interlock.poller"),
	}
}

// ExpectMotor records whether the smoothing motor should be running.
func (p *Poller) ExpectMotor(running bool) {
	p.expectMotor.Store(running)
}

// Run samples once immediately, then drives the ticker loop until ctx is
// canceled. Without the eager sample every signal would sit stale-false
// for a full interval after startup.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce performs one poll cycle. Exported for tests.
func (p *Poller) PollOnce(ctx context.Context) {
	held, err := p.fw.Footpedal(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("footpedal read failed")
		held = false
	}
	p.agg.SetFootpedal(held)

	mw, err := p.fw.Photodiode(ctx)
	opticalOK := err == nil && mw >= 0 && mw <= p.cfg.MaxPowerMW
	if err != nil {
		p.log.Warn().Err(err).Msg("photodiode read failed")
	}
	p.agg.SetOpticalPower(opticalOK)

	if !p.expectMotor.Load() {
		p.agg.SetMotorDrive(true)
		p.agg.SetMotorVibration(true)
		return
	}

	speed, err := p.fw.MotorSpeed(ctx)
	driveOK := err == nil && speed > 0
	if err != nil {
		p.log.Warn().Err(err).Msg("motor speed read failed")
	}
	p.agg.SetMotorDrive(driveOK)

	g, err := p.fw.VibrationLevel(ctx)
	vibOK := err == nil && g >= p.cfg.MinVibrationG && g <= p.cfg.MaxVibrationG
	if err != nil {
		p.log.Warn().Err(err).Msg("vibration read failed")
	}
	p.agg.SetMotorVibration(vibOK)
}
