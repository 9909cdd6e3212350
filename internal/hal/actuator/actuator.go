// Package actuator controls the linear stage over its text-line serial
// protocol. A move is complete when the stage reports the target position
// within tolerance; the stage never confirms motion end on its own.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/photomed/lasercore/internal/event"
	"github.com/photomed/lasercore/internal/hal"
	"github.com/photomed/lasercore/internal/hal/serialline"
)

// DefaultToleranceMM is the position tolerance used when none is configured.
const DefaultToleranceMM = 0.05

// lineClient is the exact transport contract the stage uses.
type lineClient interface {
	RoundTrip(cmd string) (string, error)
	Close() error
}

// Config is the stage's serial config.
type Config struct {
	Address     string
	BaudRate    int
	Timeout     time.Duration
	ToleranceMM float64
	// PollInterval spaces position polls while a move settles.
	PollInterval time.Duration
}

// Stage is the linear actuator controller.
type Stage struct {
	hal.Base

	tolMM float64
	poll  time.Duration
	dial  func() (lineClient, error)
	conn  lineClient
}

// New creates a stage that opens the configured serial port on Connect.
func New(cfg Config, sink event.Sink) *Stage {
	return NewWithDialer(cfg, sink, func() (lineClient, error) {
		return serialline.Open(serialline.Config{
			Address:  cfg.Address,
			BaudRate: cfg.BaudRate,
			Timeout:  cfg.Timeout,
		})
	})
}

// NewWithDialer injects the transport factory for tests.
func NewWithDialer(cfg Config, sink event.Sink, dial func() (lineClient, error)) *Stage {
	if cfg.ToleranceMM <= 0 {
		cfg.ToleranceMM = DefaultToleranceMM
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	s := &Stage{tolMM: cfg.ToleranceMM, poll: cfg.PollInterval, dial: dial}
	s.Base = hal.NewBase("actuator", sink)
	return s
}

// Connect implements hal.Controller.
func (s *Stage) Connect(ctx context.Context) error {
	return s.ConnectWith(ctx, func(ctx context.Context) error {
		c, err := s.dial()
		if err != nil {
			return hal.Errf(hal.KindTransport, s.Name(), "connect", "%v", err)
		}
		s.conn = c
		return nil
	})
}

// Disconnect implements hal.Controller.
func (s *Stage) Disconnect() error {
	return s.DisconnectWith(func() error {
		if s.conn == nil {
			return nil
		}
		err := s.conn.Close()
		s.conn = nil
		return err
	})
}

// Move commands motion to target (mm) at speed (mm/s) and blocks until the
// stage settles within tolerance or ctx expires. The command lock is held
// for the whole motion; callers requesting a pause wait for it to return.
func (s *Stage) Move(ctx context.Context, targetMM, speed float64) error {
	if speed <= 0 {
		return hal.Errf(hal.KindRejected, s.Name(), "move", "speed %v must be > 0", speed)
	}
	return s.Command(ctx, "move", func() error {
		if err := s.ackLocked("move", fmt.Sprintf("MOVE:%.3f,%.3f", targetMM, speed)); err != nil {
			return err
		}
		for {
			pos, err := s.positionLocked()
			if err != nil {
				return err
			}
			if math.Abs(pos-targetMM) <= s.tolMM {
				return nil
			}
			select {
			case <-ctx.Done():
				// Motion deadline expired: stop the stage before giving up.
				_ = s.ackLocked("stop", "STOP")
				return hal.Errf(hal.KindTimeout, s.Name(), "move",
					"target %.3f not reached: %v", targetMM, ctx.Err())
			case <-time.After(s.poll):
			}
		}
	})
}

// Stop halts any in-progress motion.
func (s *Stage) Stop(ctx context.Context) error {
	return s.Command(ctx, "stop", func() error {
		return s.ackLocked("stop", "STOP")
	})
}

// Home runs the homing routine.
func (s *Stage) Home(ctx context.Context) error {
	return s.Command(ctx, "home", func() error {
		return s.ackLocked("home", "HOME")
	})
}

// Position reads the current stage position in mm.
func (s *Stage) Position(ctx context.Context) (float64, error) {
	var pos float64
	err := s.Command(ctx, "get_pos", func() error {
		p, perr := s.positionLocked()
		if perr != nil {
			return perr
		}
		pos = p
		return nil
	})
	return pos, err
}

// ---- locked helpers (caller holds the command lock via Command) ----

func (s *Stage) ackLocked(op, cmd string) error {
	reply, err := s.conn.RoundTrip(cmd)
	if err != nil {
		return s.classify(op, err)
	}
	if reply == "OK" {
		return nil
	}
	if code, found := strings.CutPrefix(reply, "ERR:"); found {
		return hal.Errf(hal.KindRejected, s.Name(), op, "stage error %s", code)
	}
	return hal.Errf(hal.KindMalformedResponse, s.Name(), op, "unexpected reply %q", reply)
}

func (s *Stage) positionLocked() (float64, error) {
	reply, err := s.conn.RoundTrip("GET_POS")
	if err != nil {
		return 0, s.classify("get_pos", err)
	}
	val, found := strings.CutPrefix(reply, "POS:")
	if !found {
		return 0, hal.Errf(hal.KindMalformedResponse, s.Name(), "get_pos", "unexpected reply %q", reply)
	}
	v, perr := strconv.ParseFloat(val, 64)
	if perr != nil {
		return 0, hal.Errf(hal.KindMalformedResponse, s.Name(), "get_pos", "reply %q: %v", reply, perr)
	}
	return v, nil
}

func (s *Stage) classify(op string, err error) error {
	if errors.Is(err, serialline.ErrTimeout) {
		return hal.Errf(hal.KindTimeout, s.Name(), op, "%v", err)
	}
	return hal.Errf(hal.KindTransport, s.Name(), op, "%v", err)
}
