// Package firmware drives the microcontroller-resident interlock/watchdog
// firmware over its text-line serial protocol. The firmware owns the
// hardware watchdog timer, the laser enable output and the smoothing
// motor; this bridge is the only software path to them.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/photomed/lasercore/internal/event"
	"github.com/photomed/lasercore/internal/hal"
	"github.com/photomed/lasercore/internal/hal/serialline"
)

// MaxMotorSpeed is the highest speed value the firmware accepts.
const MaxMotorSpeed = 153

// lineClient is the exact transport contract the bridge uses.
type lineClient interface {
	RoundTrip(cmd string) (string, error)
	Close() error
}

// Config is the bridge's serial config.
type Config struct {
	Address  string
	BaudRate int
	Timeout  time.Duration
}

// Status is the firmware's own view of its outputs, from GET_STATUS.
type Status struct {
	LaserOn    bool
	MotorOn    bool
	WatchdogOK bool
}

// Accel is one accelerometer sample from GET_ACCEL.
type Accel struct {
	X, Y, Z float64
}

// Bridge is the microcontroller controller.
type Bridge struct {
	hal.Base

	dial func() (lineClient, error)
	conn lineClient
}

// New creates a bridge that opens the configured serial port on Connect.
func New(cfg Config, sink event.Sink) *Bridge {
	return NewWithDialer(sink, func() (lineClient, error) {
		return serialline.Open(serialline.Config{
			Address:  cfg.Address,
			BaudRate: cfg.BaudRate,
			Timeout:  cfg.Timeout,
		})
	})
}

// NewWithDialer injects the transport factory. Tests dial an in-memory
// scripted transport.
func NewWithDialer(sink event.Sink, dial func() (lineClient, error)) *Bridge {
	b := &Bridge{dial: dial}
	b.Base = hal.NewBase("firmware", sink)
	return b
}

// Connect implements hal.Controller.
func (b *Bridge) Connect(ctx context.Context) error {
	return b.ConnectWith(ctx, func(ctx context.Context) error {
		c, err := b.dial()
		if err != nil {
			return hal.Errf(hal.KindTransport, b.Name(), "connect", "%v", err)
		}
		b.conn = c
		return nil
	})
}

// Disconnect implements hal.Controller.
func (b *Bridge) Disconnect() error {
	return b.DisconnectWith(func() error {
		if b.conn == nil {
			return nil
		}
		err := b.conn.Close()
		b.conn = nil
		return err
	})
}

// WDTReset emits one heartbeat to the hardware watchdog timer.
func (b *Bridge) WDTReset(ctx context.Context) error {
	return b.ack(ctx, "wdt_reset", "WDT_RESET")
}

// LaserOn energizes the laser enable output.
func (b *Bridge) LaserOn(ctx context.Context) error {
	return b.ack(ctx, "laser_on", "LASER_ON")
}

// LaserOff de-energizes the laser enable output.
func (b *Bridge) LaserOff(ctx context.Context) error {
	return b.ack(ctx, "laser_off", "LASER_OFF")
}

// Photodiode reads the optical power verification value in milliwatts.
func (b *Bridge) Photodiode(ctx context.Context) (float64, error) {
	var v float64
	err := b.queryParse(ctx, "get_photodiode", "GET_PHOTODIODE", "PHOTODIODE:",
		func(val string) (perr error) {
			v, perr = strconv.ParseFloat(val, 64)
			return perr
		})
	return v, err
}

// Footpedal reads whether the deadman switch is actively held.
func (b *Bridge) Footpedal(ctx context.Context) (bool, error) {
	var held bool
	err := b.queryParse(ctx, "get_footpedal", "GET_FOOTPEDAL", "FOOTPEDAL:",
		func(val string) error {
			switch val {
			case "0":
				held = false
			case "1":
				held = true
			default:
				return fmt.Errorf("bad flag %q", val)
			}
			return nil
		})
	return held, err
}

// GetStatus reads the firmware's output status.
func (b *Bridge) GetStatus(ctx context.Context) (Status, error) {
	var st Status
	err := b.queryParse(ctx, "get_status", "GET_STATUS", "STATUS:",
		func(val string) error {
			parts := strings.Split(val, ",")
			if len(parts) != 3 {
				return fmt.Errorf("want 3 flags, got %d", len(parts))
			}
			var flags [3]bool
			for i, p := range parts {
				switch p {
				case "0":
					flags[i] = false
				case "1":
					flags[i] = true
				default:
					return fmt.Errorf("bad flag %q", p)
				}
			}
			st = Status{LaserOn: flags[0], MotorOn: flags[1], WatchdogOK: flags[2]}
			return nil
		})
	return st, err
}

// SetMotorSpeed starts the smoothing motor at the given speed (0-153).
func (b *Bridge) SetMotorSpeed(ctx context.Context, speed int) error {
	if speed < 0 || speed > MaxMotorSpeed {
		return hal.Errf(hal.KindRejected, b.Name(), "motor_speed",
			"speed %d out of range 0-%d", speed, MaxMotorSpeed)
	}
	return b.ack(ctx, "motor_speed", fmt.Sprintf("MOTOR_SPEED:%d", speed))
}

// MotorOff stops the smoothing motor.
func (b *Bridge) MotorOff(ctx context.Context) error {
	return b.ack(ctx, "motor_off", "MOTOR_OFF")
}

// MotorSpeed reads the current smoothing motor speed.
func (b *Bridge) MotorSpeed(ctx context.Context) (int, error) {
	var speed int
	err := b.queryParse(ctx, "get_motor_speed", "GET_MOTOR_SPEED", "MOTOR_SPEED:",
		func(val string) error {
			v, perr := strconv.Atoi(val)
			if perr != nil {
				return perr
			}
			if v < 0 || v > MaxMotorSpeed {
				return fmt.Errorf("speed %d out of range", v)
			}
			speed = v
			return nil
		})
	return speed, err
}

// AccelInit initializes the accelerometer.
func (b *Bridge) AccelInit(ctx context.Context) error {
	return b.ack(ctx, "accel_init", "ACCEL_INIT")
}

// ReadAccel reads one raw accelerometer sample.
func (b *Bridge) ReadAccel(ctx context.Context) (Accel, error) {
	var a Accel
	err := b.queryParse(ctx, "get_accel", "GET_ACCEL", "ACCEL:",
		func(val string) error {
			parts := strings.Split(val, ",")
			if len(parts) != 3 {
				return fmt.Errorf("want 3 axes, got %d", len(parts))
			}
			var vals [3]float64
			for i, p := range parts {
				v, perr := strconv.ParseFloat(p, 64)
				if perr != nil {
					return perr
				}
				vals[i] = v
			}
			a = Accel{X: vals[0], Y: vals[1], Z: vals[2]}
			return nil
		})
	return a, err
}

// VibrationLevel reads the firmware-computed vibration magnitude in g.
func (b *Bridge) VibrationLevel(ctx context.Context) (float64, error) {
	var g float64
	err := b.queryParse(ctx, "get_vibration_level", "GET_VIBRATION_LEVEL", "VIBRATION:",
		func(val string) (perr error) {
			g, perr = strconv.ParseFloat(val, 64)
			return perr
		})
	return g, err
}

// AccelCalibrate runs the firmware's accelerometer calibration routine.
func (b *Bridge) AccelCalibrate(ctx context.Context) error {
	return b.ack(ctx, "accel_calibrate", "ACCEL_CALIBRATE")
}

// SetAccelThreshold sets the vibration threshold in g.
func (b *Bridge) SetAccelThreshold(ctx context.Context, g float64) error {
	if g <= 0 {
		return hal.Errf(hal.KindRejected, b.Name(), "accel_set_threshold",
			"threshold %v must be > 0", g)
	}
	return b.ack(ctx, "accel_set_threshold", fmt.Sprintf("ACCEL_SET_THRESHOLD:%g", g))
}

// ---- protocol helpers ----

// exchange runs one round trip under the command lock. parse classifies the
// reply; its error is recorded against the command like any transport
// failure.
func (b *Bridge) exchange(ctx context.Context, op, cmd string, parse func(reply string) error) error {
	return b.Command(ctx, op, func() error {
		reply, rerr := b.conn.RoundTrip(cmd)
		if rerr != nil {
			if errors.Is(rerr, serialline.ErrTimeout) {
				return hal.Errf(hal.KindTimeout, b.Name(), op, "%v", rerr)
			}
			return hal.Errf(hal.KindTransport, b.Name(), op, "%v", rerr)
		}
		return parse(reply)
	})
}

// ack sends a command expecting "OK" or "ERR:<code>".
func (b *Bridge) ack(ctx context.Context, op, cmd string) error {
	return b.exchange(ctx, op, cmd, func(reply string) error {
		if reply == "OK" {
			return nil
		}
		if code, found := strings.CutPrefix(reply, "ERR:"); found {
			return hal.Errf(hal.KindRejected, b.Name(), op, "firmware error %s", code)
		}
		return hal.Errf(hal.KindMalformedResponse, b.Name(), op, "unexpected reply %q", reply)
	})
}

// queryParse sends a command expecting "<prefix><value>" and hands the
// value to parse. A missing prefix or a parse failure is a
// malformed-response error.
func (b *Bridge) queryParse(ctx context.Context, op, cmd, prefix string, parse func(val string) error) error {
	return b.exchange(ctx, op, cmd, func(reply string) error {
		val, found := strings.CutPrefix(reply, prefix)
		if !found {
			return hal.Errf(hal.KindMalformedResponse, b.Name(), op, "unexpected reply %q", reply)
		}
		if perr := parse(val); perr != nil {
			return hal.Errf(hal.KindMalformedResponse, b.Name(), op, "reply %q: %v", reply, perr)
		}
		return nil
	})
}
