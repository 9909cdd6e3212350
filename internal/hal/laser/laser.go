// Package laser controls the treatment laser driver over its text-line
// serial protocol. The driver sets optical power; the actual enable gate
// is the firmware bridge's interlocked laser output.
package laser

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

// lineClient is the exact transport contract the driver uses.
type lineClient interface {
	RoundTrip(cmd string) (string, error)
	Close() error
}

// Config is the driver's serial config.
type Config struct {
	Address  string
	BaudRate int
	Timeout  time.Duration
	// MaxPowerMW is the driver's hardware limit, not the treatment ceiling.
	MaxPowerMW float64
}

// Driver is the laser driver controller.
type Driver struct {
	hal.Base

	maxPower float64
	dial     func() (lineClient, error)
	conn     lineClient
}

// New creates a driver that opens the configured serial port on Connect.
func New(cfg Config, sink event.Sink) *Driver {
	return NewWithDialer(cfg.MaxPowerMW, sink, func() (lineClient, error) {
		return serialline.Open(serialline.Config{
			Address:  cfg.Address,
			BaudRate: cfg.BaudRate,
			Timeout:  cfg.Timeout,
		})
	})
}

// NewWithDialer injects the transport factory for tests.
func NewWithDialer(maxPowerMW float64, sink event.Sink, dial func() (lineClient, error)) *Driver {
	d := &Driver{maxPower: maxPowerMW, dial: dial}
	d.Base = hal.NewBase("laser", sink)
	return d
}

// Connect implements hal.Controller.
func (d *Driver) Connect(ctx context.Context) error {
	return d.ConnectWith(ctx, func(ctx context.Context) error {
		c, err := d.dial()
		if err != nil {
			return hal.Errf(hal.KindTransport, d.Name(), "connect", "%v", err)
		}
		d.conn = c
		return nil
	})
}

// Disconnect implements hal.Controller.
func (d *Driver) Disconnect() error {
	return d.DisconnectWith(func() error {
		if d.conn == nil {
			return nil
		}
		err := d.conn.Close()
		d.conn = nil
		return err
	})
}

// Enable arms the driver output stage.
func (d *Driver) Enable(ctx context.Context) error {
	return d.ack(ctx, "enable", "ON")
}

// Disable shuts the driver output stage off.
func (d *Driver) Disable(ctx context.Context) error {
	return d.ack(ctx, "disable", "OFF")
}

// SetPower sets the optical power setpoint in milliwatts.
func (d *Driver) SetPower(ctx context.Context, mw float64) error {
	if mw < 0 || (d.maxPower > 0 && mw > d.maxPower) {
		return hal.Errf(hal.KindRejected, d.Name(), "set_power",
			"power %.1f mW out of range 0-%.1f", mw, d.maxPower)
	}
	return d.ack(ctx, "set_power", fmt.Sprintf("POWER:%.1f", mw))
}

// Power reads the current power setpoint in milliwatts.
func (d *Driver) Power(ctx context.Context) (float64, error) {
	var mw float64
	err := d.Command(ctx, "get_power", func() error {
		reply, rerr := d.conn.RoundTrip("GET_POWER")
		if rerr != nil {
			return d.classify("get_power", rerr)
		}
		val, found := strings.CutPrefix(reply, "POWER:")
		if !found {
			return hal.Errf(hal.KindMalformedResponse, d.Name(), "get_power", "unexpected reply %q", reply)
		}
		v, perr := strconv.ParseFloat(val, 64)
		if perr != nil {
			return hal.Errf(hal.KindMalformedResponse, d.Name(), "get_power", "reply %q: %v", reply, perr)
		}
		mw = v
		return nil
	})
	return mw, err
}

func (d *Driver) ack(ctx context.Context, op, cmd string) error {
	return d.Command(ctx, op, func() error {
		reply, rerr := d.conn.RoundTrip(cmd)
		if rerr != nil {
			return d.classify(op, rerr)
		}
		if reply == "OK" {
			return nil
		}
		if code, found := strings.CutPrefix(reply, "ERR:"); found {
			return hal.Errf(hal.KindRejected, d.Name(), op, "driver error %s", code)
		}
		return hal.Errf(hal.KindMalformedResponse, d.Name(), op, "unexpected reply %q", reply)
	})
}

func (d *Driver) classify(op string, err error) error {
	if errors.Is(err, serialline.ErrTimeout) {
		return hal.Errf(hal.KindTimeout, d.Name(), op, "%v", err)
	}
	return hal.Errf(hal.KindTransport, d.Name(), op, "%v", err)
}
