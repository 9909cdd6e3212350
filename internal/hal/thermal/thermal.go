// Package thermal controls the thermo-electric cooler (TEC) that holds the
// treatment head at temperature. The TEC speaks Modbus RTU: setpoint and
// readback in holding registers (centi-degrees C), output enable as a
// coil, over-temperature alarm as a discrete input.
package thermal

import (
	"context"
	"io"
	"time"

	"github.com/goburrow/modbus"

	"github.com/photomed/lasercore/internal/event"
	"github.com/photomed/lasercore/internal/hal"
)

// Register map (fixed by the TEC firmware).
const (
	regSetpoint    uint16 = 0x0000 // RW, centi-degC
	regReadback    uint16 = 0x0001 // RO, centi-degC
	coilOutput     uint16 = 0x0000 // RW, output stage enable
	inputOverTemp  uint16 = 0x0000 // RO, over-temperature alarm
	coilOnValue    uint16 = 0xFF00
	coilOffValue   uint16 = 0x0000
	centiPerDegree        = 100.0
)

// modbusClient is the exact contract the controller uses.
type modbusClient interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
}

// Config is the TEC's Modbus RTU config.
type Config struct {
	Address  string // serial device path
	BaudRate int
	UnitID   byte
	Timeout  time.Duration
}

// TEC is the thermal controller.
type TEC struct {
	hal.Base

	dial   func() (modbusClient, io.Closer, error)
	client modbusClient
	closer io.Closer
}

// New creates a TEC controller that opens Modbus RTU on Connect.
func New(cfg Config, sink event.Sink) *TEC {
	return NewWithDialer(sink, func() (modbusClient, io.Closer, error) {
		handler := modbus.NewRTUClientHandler(cfg.Address)
		handler.BaudRate = cfg.BaudRate
		handler.DataBits = 8
		handler.Parity = "N"
		handler.StopBits = 1
		handler.SlaveId = cfg.UnitID
		handler.Timeout = cfg.Timeout
		if err := handler.Connect(); err != nil {
			return nil, nil, err
		}
		return modbus.NewClient(handler), handler, nil
	})
}

// NewWithDialer injects the Modbus client factory for tests.
func NewWithDialer(sink event.Sink, dial func() (modbusClient, io.Closer, error)) *TEC {
	t := &TEC{dial: dial}
	t.Base = hal.NewBase("thermal", sink)
	return t
}

// Connect implements hal.Controller.
func (t *TEC) Connect(ctx context.Context) error {
	return t.ConnectWith(ctx, func(ctx context.Context) error {
		client, closer, err := t.dial()
		if err != nil {
			return hal.Errf(hal.KindTransport, t.Name(), "connect", "%v", err)
		}
		t.client = client
		t.closer = closer
		return nil
	})
}

// Disconnect implements hal.Controller.
func (t *TEC) Disconnect() error {
	return t.DisconnectWith(func() error {
		t.client = nil
		if t.closer == nil {
			return nil
		}
		err := t.closer.Close()
		t.closer = nil
		return err
	})
}

// SetSetpoint writes the temperature setpoint in degrees C.
func (t *TEC) SetSetpoint(ctx context.Context, degC float64) error {
	if degC < 0 || degC > 655.35 {
		return hal.Errf(hal.KindRejected, t.Name(), "set_setpoint",
			"setpoint %v out of register range", degC)
	}
	return t.Command(ctx, "set_setpoint", func() error {
		_, err := t.client.WriteSingleRegister(regSetpoint, uint16(degC*centiPerDegree))
		return t.wrap("set_setpoint", err)
	})
}

// Temperature reads the current head temperature in degrees C.
func (t *TEC) Temperature(ctx context.Context) (float64, error) {
	var degC float64
	err := t.Command(ctx, "get_temperature", func() error {
		raw, rerr := t.client.ReadHoldingRegisters(regReadback, 1)
		if rerr != nil {
			return t.wrap("get_temperature", rerr)
		}
		if len(raw) != 2 {
			return hal.Errf(hal.KindMalformedResponse, t.Name(), "get_temperature",
				"want 2 bytes, got %d", len(raw))
		}
		degC = float64(uint16(raw[0])<<8|uint16(raw[1])) / centiPerDegree
		return nil
	})
	return degC, err
}

// EnableOutput switches the cooling output stage on or off.
func (t *TEC) EnableOutput(ctx context.Context, on bool) error {
	value := coilOffValue
	if on {
		value = coilOnValue
	}
	return t.Command(ctx, "enable_output", func() error {
		_, err := t.client.WriteSingleCoil(coilOutput, value)
		return t.wrap("enable_output", err)
	})
}

// OverTemperature reads the TEC's over-temperature alarm input.
func (t *TEC) OverTemperature(ctx context.Context) (bool, error) {
	var alarm bool
	err := t.Command(ctx, "get_overtemp", func() error {
		raw, rerr := t.client.ReadDiscreteInputs(inputOverTemp, 1)
		if rerr != nil {
			return t.wrap("get_overtemp", rerr)
		}
		if len(raw) < 1 {
			return hal.Errf(hal.KindMalformedResponse, t.Name(), "get_overtemp", "empty reply")
		}
		alarm = raw[0]&0x01 != 0
		return nil
	})
	return alarm, err
}

// wrap classifies Modbus transport errors into the HAL contract.
func (t *TEC) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return hal.Errf(hal.KindTimeout, t.Name(), op, "%v", err)
	}
	if _, ok := err.(*modbus.ModbusError); ok {
		return hal.Errf(hal.KindRejected, t.Name(), op, "%v", err)
	}
	return hal.Errf(hal.KindTransport, t.Name(), op, "%v", err)
}
