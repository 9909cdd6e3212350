// Package protocol executes ordered, timed sequences of hardware actions
// against the device layer, gated at every step by the live laser-enable
// permission.
package protocol

import (
	"fmt"
	"time"
)

// Action is one step of a treatment plan. Actions are immutable once
// loaded into a Plan.
type Action interface {
	// Kind is the stable action name used in logs and metrics.
	Kind() string
	// Critical actions abort the whole plan on failure regardless of the
	// plan's stop_on_error setting.
	Critical() bool

	fmt.Stringer
}

// Move drives the linear actuator to an absolute position.
type Move struct {
	TargetMM float64
	SpeedMMS float64
}

func (Move) Kind() string   { return "move" }
func (Move) Critical() bool { return false }
func (a Move) String() string {
	return fmt.Sprintf("move to %.3f mm at %.3f mm/s", a.TargetMM, a.SpeedMMS)
}

// Wait suspends the plan for a fixed duration without occupying a device.
type Wait struct {
	Duration time.Duration
}

func (Wait) Kind() string   { return "wait" }
func (Wait) Critical() bool { return false }
func (a Wait) String() string {
	return fmt.Sprintf("wait %s", a.Duration)
}

// RampLaserPower changes laser output power linearly over a duration. A
// failed ramp leaves the laser at an unknown intermediate power, so the
// action is critical: its failure always aborts the plan.
type RampLaserPower struct {
	FromMW   float64
	ToMW     float64
	Duration time.Duration
}

func (RampLaserPower) Kind() string   { return "ramp_laser_power" }
func (RampLaserPower) Critical() bool { return true }
func (a RampLaserPower) String() string {
	return fmt.Sprintf("ramp laser %.1f -> %.1f mW over %s", a.FromMW, a.ToMW, a.Duration)
}

// SetParameter applies one named device parameter through the wiring
// layer's parameter table.
type SetParameter struct {
	Key   string
	Value string
}

func (SetParameter) Kind() string   { return "set_parameter" }
func (SetParameter) Critical() bool { return false }
func (a SetParameter) String() string {
	return fmt.Sprintf("set %s=%s", a.Key, a.Value)
}

// Plan is an ordered list of actions plus its failure policy.
type Plan struct {
	Name    string
	Actions []Action
	// StopOnError aborts the plan on any failed action. When false, failed
	// non-critical actions are logged and skipped.
	StopOnError bool
}
