// Package event defines the core's diagnostic/audit event model and the
// in-process fan-out bus external collaborators subscribe to.
//
// Emitting an event must never block safety-critical control flow. Every
// sink in this package is either synchronous-and-cheap (audit log append)
// or buffered with drop-on-overflow semantics (bus, MQTT bridge).
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened.
type Type string

const (
	TypeSafetyState      Type = "safety.state"
	TypeSafetyBypass     Type = "safety.bypass"
	TypeSafetySession    Type = "safety.session"
	TypeInterlockChange  Type = "interlock.change"
	TypeWatchdogMiss     Type = "watchdog.miss"
	TypeWatchdogExpired  Type = "watchdog.expired"
	TypeDeviceCommand    Type = "device.command"
	TypeDeviceConnection Type = "device.connection"
	TypeExecution        Type = "execution"
)

// Severity ranks events for consumers. Critical is reserved for safety
// transitions, bypass grants and watchdog expiry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one append-only diagnostic record.
type Event struct {
	ID        string            `json:"id"`
	Time      time.Time         `json:"time"`
	Type      Type              `json:"type"`
	Severity  Severity          `json:"severity"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// New builds an event with a fresh ID and the current wall clock.
func New(t Type, sev Severity, component, message string, fields map[string]string) Event {
	return Event{
		ID:        uuid.NewString(),
		Time:      time.Now(),
		Type:      t,
		Severity:  sev,
		Component: component,
		Message:   message,
		Fields:    fields,
	}
}

// Sink receives events. Implementations must not block the caller.
type Sink interface {
	Emit(Event)
}

// SinkFunc is the func form of Sink.
type SinkFunc func(Event)

// Emit implements Sink.
func (f SinkFunc) Emit(ev Event) { f(ev) }

// Discard is a Sink that drops everything. Useful as a constructor default.
var Discard Sink = SinkFunc(func(Event) {})

// MultiSink fans one event out to several sinks in order.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}
