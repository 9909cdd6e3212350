// Package hal defines the uniform device contract every controller
// implements, hiding transport differences (serial line protocol, Modbus
// RTU, vendor SDK) behind one capability set.
package hal

import (
	"context"
	"time"
)

// Controller is the lifecycle/diagnostics contract shared by all devices.
//
// Connect is idempotent: connecting an already-connected device is a no-op
// success. Disconnect always succeeds and always releases the underlying
// transport, even when the device is in an error state. Device-specific
// command methods serialize through the controller's own lock for their
// full duration.
type Controller interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	Status() StatusSnapshot
}

// StatusSnapshot is an immutable view of a controller's connection record.
type StatusSnapshot struct {
	Device        string
	Connected     bool
	LastCommandAt time.Time // last successful command
	LastErrorKind ErrorKind // zero value when the last command succeeded
}

// Connection is the per-controller connection record. Created on connect,
// reset on disconnect. Owned exclusively by its controller; access runs
// under the controller's command lock.
type Connection struct {
	Connected     bool
	LastCommandAt time.Time
	LastErrorKind ErrorKind
}

// Snapshot freezes the record for external readers.
func (c *Connection) Snapshot(device string) StatusSnapshot {
	return StatusSnapshot{
		Device:        device,
		Connected:     c.Connected,
		LastCommandAt: c.LastCommandAt,
		LastErrorKind: c.LastErrorKind,
	}
}

// Reset tears the record down on disconnect.
func (c *Connection) Reset() {
	*c = Connection{}
}
