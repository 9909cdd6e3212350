package hal

import (
	"context"
	"sync"
	"time"

	"github.com/photomed/lasercore/internal/event"
	"github.com/photomed/lasercore/internal/metrics"
)

// Base carries the lifecycle and diagnostics shared by every concrete
// controller: the command lock, the connection record, and the injected
// diagnostic sink. Concrete controllers embed it and route every
// device-specific command through Command.
type Base struct {
	name string
	sink event.Sink

	mu   sync.Mutex
	conn Connection
}

// NewBase creates the shared controller state. A nil sink discards
// diagnostics.
func NewBase(name string, sink event.Sink) Base {
	if sink == nil {
		sink = event.Discard
	}
	return Base{name: name, sink: sink}
}

// Name implements Controller.
func (b *Base) Name() string { return b.name }

// Status implements Controller.
func (b *Base) Status() StatusSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Snapshot(b.name)
}

// Connected reports the current connection state.
func (b *Base) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn.Connected
}

// ConnectWith runs open under the lock unless already connected (no-op
// success). On success the connection record is created.
func (b *Base) ConnectWith(ctx context.Context, open func(ctx context.Context) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn.Connected {
		return nil
	}
	if err := open(ctx); err != nil {
		b.conn.LastErrorKind = KindOf(err)
		b.emit(event.SeverityWarning, "connect failed", map[string]string{"error": err.Error()})
		return err
	}
	b.conn = Connection{Connected: true}
	b.emit(event.SeverityInfo, "connected", nil)
	return nil
}

// DisconnectWith releases the transport and resets the connection record.
// It always succeeds: release errors are reported as diagnostics only, so
// teardown can run on every exit path.
func (b *Base) DisconnectWith(release func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if release != nil {
		if err := release(); err != nil {
			b.emit(event.SeverityWarning, "transport release failed", map[string]string{"error": err.Error()})
		}
	}
	b.conn.Reset()
	b.emit(event.SeverityInfo, "disconnected", nil)
	return nil
}

// Command serializes one device command: it holds the lock for the full
// duration of fn, fails fast when not connected, updates the connection
// record, and emits one diagnostic record per attempt regardless of
// whether the caller checks the result.
func (b *Base) Command(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return Errf(KindTransport, b.name, op, "canceled: %v", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.conn.Connected {
		err := &HardwareError{Kind: KindNotConnected, Device: b.name, Op: op}
		b.recordCommand(op, err)
		return err
	}

	err := fn()
	b.recordCommand(op, err)
	return err
}

// recordCommand updates the record and emits diagnostics. Caller holds mu.
func (b *Base) recordCommand(op string, err error) {
	if err == nil {
		b.conn.LastCommandAt = time.Now()
		b.conn.LastErrorKind = ""
		metrics.RecordDeviceCommand(b.name, "ok")
		b.sink.Emit(event.New(event.TypeDeviceCommand, event.SeverityInfo, b.name,
			"command ok", map[string]string{"op": op}))
		return
	}
	kind := KindOf(err)
	if kind == "" {
		kind = KindTransport
	}
	b.conn.LastErrorKind = kind
	metrics.RecordDeviceCommand(b.name, string(kind))
	b.sink.Emit(event.New(event.TypeDeviceCommand, event.SeverityWarning, b.name,
		"command failed", map[string]string{"op": op, "kind": string(kind), "error": err.Error()}))
}

func (b *Base) emit(sev event.Severity, msg string, fields map[string]string) {
	b.sink.Emit(event.New(event.TypeDeviceConnection, sev, b.name, msg, fields))
}
