package hal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photomed/lasercore/internal/event"
)

type recordSink struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recordSink) Emit(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordSink) count(t event.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func connect(t *testing.T, b *Base) {
	t.Helper()
	require.NoError(t, b.ConnectWith(context.Background(), func(context.Context) error { return nil }))
}

func TestConnectIsIdempotent(t *testing.T) {
	b := NewBase("dev", nil)
	opens := 0
	open := func(context.Context) error { opens++; return nil }

	require.NoError(t, b.ConnectWith(context.Background(), open))
	require.NoError(t, b.ConnectWith(context.Background(), open))
	assert.Equal(t, 1, opens, "second connect on a connected device is a no-op success")
	assert.True(t, b.Connected())
}

func TestConnectFailureRecordsKind(t *testing.T) {
	b := NewBase("dev", nil)
	err := b.ConnectWith(context.Background(), func(context.Context) error {
		return Errf(KindTransport, "dev", "open", "port busy")
	})
	require.Error(t, err)
	assert.False(t, b.Connected())
	assert.Equal(t, KindTransport, b.Status().LastErrorKind)
}

func TestDisconnectAlwaysSucceeds(t *testing.T) {
	b := NewBase("dev", nil)
	connect(t, &b)

	err := b.DisconnectWith(func() error { return errors.New("port wedged") })
	require.NoError(t, err, "disconnect succeeds even when the transport release fails")
	assert.False(t, b.Connected())

	// And again, already disconnected.
	require.NoError(t, b.DisconnectWith(nil))
}

func TestCommandFailsFastWhenNotConnected(t *testing.T) {
	b := NewBase("dev", nil)
	ran := false
	err := b.Command(context.Background(), "ping", func() error { ran = true; return nil })
	require.True(t, IsKind(err, KindNotConnected))
	assert.False(t, ran)
}

func TestCommandSerializesConcurrentCalls(t *testing.T) {
	b := NewBase("dev", nil)
	connect(t, &b)

	var inFlight, maxInFlight int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Command(context.Background(), "op", func() error {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inFlight--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInFlight, "the controller lock covers the full command duration")
}

func TestCommandUpdatesConnectionRecord(t *testing.T) {
	b := NewBase("dev", nil)
	connect(t, &b)

	require.NoError(t, b.Command(context.Background(), "ok", func() error { return nil }))
	snap := b.Status()
	assert.False(t, snap.LastCommandAt.IsZero())
	assert.Empty(t, snap.LastErrorKind)

	err := b.Command(context.Background(), "bad", func() error {
		return Errf(KindTimeout, "dev", "bad", "no reply")
	})
	require.True(t, IsKind(err, KindTimeout))
	assert.Equal(t, KindTimeout, b.Status().LastErrorKind)
}

func TestEveryCommandAttemptEmitsDiagnostic(t *testing.T) {
	sink := &recordSink{}
	b := NewBase("dev", sink)
	connect(t, &b)

	_ = b.Command(context.Background(), "a", func() error { return nil })
	_ = b.Command(context.Background(), "b", func() error { return Errf(KindTimeout, "dev", "b", "x") })
	b.DisconnectWith(nil)
	_ = b.Command(context.Background(), "c", func() error { return nil })

	assert.Equal(t, 3, sink.count(event.TypeDeviceCommand),
		"success, failure and not-connected all produce one record each")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(Errf(KindTimeout, "d", "o", "x")))
	wrapped := errors.Join(errors.New("outer"), Errf(KindRejected, "d", "o", "x"))
	assert.Equal(t, KindRejected, KindOf(wrapped))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, KindTimeout))
}
