package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emit(b *Bus, t Type) {
	b.Emit(New(t, SeverityInfo, "test", "msg", nil))
}

func TestSubscribeAllTypes(t *testing.T) {
	b := NewBus(4)
	ch, cancel := b.Subscribe()
	defer cancel()

	emit(b, TypeSafetyState)
	emit(b, TypeExecution)

	assert.Equal(t, TypeSafetyState, (<-ch).Type)
	assert.Equal(t, TypeExecution, (<-ch).Type)
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := NewBus(4)
	ch, cancel := b.Subscribe(TypeWatchdogMiss)
	defer cancel()

	emit(b, TypeSafetyState)
	emit(b, TypeWatchdogMiss)

	ev := <-ch
	assert.Equal(t, TypeWatchdogMiss, ev.Type)
	assert.Empty(t, ch, "filtered types are never delivered")
}

func TestEmitNeverBlocksOnFullSubscriber(t *testing.T) {
	b := NewBus(1)
	ch, cancel := b.Subscribe()
	defer cancel()

	// Second emit overflows the depth-1 channel and must drop, not block.
	emit(b, TypeExecution)
	emit(b, TypeExecution)

	assert.Len(t, ch, 1)
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBus(4)
	ch, cancel := b.Subscribe()

	cancel()
	cancel() // safe to repeat

	_, open := <-ch
	assert.False(t, open)

	// Emitting after cancel must not panic on the closed channel.
	emit(b, TypeExecution)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	b := NewBus(4)
	ch1, _ := b.Subscribe()
	ch2, _ := b.Subscribe(TypeSafetyState)

	b.Close()
	for _, ch := range []<-chan Event{ch1, ch2} {
		_, open := <-ch
		assert.False(t, open)
	}

	ch3, cancel := b.Subscribe()
	defer cancel()
	_, open := <-ch3
	assert.False(t, open, "subscriptions after Close are immediately closed")
}

func TestMultiSinkSkipsNil(t *testing.T) {
	var got []Event
	rec := SinkFunc(func(ev Event) { got = append(got, ev) })

	m := MultiSink{nil, rec, rec}
	m.Emit(New(TypeExecution, SeverityInfo, "test", "msg", nil))

	require.Len(t, got, 2)
}

func TestNewFillsIdentity(t *testing.T) {
	ev := New(TypeSafetyState, SeverityCritical, "safety", "armed", map[string]string{"to": "armed"})
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Time.IsZero())
	assert.Equal(t, "armed", ev.Fields["to"])
}
