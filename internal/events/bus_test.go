package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	ch1, cancel1 := bus.Subscribe()
	ch2, cancel2 := bus.Subscribe()
	defer cancel1()
	defer cancel2()

	bus.Emit(TypeRequest, "workspace-ws1", map[string]interface{}{"model": "gpt-4o"})

	for _, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeRequest, ev.Type)
			assert.Equal(t, "workspace-ws1", ev.Subject)
			assert.Equal(t, "gpt-4o", ev.Data["model"])
			assert.NotEmpty(t, ev.ID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()
	cancel()

	// Emitting after cancel must not panic; the channel is closed.
	bus.Emit(TypeBlocked, "s", nil)
	_, open := <-ch
	assert.False(t, open)
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Overflow the 64-slot buffer; Emit must never block.
		for i := 0; i < 200; i++ {
			bus.Emit(TypeMasked, "s", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
}

func TestNewEvent_Stamps(t *testing.T) {
	ev := NewEvent(TypeRequest, "subj", map[string]interface{}{"k": "v"})
	require.NotNil(t, ev)
	assert.WithinDuration(t, time.Now(), ev.Time, time.Second)
	assert.Contains(t, ev.ID, "ev-")
}
