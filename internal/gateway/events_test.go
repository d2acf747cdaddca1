package gateway

import (
	"testing"
)

func TestEventBusOn(t *testing.T) {
	eb := NewEventBus(discardLogger())

	var got []Event
	unsub := eb.On("pairing.request", func(e Event) { got = append(got, e) })

	eb.Publish("pairing.request", map[string]string{"requestId": "r1"})
	eb.Publish("presence", nil)
	if len(got) != 1 || got[0].Type != "pairing.request" {
		t.Fatalf("got = %+v", got)
	}

	unsub()
	eb.Publish("pairing.request", nil)
	if len(got) != 1 {
		t.Error("handler fired after unsubscribe")
	}
}

func TestEventBusOnAll(t *testing.T) {
	eb := NewEventBus(discardLogger())

	var count int
	unsub := eb.OnAll(func(Event) { count++ })

	eb.Publish("a", nil)
	eb.Publish("b", nil)
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	unsub()
	eb.Publish("c", nil)
	if count != 2 {
		t.Error("handler fired after unsubscribe")
	}
}

func TestEventBusPanicRecovery(t *testing.T) {
	eb := NewEventBus(discardLogger())

	var delivered bool
	eb.OnAll(func(Event) { panic("boom") })
	eb.OnAll(func(Event) { delivered = true })

	eb.Publish("a", nil)
	if !delivered {
		t.Error("panicking handler stopped delivery to others")
	}
}
