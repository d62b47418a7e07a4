package engine

import "testing"

func TestEventBusFilterAndUnsubscribe(t *testing.T) {
	eb := NewEventBus()
	var all, confirmed int
	eb.Subscribe(func(Event) { all++ })
	id := eb.SubscribeTypes(func(Event) { confirmed++ }, EventPickConfirmed)

	eb.Emit(Event{Type: EventPickConfirmed})
	eb.Emit(Event{Type: EventSnapshotSaved})
	if all != 2 || confirmed != 1 {
		t.Errorf("all=%d confirmed=%d, want 2 and 1", all, confirmed)
	}

	eb.Unsubscribe(id)
	eb.Emit(Event{Type: EventPickConfirmed})
	if confirmed != 1 {
		t.Errorf("unsubscribed handler still called: %d", confirmed)
	}
}

func TestEventBusStampsAndSurvivesPanic(t *testing.T) {
	eb := NewEventBus()
	var got Event
	eb.Subscribe(func(Event) { panic("boom") })
	eb.Subscribe(func(evt Event) { got = evt })

	eb.Emit(Event{Type: EventStoreCleared})
	if got.Type != EventStoreCleared {
		t.Fatal("subscriber after a panicking one was not called")
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp should be stamped")
	}
}

func TestEventTypeString(t *testing.T) {
	if EventEntryStuck.String() != "entry.stuck" {
		t.Errorf("String = %q", EventEntryStuck.String())
	}
	if EventType(999).String() != "unknown" {
		t.Error("unknown type should stringify as unknown")
	}
}
