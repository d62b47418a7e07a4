package engine

import "pickedge/outbox"

// syncEmitter adapts the engine's EventBus to the messaging.EventEmitter interface.
type syncEmitter struct {
	bus *EventBus
}

func (e *syncEmitter) EmitEntryDelivered(entry outbox.Entry, superseded int) {
	e.bus.Emit(Event{Type: EventEntryDelivered, Payload: EntryEvent{
		EntryID: entry.ID, OperationID: entry.OperationID, RetryCount: entry.RetryCount, Superseded: superseded,
	}})
}

func (e *syncEmitter) EmitEntryFailed(entry outbox.Entry, err error) {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	e.bus.Emit(Event{Type: EventEntryFailed, Payload: EntryEvent{
		EntryID: entry.ID, OperationID: entry.OperationID, RetryCount: entry.RetryCount, Error: errStr,
	}})
}

func (e *syncEmitter) EmitEntryStuck(entry outbox.Entry) {
	e.bus.Emit(Event{Type: EventEntryStuck, Payload: EntryEvent{
		EntryID: entry.ID, OperationID: entry.OperationID, RetryCount: entry.RetryCount, Error: entry.LastError,
	}})
}

func (e *syncEmitter) EmitOutboxCleaned(removed int) {
	e.bus.Emit(Event{Type: EventOutboxCleaned, Payload: OutboxCleanedEvent{Removed: removed}})
}
