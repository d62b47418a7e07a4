package engine

import "time"

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Cache events
	EventSnapshotSaved EventType = iota + 1
	EventSnapshotInvalidated
	EventBatchInvalidated

	// Confirmation events
	EventPickConfirmed

	// Sync events
	EventEntryDelivered
	EventEntryFailed
	EventEntryStuck
	EventOutboxCleaned

	// Store events
	EventStoreCleared
)

var eventNames = map[EventType]string{
	EventSnapshotSaved:       "snapshot.saved",
	EventSnapshotInvalidated: "snapshot.invalidated",
	EventBatchInvalidated:    "batch.invalidated",
	EventPickConfirmed:       "pick.confirmed",
	EventEntryDelivered:      "entry.delivered",
	EventEntryFailed:         "entry.failed",
	EventEntryStuck:          "entry.stuck",
	EventOutboxCleaned:       "outbox.cleaned",
	EventStoreCleared:        "store.cleared",
}

func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// SnapshotEvent is emitted when a zone snapshot is saved or invalidated.
type SnapshotEvent struct {
	BatchID    int64  `json:"batch_id"`
	ZoneID     string `json:"zone_id"`
	Operations int    `json:"operations"`
	FromCache  bool   `json:"from_cache,omitempty"`
}

// BatchInvalidatedEvent is emitted after a batch's snapshots are dropped.
type BatchInvalidatedEvent struct {
	BatchID   int64 `json:"batch_id"`
	Snapshots int   `json:"snapshots"`
}

// PickConfirmedEvent is emitted after a confirmation is stored and queued.
type PickConfirmedEvent struct {
	OperationID  int64   `json:"operation_id"`
	EntryID      int64   `json:"entry_id"`
	QuantityDone float64 `json:"quantity_done"`
	State        string  `json:"state"`
	Queued       bool    `json:"queued"`
}

// EntryEvent is emitted for drain outcomes of one outbox entry.
type EntryEvent struct {
	EntryID     int64  `json:"entry_id"`
	OperationID int64  `json:"operation_id"`
	RetryCount  int    `json:"retry_count"`
	Superseded  int    `json:"superseded,omitempty"`
	Error       string `json:"error,omitempty"`
}

// OutboxCleanedEvent is emitted when synced entries are removed.
type OutboxCleanedEvent struct {
	Removed int `json:"removed"`
}
