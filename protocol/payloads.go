package protocol

import "time"

// PickConfirm carries the authoritative confirmed quantity for one operation.
// EntryID is the local outbox entry id and doubles as the idempotency key.
type PickConfirm struct {
	EntryID      int64     `json:"entry_id"`
	OperationID  int64     `json:"operation_id"`
	QuantityDone float64   `json:"quantity_done"`
	ConfirmedAt  time.Time `json:"confirmed_at"`
}

// DeviceHeartbeat is sent periodically by a device.
type DeviceHeartbeat struct {
	Station  string `json:"station"`
	Uptime   int64  `json:"uptime_s"`
	Queued   int    `json:"queued"`
	Unsynced int    `json:"unsynced"`
	Offline  bool   `json:"offline,omitempty"`
}

// BatchClosed tells devices a batch is finished and its cached data is stale.
type BatchClosed struct {
	BatchID int64  `json:"batch_id"`
	Reason  string `json:"reason,omitempty"`
}

// BatchReassigned moves a batch to another device.
type BatchReassigned struct {
	BatchID    int64  `json:"batch_id"`
	NewStation string `json:"new_station,omitempty"`
}
