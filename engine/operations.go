package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"pickedge/backend"
	"pickedge/cache"
	"pickedge/messaging"
	"pickedge/outbox"
	"pickedge/protocol"
	"pickedge/store"
)

// Stats are the counters the application shows the operator.
type Stats struct {
	Snapshots      int  `json:"snapshots"`
	Operations     int  `json:"operations"`
	Queued         int  `json:"queued"`
	Unsynced       int  `json:"unsynced"`
	OfflineEnabled bool `json:"offline_enabled"`
}

// ZoneView is the result of opening a zone.
type ZoneView struct {
	Snapshot  *cache.Snapshot `json:"snapshot"`
	FromCache bool            `json:"from_cache"`
}

// SaveSnapshot replaces the cached snapshot of one zone.
func (e *Engine) SaveSnapshot(ctx context.Context, batchID int64, zoneID string, locations []cache.Location, opsByLocation map[string][]cache.Operation) (*cache.Snapshot, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}
	snap, err := e.cache.SaveSnapshot(ctx, batchID, zoneID, locations, opsByLocation)
	if err != nil {
		return nil, err
	}
	e.Events.Emit(Event{Type: EventSnapshotSaved, Payload: SnapshotEvent{
		BatchID: batchID, ZoneID: zoneID, Operations: snap.OperationCount(),
	}})
	return snap, nil
}

// LoadSnapshot returns the cached snapshot, or nil when none exists.
func (e *Engine) LoadSnapshot(ctx context.Context, batchID int64, zoneID string) (*cache.Snapshot, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}
	return e.cache.LoadSnapshot(ctx, batchID, zoneID)
}

// InvalidateSnapshot drops one cached zone.
func (e *Engine) InvalidateSnapshot(ctx context.Context, batchID int64, zoneID string) error {
	if err := e.requireStore(); err != nil {
		return err
	}
	if err := e.cache.InvalidateSnapshot(ctx, batchID, zoneID); err != nil {
		return err
	}
	e.Events.Emit(Event{Type: EventSnapshotInvalidated, Payload: SnapshotEvent{BatchID: batchID, ZoneID: zoneID}})
	return nil
}

// InvalidateBatch drops every cached zone of a batch.
func (e *Engine) InvalidateBatch(ctx context.Context, batchID int64) (int, error) {
	if err := e.requireStore(); err != nil {
		return 0, err
	}
	n, err := e.cache.InvalidateBatch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	e.Events.Emit(Event{Type: EventBatchInvalidated, Payload: BatchInvalidatedEvent{BatchID: batchID, Snapshots: n}})
	return n, nil
}

// GetOperation returns one cached operation, or nil when it is not cached.
func (e *Engine) GetOperation(ctx context.Context, id int64) (*cache.Operation, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}
	return e.cache.GetOperation(ctx, id)
}

// OpenZone returns fresh zone data when the upstream source answers, caching
// it, and falls back to the cached snapshot otherwise. The source is asked once.
func (e *Engine) OpenZone(ctx context.Context, batchID int64, zoneID string) (*ZoneView, error) {
	if e.source != nil {
		z, err := e.source.FetchZone(ctx, batchID, zoneID)
		switch {
		case err == nil:
			if !e.OfflineEnabled() {
				return &ZoneView{Snapshot: cache.BuildSnapshot(batchID, zoneID, z.Locations, z.Operations, time.Now().UTC())}, nil
			}
			snap, err := e.SaveSnapshot(ctx, batchID, zoneID, z.Locations, z.Operations)
			if err != nil {
				return nil, err
			}
			return &ZoneView{Snapshot: snap}, nil
		case errors.Is(err, backend.ErrNotFound):
			return nil, fmt.Errorf("zone %d/%s: %w", batchID, zoneID, ErrZoneNotFound)
		default:
			e.debugFn("open zone %d/%s: upstream unavailable, trying cache: %v", batchID, zoneID, err)
		}
	}

	if err := e.requireStore(); err != nil {
		return nil, err
	}
	snap, err := e.cache.LoadSnapshot(ctx, batchID, zoneID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("zone %d/%s: %w", batchID, zoneID, ErrZoneNotFound)
	}
	e.Events.Emit(Event{Type: EventSnapshotSaved, Payload: SnapshotEvent{
		BatchID: batchID, ZoneID: zoneID, Operations: snap.OperationCount(), FromCache: true,
	}})
	return &ZoneView{Snapshot: snap, FromCache: true}, nil
}

// ConfirmPick records the operator's confirmed quantity for an operation. The
// operation record and a new outbox entry are written in one transaction.
// In online-only mode the confirmation goes straight to the transport.
func (e *Engine) ConfirmPick(ctx context.Context, operationID int64, quantityDone float64) (*outbox.Entry, error) {
	if !validQuantity(quantityDone) {
		return nil, fmt.Errorf("confirm operation %d: %w: %v", operationID, ErrInvalidQuantity, quantityDone)
	}
	if !e.OfflineEnabled() {
		return e.confirmOnline(ctx, operationID, quantityDone)
	}

	var op *cache.Operation
	var entry *outbox.Entry
	err := e.db.Update(ctx, func(tx *store.Tx) error {
		var err error
		op, err = e.cache.ConfirmQuantityTx(tx, operationID, quantityDone)
		if err != nil {
			return err
		}
		if op == nil {
			return ErrUnknownOperation
		}
		entry, err = e.queue.EnqueueTx(tx, operationID, quantityDone)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("confirm operation %d: %w", operationID, err)
	}

	e.debugFn("confirmed operation %d: qty=%v state=%s entry=%d", operationID, quantityDone, op.State, entry.ID)
	e.Events.Emit(Event{Type: EventPickConfirmed, Payload: PickConfirmedEvent{
		OperationID: operationID, EntryID: entry.ID, QuantityDone: quantityDone, State: string(op.State), Queued: true,
	}})
	return entry, nil
}

func (e *Engine) confirmOnline(ctx context.Context, operationID int64, quantityDone float64) (*outbox.Entry, error) {
	if e.transport == nil {
		return nil, store.ErrStorageUnavailable
	}
	now := time.Now().UTC()
	c := &protocol.PickConfirm{
		EntryID:      now.UnixNano(),
		OperationID:  operationID,
		QuantityDone: quantityDone,
		ConfirmedAt:  now,
	}
	if err := e.transport.Deliver(ctx, c); err != nil {
		return nil, fmt.Errorf("confirm operation %d online: %w", operationID, err)
	}
	e.Events.Emit(Event{Type: EventPickConfirmed, Payload: PickConfirmedEvent{
		OperationID: operationID, EntryID: c.EntryID, QuantityDone: quantityDone,
	}})
	return &outbox.Entry{
		ID: c.EntryID, OperationID: operationID, QuantityDone: quantityDone,
		CreatedAt: now, Synced: true, SyncedAt: &now,
	}, nil
}

// Enqueue appends an outbox entry for a cached operation without touching
// the operation record.
func (e *Engine) Enqueue(ctx context.Context, operationID int64, quantityDone float64) (*outbox.Entry, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}
	if !validQuantity(quantityDone) {
		return nil, fmt.Errorf("enqueue operation %d: %w: %v", operationID, ErrInvalidQuantity, quantityDone)
	}
	var entry *outbox.Entry
	err := e.db.Update(ctx, func(tx *store.Tx) error {
		op, err := e.cache.OperationTx(tx, operationID)
		if err != nil {
			return err
		}
		if op == nil {
			return ErrUnknownOperation
		}
		entry, err = e.queue.EnqueueTx(tx, operationID, quantityDone)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue operation %d: %w", operationID, err)
	}
	return entry, nil
}

func validQuantity(q float64) bool {
	return q >= 0 && !math.IsNaN(q) && !math.IsInf(q, 0)
}

// ListUnsynced returns every entry not yet acknowledged.
func (e *Engine) ListUnsynced(ctx context.Context) ([]outbox.Entry, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}
	return e.queue.ListUnsynced(ctx)
}

// GetEntry returns one outbox entry, or nil when it does not exist.
func (e *Engine) GetEntry(ctx context.Context, id int64) (*outbox.Entry, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}
	return e.queue.Get(ctx, id)
}

// Acknowledge marks one entry synced.
func (e *Engine) Acknowledge(ctx context.Context, id int64) (bool, error) {
	if err := e.requireStore(); err != nil {
		return false, err
	}
	return e.queue.Acknowledge(ctx, id)
}

// RecordFailure counts a failed delivery attempt.
func (e *Engine) RecordFailure(ctx context.Context, id int64, cause error) (*outbox.Entry, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}
	return e.queue.RecordFailure(ctx, id, cause)
}

// Cleanup removes synced entries older than maxAgeMinutes.
func (e *Engine) Cleanup(ctx context.Context, maxAgeMinutes int) (int, error) {
	if err := e.requireStore(); err != nil {
		return 0, err
	}
	n, err := e.queue.Cleanup(ctx, maxAgeMinutes)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.Events.Emit(Event{Type: EventOutboxCleaned, Payload: OutboxCleanedEvent{Removed: n}})
	}
	return n, nil
}

// Sync runs one reconciliation pass now instead of waiting for the ticker.
func (e *Engine) Sync(ctx context.Context) (messaging.DrainResult, error) {
	if err := e.requireStore(); err != nil {
		return messaging.DrainResult{}, err
	}
	if e.drainer == nil {
		return messaging.DrainResult{}, ErrNoTransport
	}
	return e.drainer.Drain(ctx)
}

// SetMetadata stores an application fact.
func (e *Engine) SetMetadata(ctx context.Context, key string, value any) error {
	if err := e.requireStore(); err != nil {
		return err
	}
	return e.db.SetMetadata(ctx, key, value)
}

// GetMetadata returns the fact under key, or nil when unset.
func (e *Engine) GetMetadata(ctx context.Context, key string) (*store.MetadataEntry, error) {
	if err := e.requireStore(); err != nil {
		return nil, err
	}
	return e.db.GetMetadataEntry(ctx, key)
}

// ClearAll empties every partition in one transaction. Outbox ids keep
// counting up afterwards so idempotency keys are never reused.
func (e *Engine) ClearAll(ctx context.Context) error {
	if err := e.requireStore(); err != nil {
		return err
	}
	err := e.db.Update(ctx, func(tx *store.Tx) error {
		for _, p := range store.Partitions {
			if err := tx.Clear(p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear all: %w", err)
	}
	e.logFn("local store cleared")
	e.Events.Emit(Event{Type: EventStoreCleared})
	return nil
}

// Stats counts snapshots, operations, queued and unsynced entries. In
// online-only mode it returns zero counts with OfflineEnabled false.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	if !e.OfflineEnabled() {
		if e.metrics != nil {
			e.metrics.SetOffline(true)
		}
		return Stats{}, nil
	}
	s := Stats{OfflineEnabled: true}
	err := e.db.View(ctx, func(tx *store.Tx) error {
		var err error
		if s.Snapshots, err = tx.Count(store.PartitionSnapshots); err != nil {
			return err
		}
		if s.Operations, err = tx.Count(store.PartitionOperations); err != nil {
			return err
		}
		q, err := e.queue.StatsTx(tx)
		s.Queued, s.Unsynced = q.Queued, q.Unsynced
		return err
	})
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if e.metrics != nil {
		e.metrics.SetOffline(false)
		e.metrics.SetStats(s.Snapshots, s.Operations, s.Queued, s.Unsynced)
	}
	return s, nil
}

// OutboxStats reports queue counters for the heartbeat.
func (e *Engine) OutboxStats(ctx context.Context) (outbox.Stats, error) {
	if err := e.requireStore(); err != nil {
		return outbox.Stats{}, err
	}
	return e.queue.Stats(ctx)
}
