// Package cache stores whole-zone snapshots and the operation records they carry.
package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"pickedge/store"
)

const (
	indexBatchID    = "batch_id"
	indexLocationID = "location_id"
)

// Manager reads and writes zone snapshots as a unit.
type Manager struct {
	db  *store.DB
	now func() time.Time
}

// NewManager creates a cache manager over db.
func NewManager(db *store.DB) *Manager {
	return &Manager{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func snapshotKey(batchID int64, zoneID string) string {
	return store.SeqKey(batchID) + ":" + zoneID
}

func operationIndexes(op *Operation) map[string]string {
	return map[string]string{
		indexLocationID: op.LocationID,
		indexBatchID:    store.IndexInt(op.BatchID),
	}
}

// SaveSnapshot replaces the snapshot for (batchID, zoneID) and overwrites every
// operation record it carries, all in one transaction.
func (m *Manager) SaveSnapshot(ctx context.Context, batchID int64, zoneID string, locations []Location, opsByLocation map[string][]Operation) (*Snapshot, error) {
	if zoneID == "" {
		return nil, fmt.Errorf("save snapshot: zone id is empty")
	}
	snap := BuildSnapshot(batchID, zoneID, locations, opsByLocation, m.now())

	err := m.db.Update(ctx, func(tx *store.Tx) error {
		if err := dropReplacedOperations(tx, snap); err != nil {
			return err
		}
		if err := tx.PutJSON(store.PartitionSnapshots, snapshotKey(batchID, zoneID), snap,
			map[string]string{indexBatchID: store.IndexInt(batchID)}); err != nil {
			return err
		}
		for _, ops := range snap.Operations {
			for i := range ops {
				if err := tx.PutJSON(store.PartitionOperations, store.SeqKey(ops[i].ID), &ops[i], operationIndexes(&ops[i])); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save snapshot %d/%s: %w", batchID, zoneID, err)
	}
	log.Printf("cache: saved snapshot batch=%d zone=%s locations=%d operations=%d",
		batchID, zoneID, len(snap.Locations), snap.OperationCount())
	return snap, nil
}

// dropReplacedOperations deletes the operation records of the snapshot being
// replaced by snap that the new capture no longer carries.
func dropReplacedOperations(tx *store.Tx, snap *Snapshot) error {
	var prev Snapshot
	ok, err := tx.GetJSON(store.PartitionSnapshots, snapshotKey(snap.BatchID, snap.ZoneID), &prev)
	if err != nil || !ok {
		return err
	}
	keep := make(map[int64]bool, snap.OperationCount())
	for _, ops := range snap.Operations {
		for _, op := range ops {
			keep[op.ID] = true
		}
	}
	for _, ops := range prev.Operations {
		for _, op := range ops {
			if keep[op.ID] {
				continue
			}
			if err := tx.Delete(store.PartitionOperations, store.SeqKey(op.ID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// BuildSnapshot assembles a snapshot captured at now, filling each operation's
// location, batch, state and timestamp where the source left them empty.
func BuildSnapshot(batchID int64, zoneID string, locations []Location, opsByLocation map[string][]Operation, now time.Time) *Snapshot {
	snap := &Snapshot{
		BatchID:    batchID,
		ZoneID:     zoneID,
		Locations:  append([]Location(nil), locations...),
		Operations: make(map[string][]Operation, len(opsByLocation)),
		CapturedAt: now,
	}
	for locID, ops := range opsByLocation {
		out := make([]Operation, len(ops))
		for i, op := range ops {
			if op.LocationID == "" {
				op.LocationID = locID
			}
			if op.BatchID == 0 {
				op.BatchID = batchID
			}
			if op.State == "" {
				op.State = DeriveState(op.QuantityRequested, op.QuantityDone)
			}
			if op.UpdatedAt.IsZero() {
				op.UpdatedAt = now
			}
			out[i] = op
		}
		snap.Operations[locID] = out
	}
	return snap
}

// LoadSnapshot returns the snapshot for (batchID, zoneID), or nil when none is cached.
func (m *Manager) LoadSnapshot(ctx context.Context, batchID int64, zoneID string) (*Snapshot, error) {
	rec, err := m.db.Get(ctx, store.PartitionSnapshots, snapshotKey(batchID, zoneID))
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d/%s: %w", batchID, zoneID, err)
	}
	if rec == nil {
		return nil, nil
	}
	var snap Snapshot
	if err := rec.Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// InvalidateSnapshot deletes one snapshot. Missing snapshots are ignored.
func (m *Manager) InvalidateSnapshot(ctx context.Context, batchID int64, zoneID string) error {
	if err := m.db.Delete(ctx, store.PartitionSnapshots, snapshotKey(batchID, zoneID)); err != nil {
		return fmt.Errorf("invalidate snapshot %d/%s: %w", batchID, zoneID, err)
	}
	return nil
}

// InvalidateBatch deletes every snapshot of batchID together with the batch's
// operation records. It returns the number of snapshots removed.
func (m *Manager) InvalidateBatch(ctx context.Context, batchID int64) (int, error) {
	var removed int
	err := m.db.Update(ctx, func(tx *store.Tx) error {
		snaps, err := tx.Query(store.PartitionSnapshots, indexBatchID, store.IndexInt(batchID))
		if err != nil {
			return err
		}
		for _, rec := range snaps {
			if err := tx.Delete(store.PartitionSnapshots, rec.Key); err != nil {
				return err
			}
		}
		ops, err := tx.Query(store.PartitionOperations, indexBatchID, store.IndexInt(batchID))
		if err != nil {
			return err
		}
		for _, rec := range ops {
			if err := tx.Delete(store.PartitionOperations, rec.Key); err != nil {
				return err
			}
		}
		removed = len(snaps)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("invalidate batch %d: %w", batchID, err)
	}
	log.Printf("cache: invalidated batch=%d snapshots=%d", batchID, removed)
	return removed, nil
}

// GetOperation returns one operation record, or nil when it is not cached.
func (m *Manager) GetOperation(ctx context.Context, id int64) (*Operation, error) {
	var op *Operation
	err := m.db.View(ctx, func(tx *store.Tx) error {
		var err error
		op, err = getOperation(tx, id)
		return err
	})
	return op, err
}

// OperationTx is GetOperation inside an existing transaction.
func (m *Manager) OperationTx(tx *store.Tx, id int64) (*Operation, error) {
	return getOperation(tx, id)
}

func getOperation(tx *store.Tx, id int64) (*Operation, error) {
	var op Operation
	ok, err := tx.GetJSON(store.PartitionOperations, store.SeqKey(id), &op)
	if err != nil || !ok {
		return nil, err
	}
	return &op, nil
}

// OperationsByLocation returns the cached operations at a location.
func (m *Manager) OperationsByLocation(ctx context.Context, locationID string) ([]Operation, error) {
	return m.queryOperations(ctx, indexLocationID, locationID)
}

// OperationsByBatch returns the cached operations of a batch.
func (m *Manager) OperationsByBatch(ctx context.Context, batchID int64) ([]Operation, error) {
	return m.queryOperations(ctx, indexBatchID, store.IndexInt(batchID))
}

func (m *Manager) queryOperations(ctx context.Context, index, value string) ([]Operation, error) {
	recs, err := m.db.Query(ctx, store.PartitionOperations, index, value)
	if err != nil {
		return nil, err
	}
	ops := make([]Operation, 0, len(recs))
	for _, rec := range recs {
		var op Operation
		if err := rec.Decode(&op); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// ConfirmQuantityTx overwrites the confirmed quantity of one operation inside tx.
// It returns nil when the operation has never been cached.
func (m *Manager) ConfirmQuantityTx(tx *store.Tx, id int64, quantityDone float64) (*Operation, error) {
	op, err := getOperation(tx, id)
	if err != nil || op == nil {
		return nil, err
	}
	op.QuantityDone = quantityDone
	op.State = DeriveState(op.QuantityRequested, quantityDone)
	op.UpdatedAt = m.now()
	if err := tx.PutJSON(store.PartitionOperations, store.SeqKey(op.ID), op, operationIndexes(op)); err != nil {
		return nil, err
	}
	return op, nil
}
