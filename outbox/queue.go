// Package outbox is the append-only log of quantity confirmations waiting to
// reach the backend. Entries are never updated in place except to record a
// failed attempt or the single unsynced to synced transition.
package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"pickedge/store"
)

const (
	sequenceName     = "outbox"
	indexSynced      = "synced"
	indexOperationID = "operation_id"
)

// Entry is one pending or delivered confirmation.
type Entry struct {
	ID            int64      `json:"id"`
	OperationID   int64      `json:"operation_id"`
	QuantityDone  float64    `json:"quantity_done"`
	CreatedAt     time.Time  `json:"created_at"`
	Synced        bool       `json:"synced"`
	RetryCount    int        `json:"retry_count"`
	SyncedAt      *time.Time `json:"synced_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// NewerThan reports whether e supersedes o: later CreatedAt wins, ties go to the higher id.
func (e *Entry) NewerThan(o *Entry) bool {
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.After(o.CreatedAt)
	}
	return e.ID > o.ID
}

func entryIndexes(e *Entry) map[string]string {
	return map[string]string{
		indexSynced:      store.IndexBool(e.Synced),
		indexOperationID: store.IndexInt(e.OperationID),
	}
}

// Stats counts the entries currently held locally.
type Stats struct {
	Queued   int `json:"queued"`
	Unsynced int `json:"unsynced"`
}

// Queue is the outbox over a store partition.
type Queue struct {
	db  *store.DB
	now func() time.Time
}

// NewQueue creates an outbox queue over db.
func NewQueue(db *store.DB) *Queue {
	return &Queue{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue appends a new unsynced entry for operationID.
func (q *Queue) Enqueue(ctx context.Context, operationID int64, quantityDone float64) (*Entry, error) {
	var e *Entry
	err := q.db.Update(ctx, func(tx *store.Tx) error {
		var err error
		e, err = q.EnqueueTx(tx, operationID, quantityDone)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue operation %d: %w", operationID, err)
	}
	return e, nil
}

// EnqueueTx appends a new unsynced entry inside an existing transaction.
func (q *Queue) EnqueueTx(tx *store.Tx, operationID int64, quantityDone float64) (*Entry, error) {
	id, err := tx.NextSequence(sequenceName)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		ID:           id,
		OperationID:  operationID,
		QuantityDone: quantityDone,
		CreatedAt:    q.now(),
	}
	if err := tx.PutJSON(store.PartitionOutbox, store.SeqKey(id), e, entryIndexes(e)); err != nil {
		return nil, err
	}
	return e, nil
}

// ListUnsynced returns every entry not yet acknowledged, lowest id first.
func (q *Queue) ListUnsynced(ctx context.Context) ([]Entry, error) {
	recs, err := q.db.Query(ctx, store.PartitionOutbox, indexSynced, store.IndexBool(false))
	if err != nil {
		return nil, fmt.Errorf("list unsynced: %w", err)
	}
	return decodeEntries(recs)
}

// ForOperation returns every local entry, synced or not, for one operation.
func (q *Queue) ForOperation(ctx context.Context, operationID int64) ([]Entry, error) {
	recs, err := q.db.Query(ctx, store.PartitionOutbox, indexOperationID, store.IndexInt(operationID))
	if err != nil {
		return nil, fmt.Errorf("list operation %d: %w", operationID, err)
	}
	return decodeEntries(recs)
}

// Get returns one entry, or nil when it does not exist.
func (q *Queue) Get(ctx context.Context, id int64) (*Entry, error) {
	var e *Entry
	err := q.db.View(ctx, func(tx *store.Tx) error {
		var err error
		e, err = getEntry(tx, id)
		return err
	})
	return e, err
}

func getEntry(tx *store.Tx, id int64) (*Entry, error) {
	var e Entry
	ok, err := tx.GetJSON(store.PartitionOutbox, store.SeqKey(id), &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

// Acknowledge marks exactly one entry synced. It reports whether the entry
// changed; acknowledging a synced or missing entry is a no-op.
func (q *Queue) Acknowledge(ctx context.Context, id int64) (bool, error) {
	var changed bool
	err := q.db.Update(ctx, func(tx *store.Tx) error {
		e, err := getEntry(tx, id)
		if err != nil || e == nil || e.Synced {
			return err
		}
		now := q.now()
		e.Synced = true
		e.SyncedAt = &now
		changed = true
		return tx.PutJSON(store.PartitionOutbox, store.SeqKey(id), e, entryIndexes(e))
	})
	if err != nil {
		return false, fmt.Errorf("acknowledge %d: %w", id, err)
	}
	return changed, nil
}

// RecordFailure counts one failed delivery attempt. The synced flag is left
// alone, and synced entries are not touched at all.
func (q *Queue) RecordFailure(ctx context.Context, id int64, cause error) (*Entry, error) {
	var out *Entry
	err := q.db.Update(ctx, func(tx *store.Tx) error {
		e, err := getEntry(tx, id)
		if err != nil || e == nil || e.Synced {
			out = e
			return err
		}
		now := q.now()
		e.RetryCount++
		e.LastFailureAt = &now
		if cause != nil {
			e.LastError = cause.Error()
		}
		out = e
		return tx.PutJSON(store.PartitionOutbox, store.SeqKey(id), e, entryIndexes(e))
	})
	if err != nil {
		return nil, fmt.Errorf("record failure %d: %w", id, err)
	}
	return out, nil
}

// Cleanup deletes synced entries created more than maxAgeMinutes ago and
// returns how many were removed. Unsynced entries are never removed.
func (q *Queue) Cleanup(ctx context.Context, maxAgeMinutes int) (int, error) {
	if maxAgeMinutes < 0 {
		maxAgeMinutes = 0
	}
	cutoff := q.now().Add(-time.Duration(maxAgeMinutes) * time.Minute)
	var removed int
	err := q.db.Update(ctx, func(tx *store.Tx) error {
		recs, err := tx.Query(store.PartitionOutbox, indexSynced, store.IndexBool(true))
		if err != nil {
			return err
		}
		for _, rec := range recs {
			var e Entry
			if err := rec.Decode(&e); err != nil {
				return err
			}
			if !e.Synced || !e.CreatedAt.Before(cutoff) {
				continue
			}
			if err := tx.Delete(store.PartitionOutbox, rec.Key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	if removed > 0 {
		log.Printf("outbox: cleaned up %d synced entries older than %dm", removed, maxAgeMinutes)
	}
	return removed, nil
}

// Stats returns the number of queued and unsynced entries.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.View(ctx, func(tx *store.Tx) error {
		var err error
		s, err = q.StatsTx(tx)
		return err
	})
	return s, err
}

// StatsTx counts entries inside an existing transaction.
func (q *Queue) StatsTx(tx *store.Tx) (Stats, error) {
	var s Stats
	var err error
	if s.Queued, err = tx.Count(store.PartitionOutbox); err != nil {
		return s, err
	}
	s.Unsynced, err = tx.CountIndex(store.PartitionOutbox, indexSynced, store.IndexBool(false))
	return s, err
}

func decodeEntries(recs []store.Record) ([]Entry, error) {
	entries := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		var e Entry
		if err := rec.Decode(&e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
