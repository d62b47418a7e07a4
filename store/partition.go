package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Partition names a group of records sharing one key space.
type Partition string

const (
	PartitionSnapshots  Partition = "snapshots"
	PartitionOperations Partition = "operations"
	PartitionOutbox     Partition = "outbox"
	PartitionMetadata   Partition = "metadata"

	// PartitionLeases holds coordination locks. It is not in Partitions, so
	// clearing application data never drops a held lease.
	PartitionLeases Partition = "leases"
)

// Partitions lists every partition holding application data.
var Partitions = []Partition{PartitionSnapshots, PartitionOperations, PartitionOutbox, PartitionMetadata}

// Record is one stored value. Indexes are written alongside the value and are
// only used for lookups; they are not populated on reads.
type Record struct {
	Key       string
	Value     []byte
	Indexes   map[string]string
	UpdatedAt time.Time
}

// NewRecord JSON-encodes v into a record.
func NewRecord(key string, v any, indexes map[string]string) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("encode record %s: %w", key, err)
	}
	return Record{Key: key, Value: data, Indexes: indexes}, nil
}

// Decode JSON-decodes the record value into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Value, v); err != nil {
		return fmt.Errorf("decode record %s: %w", r.Key, err)
	}
	return nil
}

// SeqKey formats a sequence id so that key order matches numeric order.
func SeqKey(id int64) string {
	return fmt.Sprintf("%020d", id)
}

// IndexInt formats an integer index value.
func IndexInt(v int64) string { return strconv.FormatInt(v, 10) }

// IndexBool formats a boolean index value.
func IndexBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// Tx is an open store transaction. It is only valid inside the Update or View
// callback that produced it.
type Tx struct {
	tx  *sql.Tx
	db  *DB
	ctx context.Context
}

func (t *Tx) context() context.Context {
	if t.ctx != nil {
		return t.ctx
	}
	return context.Background()
}

func (t *Tx) exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.context(), t.db.Q(query), args...)
}

func (t *Tx) query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.context(), t.db.Q(query), args...)
}

func (t *Tx) queryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.context(), t.db.Q(query), args...)
}

// Put inserts or overwrites rec and replaces its index entries.
func (t *Tx) Put(p Partition, rec Record) error {
	if rec.Key == "" {
		return fmt.Errorf("put %s: empty key", p)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := t.exec(`INSERT INTO records (part, record_key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (part, record_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(p), rec.Key, rec.Value, now)
	if err != nil {
		return classify("put "+string(p), err)
	}
	if _, err := t.exec(`DELETE FROM record_indexes WHERE part = ? AND record_key = ?`, string(p), rec.Key); err != nil {
		return classify("put "+string(p)+" indexes", err)
	}
	for name, value := range rec.Indexes {
		_, err := t.exec(`INSERT INTO record_indexes (part, index_name, index_value, record_key) VALUES (?, ?, ?, ?)`,
			string(p), name, value, rec.Key)
		if err != nil {
			return classify("put "+string(p)+" index "+name, err)
		}
	}
	return nil
}

// PutJSON encodes v and stores it under key.
func (t *Tx) PutJSON(p Partition, key string, v any, indexes map[string]string) error {
	rec, err := NewRecord(key, v, indexes)
	if err != nil {
		return err
	}
	return t.Put(p, rec)
}

// Get returns the record under key, or nil when there is none.
func (t *Tx) Get(p Partition, key string) (*Record, error) {
	var (
		rec     Record
		updated string
	)
	err := t.queryRow(`SELECT record_key, value, updated_at FROM records WHERE part = ? AND record_key = ?`,
		string(p), key).Scan(&rec.Key, &rec.Value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get "+string(p), err)
	}
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

// GetJSON decodes the record under key into v. It reports whether the key existed.
func (t *Tx) GetJSON(p Partition, key string, v any) (bool, error) {
	rec, err := t.Get(p, key)
	if err != nil || rec == nil {
		return false, err
	}
	return true, rec.Decode(v)
}

// Query returns the records in p whose index holds value, in key order.
func (t *Tx) Query(p Partition, index, value string) ([]Record, error) {
	rows, err := t.query(`
		SELECT r.record_key, r.value, r.updated_at
		FROM record_indexes i
		JOIN records r ON r.part = i.part AND r.record_key = i.record_key
		WHERE i.part = ? AND i.index_name = ? AND i.index_value = ?
		ORDER BY r.record_key`, string(p), index, value)
	if err != nil {
		return nil, classify("query "+string(p)+"."+index, err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var recs []Record
	for rows.Next() {
		var (
			rec     Record
			updated string
		)
		if err := rows.Scan(&rec.Key, &rec.Value, &updated); err != nil {
			return nil, classify("scan", err)
		}
		rec.UpdatedAt = parseTime(updated)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("scan", err)
	}
	return recs, nil
}

// Delete removes the record under key and its index entries.
func (t *Tx) Delete(p Partition, key string) error {
	if _, err := t.exec(`DELETE FROM record_indexes WHERE part = ? AND record_key = ?`, string(p), key); err != nil {
		return classify("delete "+string(p)+" indexes", err)
	}
	if _, err := t.exec(`DELETE FROM records WHERE part = ? AND record_key = ?`, string(p), key); err != nil {
		return classify("delete "+string(p), err)
	}
	return nil
}

// Clear removes every record in p.
func (t *Tx) Clear(p Partition) error {
	if _, err := t.exec(`DELETE FROM record_indexes WHERE part = ?`, string(p)); err != nil {
		return classify("clear "+string(p)+" indexes", err)
	}
	if _, err := t.exec(`DELETE FROM records WHERE part = ?`, string(p)); err != nil {
		return classify("clear "+string(p), err)
	}
	return nil
}

// Count returns the number of records in p.
func (t *Tx) Count(p Partition) (int, error) {
	var n int
	if err := t.queryRow(`SELECT COUNT(*) FROM records WHERE part = ?`, string(p)).Scan(&n); err != nil {
		return 0, classify("count "+string(p), err)
	}
	return n, nil
}

// CountIndex returns the number of records in p whose index holds value.
func (t *Tx) CountIndex(p Partition, index, value string) (int, error) {
	var n int
	err := t.queryRow(`SELECT COUNT(*) FROM record_indexes WHERE part = ? AND index_name = ? AND index_value = ?`,
		string(p), index, value).Scan(&n)
	if err != nil {
		return 0, classify("count "+string(p)+"."+index, err)
	}
	return n, nil
}

// NextSequence returns the next value of a named, never-reused counter.
func (t *Tx) NextSequence(name string) (int64, error) {
	_, err := t.exec(`INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1`, name)
	if err != nil {
		return 0, classify("sequence "+name, err)
	}
	var v int64
	if err := t.queryRow(`SELECT value FROM sequences WHERE name = ?`, name).Scan(&v); err != nil {
		return 0, classify("sequence "+name, err)
	}
	return v, nil
}

// parseTime parses a stored RFC 3339 timestamp, returning zero on failure.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
