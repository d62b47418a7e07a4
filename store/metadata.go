package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// MetadataEntry is an application fact persisted under a string key.
type MetadataEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Decode unmarshals the stored value into dst.
func (e *MetadataEntry) Decode(dst any) error {
	return json.Unmarshal(e.Value, dst)
}

// SetMetadata stores value under key, replacing any prior value.
func (t *Tx) SetMetadata(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", key, err)
	}
	return t.PutJSON(PartitionMetadata, key, MetadataEntry{Key: key, Value: data, UpdatedAt: time.Now().UTC()}, nil)
}

// GetMetadataEntry returns the entry under key, or nil when unset.
func (t *Tx) GetMetadataEntry(key string) (*MetadataEntry, error) {
	var e MetadataEntry
	ok, err := t.GetJSON(PartitionMetadata, key, &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

// SetMetadata stores value under key, replacing any prior value.
func (db *DB) SetMetadata(ctx context.Context, key string, value any) error {
	return db.Update(ctx, func(tx *Tx) error { return tx.SetMetadata(key, value) })
}

// GetMetadata decodes the value under key into dst and reports whether it was set.
func (db *DB) GetMetadata(ctx context.Context, key string, dst any) (bool, error) {
	e, err := db.GetMetadataEntry(ctx, key)
	if err != nil || e == nil {
		return false, err
	}
	if err := e.Decode(dst); err != nil {
		return false, fmt.Errorf("decode metadata %s: %w", key, err)
	}
	return true, nil
}

// GetMetadataEntry returns the entry under key, or nil when unset.
func (db *DB) GetMetadataEntry(ctx context.Context, key string) (*MetadataEntry, error) {
	var e *MetadataEntry
	err := db.View(ctx, func(tx *Tx) error {
		var err error
		e, err = tx.GetMetadataEntry(key)
		return err
	})
	return e, err
}

// DeleteMetadata removes key. Removing an unset key is not an error.
func (db *DB) DeleteMetadata(ctx context.Context, key string) error {
	return db.Delete(ctx, PartitionMetadata, key)
}
