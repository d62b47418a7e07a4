package store

import "fmt"

// schema returns the DDL for the record, index and sequence tables.
// Every partition shares these tables; the part column tells them apart.
func schema(d Dialect) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS records (
    part       TEXT NOT NULL,
    record_key TEXT NOT NULL,
    value      %[1]s NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (part, record_key)
);

CREATE TABLE IF NOT EXISTS record_indexes (
    part        TEXT NOT NULL,
    index_name  TEXT NOT NULL,
    index_value TEXT NOT NULL,
    record_key  TEXT NOT NULL,
    PRIMARY KEY (part, index_name, index_value, record_key)
);
CREATE INDEX IF NOT EXISTS idx_record_indexes_key ON record_indexes(part, record_key);

CREATE TABLE IF NOT EXISTS sequences (
    name  TEXT PRIMARY KEY,
    value %[2]s NOT NULL
);
`, d.BlobType(), d.BigIntType())
}
