package store

import (
	"fmt"
	"strings"
)

// Dialect papers over the few type differences between the supported engines.
type Dialect interface {
	BlobType() string
	BigIntType() string
}

type sqliteDialect struct{}

func (d sqliteDialect) BlobType() string   { return "BLOB" }
func (d sqliteDialect) BigIntType() string { return "INTEGER" }

type postgresDialect struct{}

func (d postgresDialect) BlobType() string   { return "BYTEA" }
func (d postgresDialect) BigIntType() string { return "BIGINT" }

// Rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL.
func Rebind(query string) string {
	n := 0
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString(fmt.Sprintf("$%d", n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
