package types

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/gbl08ma/sqalx"
)

// Both schemas scope uniqueness of soft-deletable rows to live rows
// (WHERE deleted_at IS NULL), which is what lets a rebuild soft-delete the
// old set and insert the new one inside a single transaction.

//go:embed schema_postgres.sql
var schemaPostgres string

//go:embed schema_sqlite.sql
var schemaSQLite string

// EnsureSchema creates the tables and indexes used by this package if they
// do not exist yet
func EnsureSchema(node sqalx.Node, driverName string) error {
	schema := schemaPostgres
	if driverName == "sqlite" || driverName == "sqlite3" {
		schema = schemaSQLite
	}

	tx, err := node.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range strings.Split(schema, ";\n") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("EnsureSchema: %w", err)
		}
	}
	return tx.Commit()
}
