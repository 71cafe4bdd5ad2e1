// Package migrate brings the database schema up to the latest embedded
// version.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Migrate applies any embedded migrations newer than the recorded schema
// version, all inside one transaction. Files under sql/ are named
// NNNN_description.sql; embed directory listings come back sorted by name,
// which is application order.
func Migrate(db *sql.DB) error {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return fmt.Errorf("migrate: read embedded schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("migrate: schema_version: %w", err)
	}
	applied := 0
	switch err := tx.QueryRow(`SELECT version FROM schema_version`).Scan(&applied); err {
	case nil:
	case sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("migrate: schema_version: %w", err)
		}
	default:
		return fmt.Errorf("migrate: schema_version: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		version, ok := versionOf(name)
		if !ok {
			return fmt.Errorf("migrate: %s has no numeric version prefix", name)
		}
		if version <= applied {
			continue
		}
		ddl, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return fmt.Errorf("migrate: %s: %w", name, err)
		}
		if _, err := tx.Exec(string(ddl)); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, version); err != nil {
			return fmt.Errorf("migrate: record %s: %w", name, err)
		}
		applied = version
	}
	return tx.Commit()
}

// versionOf extracts the numeric prefix of a migration filename.
func versionOf(name string) (int, bool) {
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return 0, false
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
