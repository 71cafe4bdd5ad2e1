package migrate

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != 1 {
		t.Fatalf("schema version %d", version)
	}
	for _, table := range []string{"events", "plans", "steps", "approvals", "escalations", "audit_log"} {
		if _, err := conn.Exec(`SELECT count(*) FROM ` + table); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestVersionOf(t *testing.T) {
	if v, ok := versionOf("0001_init.sql"); !ok || v != 1 {
		t.Fatalf("got %d %v", v, ok)
	}
	for _, name := range []string{"init.sql", "x_init.sql", "0000_init.sql"} {
		if _, ok := versionOf(name); ok {
			t.Fatalf("%s should have no version", name)
		}
	}
}
