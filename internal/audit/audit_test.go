package audit_test

import (
	"context"
	"testing"
	"time"

	"steward/internal/audit"
	"steward/internal/db"
	"steward/internal/migrate"
	"steward/internal/repo"
)

func newWriter(t *testing.T) (audit.Writer, repo.Repo, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	w := audit.Writer{DB: conn, Now: func() time.Time { return now }}
	return w, repo.Repo{DB: conn}, &now
}

func TestLogFillsDefaults(t *testing.T) {
	w, r, _ := newWriter(t)
	ctx := context.Background()
	if err := w.Log(ctx, "queue", "event.push", audit.Entry{Target: "evt-1"}); err != nil {
		t.Fatalf("log: %v", err)
	}
	entries, err := r.LatestAuditEntries(ctx, 10, 0, "")
	if err != nil || len(entries) != 1 {
		t.Fatalf("list: %v %+v", err, entries)
	}
	e := entries[0]
	if e.Level != "info" || e.Actor != "system" || e.Status != "success" {
		t.Fatalf("defaults not applied: %+v", e)
	}
	if e.TS != "2026-08-28T12:00:00Z" || e.DetailsJSON != "{}" {
		t.Fatalf("entry %+v", e)
	}
}

func TestLatestEntriesFilterAndCursor(t *testing.T) {
	w, r, _ := newWriter(t)
	ctx := context.Background()
	for _, c := range []string{"queue", "executor", "queue"} {
		if err := w.Log(ctx, c, "x", audit.Entry{}); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	entries, err := r.LatestAuditEntries(ctx, 10, 0, "queue")
	if err != nil || len(entries) != 2 {
		t.Fatalf("component filter: %v %+v", err, entries)
	}
	if entries[0].ID < entries[1].ID {
		t.Fatal("expected newest first")
	}
	// cursor pages below the given id
	entries, err = r.LatestAuditEntries(ctx, 10, entries[0].ID, "queue")
	if err != nil || len(entries) != 1 {
		t.Fatalf("cursor page: %v %+v", err, entries)
	}
	after, err := r.AuditEntriesAfter(ctx, 10, 1)
	if err != nil || len(after) != 2 {
		t.Fatalf("entries after: %v %+v", err, after)
	}
	if after[0].ID != 2 || after[1].ID != 3 {
		t.Fatalf("ascending order: %+v", after)
	}
}

func TestPruneRespectsRetention(t *testing.T) {
	w, r, now := newWriter(t)
	ctx := context.Background()
	if err := w.Log(ctx, "queue", "old", audit.Entry{}); err != nil {
		t.Fatalf("log old: %v", err)
	}
	*now = now.Add(100 * 24 * time.Hour)
	if err := w.Log(ctx, "queue", "new", audit.Entry{}); err != nil {
		t.Fatalf("log new: %v", err)
	}
	deleted, err := w.Prune(ctx, 90*24*time.Hour)
	if err != nil || deleted != 1 {
		t.Fatalf("prune: %v deleted=%d", err, deleted)
	}
	entries, _ := r.LatestAuditEntries(ctx, 10, 0, "")
	if len(entries) != 1 || entries[0].Action != "new" {
		t.Fatalf("remaining %+v", entries)
	}
	// zero retention is a no-op
	if deleted, err = w.Prune(ctx, 0); err != nil || deleted != 0 {
		t.Fatalf("zero retention: %v %d", err, deleted)
	}
}
