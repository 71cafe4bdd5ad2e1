package queue_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/migrate"
	"steward/internal/queue"
	"steward/internal/repo"
)

type testEnv struct {
	Queue queue.Queue
	Repo  repo.Repo
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	q := queue.New(conn)
	q.Now = func() time.Time { return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC) }
	return testEnv{Queue: q, Repo: repo.Repo{DB: conn}, Ctx: context.Background()}
}

func TestPushDefaultsAndGeneratedID(t *testing.T) {
	env := newTestEnv(t)
	e, err := env.Queue.Push(env.Ctx, domain.Event{
		Source: "gmail",
		Kind:   "email_received",
		Body:   "hello",
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !strings.HasPrefix(e.EventID, "20260828_120000_gmail_") {
		t.Fatalf("unexpected event id %q", e.EventID)
	}
	if e.Priority != "medium" {
		t.Fatalf("expected default priority medium, got %q", e.Priority)
	}
	if e.Partition != domain.PartitionNeedsAction {
		t.Fatalf("expected needs-action partition, got %q", e.Partition)
	}
	if e.CreatedAt != "2026-08-28T12:00:00Z" {
		t.Fatalf("unexpected created_at %q", e.CreatedAt)
	}
	stored, err := env.Repo.GetEvent(env.Ctx, e.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored.Processed {
		t.Fatalf("new event must not be processed")
	}
}

func TestPushValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []domain.Event{
		{Source: "carrier-pigeon", Kind: "k", Body: "b"},
		{Source: "gmail", Kind: "k", Body: "b", Priority: "sky-high"},
		{Source: "gmail", Kind: "k", Body: "   "},
		{Source: "gmail", Body: "b"},
		{Source: "gmail", Kind: "k", Body: "b", CreatedAt: "yesterday"},
	}
	for i, e := range cases {
		if _, err := env.Queue.Push(env.Ctx, e); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestPushDuplicate(t *testing.T) {
	env := newTestEnv(t)
	e := domain.Event{EventID: "evt-1", Source: "slack", Kind: "message", Body: "first"}
	if _, err := env.Queue.Push(env.Ctx, e); err != nil {
		t.Fatalf("push: %v", err)
	}
	e.Body = "second"
	_, err := env.Queue.Push(env.Ctx, e)
	if !errors.Is(err, queue.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	stored, err := env.Repo.GetEvent(env.Ctx, "evt-1")
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored.Body != "first" {
		t.Fatalf("duplicate push must not overwrite, got body %q", stored.Body)
	}
}

func TestDrainOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	for i, ts := range []string{"2026-08-28T10:00:00Z", "2026-08-28T08:00:00Z", "2026-08-28T09:00:00Z"} {
		_, err := env.Queue.Push(env.Ctx, domain.Event{
			EventID:   []string{"late", "early", "middle"}[i],
			Source:    "gmail",
			Kind:      "email_received",
			Body:      "b",
			CreatedAt: ts,
		})
		if err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	events, err := env.Queue.Drain(env.Ctx, 2)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(events) != 2 || events[0].EventID != "early" || events[1].EventID != "middle" {
		t.Fatalf("unexpected drain order: %+v", events)
	}
}

func TestAckMovesOnceAndTolerateRepeat(t *testing.T) {
	env := newTestEnv(t)
	e, err := env.Queue.Push(env.Ctx, domain.Event{Source: "gmail", Kind: "k", Body: "b"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := env.Queue.Ack(env.Ctx, e.EventID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	stored, err := env.Repo.GetEvent(env.Ctx, e.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored.Partition != domain.PartitionDone {
		t.Fatalf("expected done partition, got %q", stored.Partition)
	}
	// a second ack is a logged no-op, not an error
	if err := env.Queue.Ack(env.Ctx, e.EventID); err != nil {
		t.Fatalf("repeated ack: %v", err)
	}
	events, err := env.Queue.Drain(env.Ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("acked event still drains: %+v", events)
	}
}

func TestRejectMovesWithReason(t *testing.T) {
	env := newTestEnv(t)
	e, err := env.Queue.Push(env.Ctx, domain.Event{Source: "whatsapp", Kind: "message", Body: "???"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := env.Queue.Reject(env.Ctx, e.EventID, "unparseable"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	stored, err := env.Repo.GetEvent(env.Ctx, e.EventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if stored.Partition != domain.PartitionDone {
		t.Fatalf("expected done partition, got %q", stored.Partition)
	}
	// rejecting an event that already left the queue is an error
	if err := env.Queue.Reject(env.Ctx, e.EventID, "again"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
