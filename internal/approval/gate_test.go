package approval_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"steward/internal/approval"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/migrate"
	"steward/internal/repo"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	Gate  approval.Gate
	Clock *fakeClock
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
	clock := &fakeClock{t: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)}
	ctx := context.Background()
	seedPlans(t, ctx, conn, clock.t, "plan-1", "plan-old", "plan-new")
	g := approval.New(conn, 24*time.Hour)
	g.Now = clock.Now
	return testEnv{Gate: g, Clock: clock, Ctx: ctx}
}

// seedPlans inserts the event and plan rows the approvals FK points at.
func seedPlans(t *testing.T, ctx context.Context, conn *sql.DB, now time.Time, planIDs ...string) {
	t.Helper()
	r := repo.Repo{DB: conn}
	ts := now.UTC().Format(time.RFC3339)
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin seed tx: %v", err)
	}
	defer tx.Rollback()
	if err := r.InsertEvent(ctx, tx, domain.Event{
		EventID:   "event-1",
		Source:    "gmail",
		Kind:      "message",
		Priority:  "medium",
		Body:      "seed",
		Partition: "needs-action",
		CreatedAt: ts,
	}); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	for _, id := range planIDs {
		if err := r.InsertPlan(ctx, tx, domain.Plan{
			ID:         id,
			EventID:    "event-1",
			Objective:  "seed plan",
			Category:   "routine",
			Complexity: "routine",
			RiskLevel:  domain.RiskMedium,
			Status:     "completed",
			CreatedAt:  ts,
		}); err != nil {
			t.Fatalf("seed plan %s: %v", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed tx: %v", err)
	}
}

func TestRequestIsIdempotentPerStep(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Gate.Request(env.Ctx, "plan-1", 2, "send", domain.RiskMedium, "send the reply")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if first.Status != domain.ApprovalPending {
		t.Fatalf("new approval status %q", first.Status)
	}
	if first.ExpiresAt != "2026-08-29T12:00:00Z" {
		t.Fatalf("unexpected expires_at %q", first.ExpiresAt)
	}
	// a later repeat must not mint a new request or reset the clock
	env.Clock.Advance(6 * time.Hour)
	second, err := env.Gate.Request(env.Ctx, "plan-1", 2, "send", domain.RiskMedium, "send the reply")
	if err != nil {
		t.Fatalf("repeat request: %v", err)
	}
	if second.ActionID != first.ActionID || second.ExpiresAt != first.ExpiresAt {
		t.Fatalf("repeat request changed the approval: %+v vs %+v", second, first)
	}
}

func TestPollExpiresLazily(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Gate.Request(env.Ctx, "plan-1", 0, "publish", domain.RiskMedium, "publish it")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	cur, err := env.Gate.Poll(env.Ctx, a.ActionID)
	if err != nil || cur.Status != domain.ApprovalPending {
		t.Fatalf("before deadline: %v %q", err, cur.Status)
	}
	// exactly at the deadline the approval is still decidable
	env.Clock.Advance(24 * time.Hour)
	cur, err = env.Gate.Poll(env.Ctx, a.ActionID)
	if err != nil || cur.Status != domain.ApprovalPending {
		t.Fatalf("at deadline: %v %q", err, cur.Status)
	}
	env.Clock.Advance(time.Second)
	cur, err = env.Gate.Poll(env.Ctx, a.ActionID)
	if err != nil {
		t.Fatalf("poll after deadline: %v", err)
	}
	if cur.Status != domain.ApprovalTimedOut {
		t.Fatalf("expected timed_out, got %q", cur.Status)
	}
	if cur.ResolvedAt == nil {
		t.Fatal("timed out approval must carry resolved_at")
	}
	// the transition is persisted, not just reported
	again, err := env.Gate.Poll(env.Ctx, a.ActionID)
	if err != nil || again.Status != domain.ApprovalTimedOut {
		t.Fatalf("expiry not persisted: %v %q", err, again.Status)
	}
}

func TestResolveRecordsDecision(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Gate.Request(env.Ctx, "plan-1", 1, "send", domain.RiskHigh, "wire the payment")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resolved, err := env.Gate.Resolve(env.Ctx, a.ActionID, domain.ApprovalApproved, "alex")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.ApprovalApproved {
		t.Fatalf("status %q", resolved.Status)
	}
	if resolved.ResolvedBy == nil || *resolved.ResolvedBy != "alex" {
		t.Fatalf("resolved_by %v", resolved.ResolvedBy)
	}
	// a second decision is refused
	_, err = env.Gate.Resolve(env.Ctx, a.ActionID, domain.ApprovalRejected, "sam")
	if !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	cur, err := env.Gate.Poll(env.Ctx, a.ActionID)
	if err != nil || cur.Status != domain.ApprovalApproved {
		t.Fatalf("decision overwritten: %v %q", err, cur.Status)
	}
}

func TestResolveRejectsUnknownDecision(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Gate.Request(env.Ctx, "plan-1", 0, "send", domain.RiskMedium, "send it")
	if _, err := env.Gate.Resolve(env.Ctx, a.ActionID, "maybe", "alex"); err == nil {
		t.Fatal("expected invalid decision error")
	}
}

func TestLateDecisionLosesToTimeout(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Gate.Request(env.Ctx, "plan-1", 0, "send", domain.RiskMedium, "send it")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	env.Clock.Advance(25 * time.Hour)
	_, err = env.Gate.Resolve(env.Ctx, a.ActionID, domain.ApprovalApproved, "alex")
	if !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	cur, err := env.Gate.Poll(env.Ctx, a.ActionID)
	if err != nil || cur.Status != domain.ApprovalTimedOut {
		t.Fatalf("late approval must time out: %v %q", err, cur.Status)
	}
}

func TestPendingFiltersExpired(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Gate.Request(env.Ctx, "plan-old", 0, "send", domain.RiskMedium, "old"); err != nil {
		t.Fatalf("request old: %v", err)
	}
	env.Clock.Advance(25 * time.Hour)
	fresh, err := env.Gate.Request(env.Ctx, "plan-new", 0, "send", domain.RiskMedium, "new")
	if err != nil {
		t.Fatalf("request new: %v", err)
	}
	open, err := env.Gate.Pending(env.Ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(open) != 1 || open[0].ActionID != fresh.ActionID {
		t.Fatalf("expected only the fresh approval, got %+v", open)
	}
}
