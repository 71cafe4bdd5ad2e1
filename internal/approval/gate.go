package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steward/internal/audit"
	"steward/internal/domain"
	"steward/internal/repo"
)

// ErrAlreadyResolved signals a resolution attempt on a non-pending approval.
var ErrAlreadyResolved = errors.New("approval already resolved")

// Gate owns the approval lifecycle. Pending approvals expire lazily: nothing
// scans for timeouts, the expiry is applied the first time anyone looks at an
// approval past its deadline.
type Gate struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Writer
	Timeout time.Duration
	Now     func() time.Time
}

func New(db *sql.DB, timeout time.Duration) Gate {
	return Gate{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Audit:   audit.Writer{DB: db},
		Timeout: timeout,
		Now:     time.Now,
	}
}

func (g Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g Gate) timeout() time.Duration {
	if g.Timeout > 0 {
		return g.Timeout
	}
	return 24 * time.Hour
}

// Request opens an approval for a plan step. Idempotent per step: if one
// already exists in any status it is returned unchanged, so repeated executor
// passes over a gated step never reset the clock.
func (g Gate) Request(ctx context.Context, planID string, stepIndex int, actionType, riskLevel, description string) (domain.ApprovalRequest, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()

	existing, err := g.Repo.ApprovalForStep(ctx, tx, planID, stepIndex)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.ApprovalRequest{}, err
	}

	now := g.now().UTC()
	a := domain.ApprovalRequest{
		ActionID:    uuid.NewString(),
		PlanID:      planID,
		StepIndex:   stepIndex,
		ActionType:  actionType,
		RiskLevel:   riskLevel,
		Description: description,
		Status:      domain.ApprovalPending,
		CreatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   now.Add(g.timeout()).Format(time.RFC3339),
	}
	if err := g.Repo.InsertApproval(ctx, tx, a); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := g.Audit.Append(ctx, tx, "approval", "approval.request", audit.Entry{
		Target:  a.ActionID,
		Details: audit.Details{"plan_id": planID, "step_index": stepIndex, "risk_level": riskLevel, "action_type": actionType},
	}); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	return a, nil
}

// Poll returns the current status of an approval, applying expiry first if
// the deadline has passed. The timed_out transition commits before the
// caller sees it, so every later observer reads the same answer.
func (g Gate) Poll(ctx context.Context, actionID string) (domain.ApprovalRequest, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()

	a, err := g.Repo.GetApprovalTx(ctx, tx, actionID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if a.Status != domain.ApprovalPending {
		return a, nil
	}
	expires, err := time.Parse(time.RFC3339, a.ExpiresAt)
	if err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("parse expires_at: %w", err)
	}
	// pending survives through the deadline instant itself
	now := g.now().UTC()
	if !now.After(expires) {
		return a, nil
	}

	resolved := now.Format(time.RFC3339)
	if err := g.Repo.ResolveApproval(ctx, tx, actionID, domain.ApprovalTimedOut, resolved, nil); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// lost the race to another resolver; report what won
			tx.Rollback()
			return g.Repo.GetApproval(ctx, actionID)
		}
		return domain.ApprovalRequest{}, err
	}
	if err := g.Audit.Append(ctx, tx, "approval", "approval.timeout", audit.Entry{
		Level:   "warning",
		Target:  actionID,
		Status:  domain.ApprovalTimedOut,
		Details: audit.Details{"plan_id": a.PlanID, "step_index": a.StepIndex, "expired_at": a.ExpiresAt},
	}); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	a.Status = domain.ApprovalTimedOut
	a.ResolvedAt = &resolved
	return a, nil
}

// Resolve applies a human decision. Only pending approvals can be resolved,
// and expiry is checked first so a decision arriving after the deadline loses
// to the timeout.
func (g Gate) Resolve(ctx context.Context, actionID, decision, resolvedBy string) (domain.ApprovalRequest, error) {
	if decision != domain.ApprovalApproved && decision != domain.ApprovalRejected {
		return domain.ApprovalRequest{}, fmt.Errorf("invalid decision %q", decision)
	}
	current, err := g.Poll(ctx, actionID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if current.Status != domain.ApprovalPending {
		return current, fmt.Errorf("%w: %s", ErrAlreadyResolved, current.Status)
	}

	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer tx.Rollback()

	resolved := g.now().UTC().Format(time.RFC3339)
	if err := g.Repo.ResolveApproval(ctx, tx, actionID, decision, resolved, &resolvedBy); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			cur, getErr := g.Repo.GetApproval(ctx, actionID)
			if getErr != nil {
				return domain.ApprovalRequest{}, getErr
			}
			return cur, fmt.Errorf("%w: %s", ErrAlreadyResolved, cur.Status)
		}
		return domain.ApprovalRequest{}, err
	}
	if err := g.Audit.Append(ctx, tx, "approval", "approval."+decision, audit.Entry{
		Actor:   resolvedBy,
		Target:  actionID,
		Status:  decision,
		Details: audit.Details{"plan_id": current.PlanID, "step_index": current.StepIndex},
	}); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	current.Status = decision
	current.ResolvedAt = &resolved
	current.ResolvedBy = &resolvedBy
	return current, nil
}

// Pending lists open approvals, applying lazy expiry to each before
// reporting, so the answer never includes anything past its deadline.
func (g Gate) Pending(ctx context.Context, limit int) ([]domain.ApprovalRequest, error) {
	open, err := g.Repo.ListApprovals(ctx, repo.ApprovalFilters{Status: domain.ApprovalPending, Limit: limit})
	if err != nil {
		return nil, err
	}
	var res []domain.ApprovalRequest
	for _, a := range open {
		cur, err := g.Poll(ctx, a.ActionID)
		if err != nil {
			return nil, err
		}
		if cur.Status == domain.ApprovalPending {
			res = append(res, cur)
		}
	}
	return res, nil
}
