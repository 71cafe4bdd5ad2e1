package repo

import (
	"context"
	"database/sql"
	"strings"

	"steward/internal/domain"
)

const approvalColumns = `action_id,plan_id,step_index,action_type,risk_level,description,status,created_at,expires_at,resolved_at,resolved_by`

func scanApproval(scan func(dest ...any) error) (domain.ApprovalRequest, error) {
	var a domain.ApprovalRequest
	var resolvedAt, resolvedBy sql.NullString
	err := scan(&a.ActionID, &a.PlanID, &a.StepIndex, &a.ActionType, &a.RiskLevel, &a.Description, &a.Status, &a.CreatedAt, &a.ExpiresAt, &resolvedAt, &resolvedBy)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ResolvedAt = optionalString(resolvedAt)
	a.ResolvedBy = optionalString(resolvedBy)
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.ApprovalRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ActionID, a.PlanID, a.StepIndex, a.ActionType, a.RiskLevel, a.Description, a.Status,
		a.CreatedAt, a.ExpiresAt, nullableStringPtr(a.ResolvedAt), nullableStringPtr(a.ResolvedBy))
	return err
}

func (r Repo) GetApproval(ctx context.Context, actionID string) (domain.ApprovalRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE action_id=?`, actionID)
	return scanApproval(row.Scan)
}

func (r Repo) GetApprovalTx(ctx context.Context, tx *sql.Tx, actionID string) (domain.ApprovalRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE action_id=?`, actionID)
	return scanApproval(row.Scan)
}

// ApprovalForStep returns the approval bound to a plan step regardless of
// status. At most one exists per step.
func (r Repo) ApprovalForStep(ctx context.Context, tx *sql.Tx, planID string, stepIndex int) (domain.ApprovalRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE plan_id=? AND step_index=?`, planID, stepIndex)
	return scanApproval(row.Scan)
}

type ApprovalFilters struct {
	Status string
	PlanID string
	Limit  int
}

func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilters) ([]domain.ApprovalRequest, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.PlanID != "" {
		clauses = append(clauses, "plan_id=?")
		args = append(args, f.PlanID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals ` + where + ` ORDER BY created_at ASC, action_id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ResolveApproval moves an approval out of pending with a compare-and-set on
// the pending status. ErrNotFound means the approval was absent or already
// resolved by someone else.
func (r Repo) ResolveApproval(ctx context.Context, tx *sql.Tx, actionID, status, resolvedAt string, resolvedBy *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, resolved_at=?, resolved_by=? WHERE action_id=? AND status='pending'`,
		status, resolvedAt, nullableStringPtr(resolvedBy), actionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountApprovalsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM approvals GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
