package repo

import (
	"context"
	"database/sql"
	"strings"

	"steward/internal/domain"
)

const planColumns = `id,event_id,objective,category,complexity,risk_level,status,created_at,completed_at`

func scanPlan(scan func(dest ...any) error) (domain.Plan, error) {
	var p domain.Plan
	var completedAt sql.NullString
	err := scan(&p.ID, &p.EventID, &p.Objective, &p.Category, &p.Complexity, &p.RiskLevel, &p.Status, &p.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.CompletedAt = optionalString(completedAt)
	return p, nil
}

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.EventID, p.Objective, p.Category, p.Complexity, p.RiskLevel, p.Status, p.CreatedAt, nullableStringPtr(p.CompletedAt))
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id)
	return scanPlan(row.Scan)
}

func (r Repo) GetPlanTx(ctx context.Context, tx *sql.Tx, id string) (domain.Plan, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id)
	return scanPlan(row.Scan)
}

// ActivePlanForEvent returns the pending or in_progress plan for an event,
// ErrNotFound when none exists.
func (r Repo) ActivePlanForEvent(ctx context.Context, tx *sql.Tx, eventID string) (domain.Plan, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE event_id=? AND status IN ('pending','in_progress')`, eventID)
	return scanPlan(row.Scan)
}

type PlanFilters struct {
	Status  string
	EventID string
	Limit   int
}

func (r Repo) ListPlans(ctx context.Context, f PlanFilters) ([]domain.Plan, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.EventID != "" {
		clauses = append(clauses, "event_id=?")
		args = append(args, f.EventID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + planColumns + ` FROM plans ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ActivePlans returns pending and in_progress plans in creation order.
func (r Repo) ActivePlans(ctx context.Context, limit int) ([]domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE status IN ('pending','in_progress') ORDER BY created_at ASC, id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePlanStatus(ctx context.Context, tx *sql.Tx, id, status string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE plans SET status=?, completed_at=? WHERE id=?`,
		status, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountPlansByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM plans GROUP BY status`)
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

const stepColumns = `plan_id,idx,kind,description,status,requires_approval,attempt_count,last_error,next_retry_at,started_at,completed_at,result`

func scanStep(scan func(dest ...any) error) (domain.Step, error) {
	var s domain.Step
	var lastError, nextRetryAt, startedAt, completedAt, result sql.NullString
	err := scan(&s.PlanID, &s.Index, &s.Kind, &s.Description, &s.Status, &s.RequiresApproval, &s.AttemptCount, &lastError, &nextRetryAt, &startedAt, &completedAt, &result)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.LastError = optionalString(lastError)
	s.NextRetryAt = optionalString(nextRetryAt)
	s.StartedAt = optionalString(startedAt)
	s.CompletedAt = optionalString(completedAt)
	s.Result = optionalString(result)
	return s, nil
}

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO steps(`+stepColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.PlanID, s.Index, s.Kind, s.Description, s.Status, s.RequiresApproval, s.AttemptCount,
		nullableStringPtr(s.LastError), nullableStringPtr(s.NextRetryAt), nullableStringPtr(s.StartedAt),
		nullableStringPtr(s.CompletedAt), nullableStringPtr(s.Result))
	return err
}

func (r Repo) GetStep(ctx context.Context, tx *sql.Tx, planID string, index int) (domain.Step, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE plan_id=? AND idx=?`, planID, index)
	return scanStep(row.Scan)
}

func (r Repo) ListSteps(ctx context.Context, planID string) ([]domain.Step, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE plan_id=? ORDER BY idx ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

func (r Repo) ListStepsTx(ctx context.Context, tx *sql.Tx, planID string) ([]domain.Step, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE plan_id=? ORDER BY idx ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSteps(rows)
}

func collectSteps(rows *sql.Rows) ([]domain.Step, error) {
	var res []domain.Step
	for rows.Next() {
		s, err := scanStep(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStep(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	res, err := tx.ExecContext(ctx, `UPDATE steps SET status=?, attempt_count=?, last_error=?, next_retry_at=?, started_at=?, completed_at=?, result=? WHERE plan_id=? AND idx=?`,
		s.Status, s.AttemptCount, nullableStringPtr(s.LastError), nullableStringPtr(s.NextRetryAt),
		nullableStringPtr(s.StartedAt), nullableStringPtr(s.CompletedAt), nullableStringPtr(s.Result),
		s.PlanID, s.Index)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AppendPlanNote(ctx context.Context, tx *sql.Tx, n domain.PlanNote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plan_notes(plan_id,ts,note) VALUES (?,?,?)`, n.PlanID, n.TS, n.Note)
	return err
}

func (r Repo) ListPlanNotes(ctx context.Context, planID string) ([]domain.PlanNote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT plan_id,ts,note FROM plan_notes WHERE plan_id=? ORDER BY id ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlanNote
	for rows.Next() {
		var n domain.PlanNote
		if err := rows.Scan(&n.PlanID, &n.TS, &n.Note); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
