package repo

import (
	"context"
	"database/sql"

	"steward/internal/domain"
)

// InsertEscalation records an escalation for a plan step. The unique index on
// (plan_id, step_index) plus INSERT OR IGNORE keeps repeated failures of the
// same step from piling up duplicates. Returns true when a new row landed.
func (r Repo) InsertEscalation(ctx context.Context, tx *sql.Tx, e domain.Escalation) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO escalations(id,plan_id,step_index,reason,created_at) VALUES (?,?,?,?,?)`,
		e.ID, e.PlanID, e.StepIndex, e.Reason, e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListEscalations(ctx context.Context, planID string, limit int) ([]domain.Escalation, error) {
	query := `SELECT id,plan_id,step_index,reason,created_at FROM escalations`
	var args []any
	if planID != "" {
		query += ` WHERE plan_id=?`
		args = append(args, planID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Escalation
	for rows.Next() {
		var e domain.Escalation
		if err := rows.Scan(&e.ID, &e.PlanID, &e.StepIndex, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

