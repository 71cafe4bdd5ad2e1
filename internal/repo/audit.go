package repo

import (
	"context"
	"database/sql"

	"steward/internal/domain"
)

const auditColumns = `id,ts,level,component,action,actor,target,status,details_json,duration_ms`

func scanAuditEntry(scan func(dest ...any) error) (domain.AuditEntry, error) {
	var a domain.AuditEntry
	var dur sql.NullInt64
	err := scan(&a.ID, &a.TS, &a.Level, &a.Component, &a.Action, &a.Actor, &a.Target, &a.Status, &a.DetailsJSON, &dur)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if dur.Valid {
		d := dur.Int64
		a.DurationMS = &d
	}
	return a, nil
}

// LatestAuditEntries returns audit rows newest first, optionally filtered by
// component, with ID-based cursor pagination.
func (r Repo) LatestAuditEntries(ctx context.Context, limit int, cursor int64, component string) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE 1=1`
	var args []any
	if component != "" {
		query += ` AND component=?`
		args = append(args, component)
	}
	if cursor > 0 {
		query += ` AND id<?`
		args = append(args, cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	return r.queryAuditEntries(ctx, query, args...)
}

// AuditEntriesAfter returns audit rows with IDs greater than the cursor in
// ascending order.
func (r Repo) AuditEntriesAfter(ctx context.Context, limit int, cursor int64) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryAuditEntries(ctx, query, cursor, limit)
}

// AuditEntriesBefore returns audit rows older than the cutoff timestamp in
// ascending order. Used when archiving rows out of the live table.
func (r Repo) AuditEntriesBefore(ctx context.Context, cutoff string) ([]domain.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE ts<? ORDER BY id ASC`
	return r.queryAuditEntries(ctx, query, cutoff)
}

// LatestAuditEntryID returns the most recent audit row ID.
func (r Repo) LatestAuditEntryID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryAuditEntries(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		a, err := scanAuditEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
