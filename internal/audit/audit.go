package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends entries to the audit_log table. Entries written through
// Append share the transaction of the state change they describe.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Details map[string]any

// Entry carries the optional fields of an audit record.
type Entry struct {
	Level      string
	Actor      string
	Target     string
	Status     string
	Details    Details
	DurationMS *int64
}

const insertSQL = `INSERT INTO audit_log(ts,level,component,action,actor,target,status,details_json,duration_ms) VALUES (?,?,?,?,?,?,?,?,?)`

// Append writes one audit row inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, component, action string, e Entry) error {
	args, err := w.row(component, action, e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, insertSQL, args...)
	return err
}

// Log writes one audit row outside any transaction. Used for failures,
// where the state change being described did not commit.
func (w Writer) Log(ctx context.Context, component, action string, e Entry) error {
	args, err := w.row(component, action, e)
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx, insertSQL, args...)
	return err
}

func (w Writer) row(component, action string, e Entry) ([]any, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if e.Level == "" {
		e.Level = "info"
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	if e.Status == "" {
		e.Status = "success"
	}
	if e.Details == nil {
		e.Details = Details{}
	}
	data, err := json.Marshal(e.Details)
	if err != nil {
		return nil, fmt.Errorf("marshal audit details: %w", err)
	}
	var dur any
	if e.DurationMS != nil {
		dur = *e.DurationMS
	}
	return []any{ts, e.Level, component, action, e.Actor, e.Target, e.Status, string(data), dur}, nil
}

// Prune deletes audit rows older than the retention window. A zero
// retention disables pruning.
func (w Writer) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	cutoff := now().UTC().Add(-retention).Format(time.RFC3339)
	res, err := w.DB.ExecContext(ctx, `DELETE FROM audit_log WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
