package repo

import (
	"context"
	"database/sql"
	"strings"

	"steward/internal/domain"
)

const eventColumns = `event_id,source,kind,priority,summary,body,metadata_json,folder,processed,created_at`

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var metadata sql.NullString
	err := scan(&e.EventID, &e.Source, &e.Kind, &e.Priority, &e.Summary, &e.Body, &metadata, &e.Partition, &e.Processed, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.MetadataJSON = optionalString(metadata)
	return e, nil
}

func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events(`+eventColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.EventID, e.Source, e.Kind, e.Priority, e.Summary, e.Body, nullableStringPtr(e.MetadataJSON), e.Partition, e.Processed, e.CreatedAt)
	return err
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id=?`, id)
	return scanEvent(row.Scan)
}

func (r Repo) GetEventTx(ctx context.Context, tx *sql.Tx, id string) (domain.Event, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id=?`, id)
	return scanEvent(row.Scan)
}

type EventFilters struct {
	Partition string
	Source    string
	Limit     int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.Partition != "" {
		clauses = append(clauses, "folder=?")
		args = append(args, f.Partition)
	}
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + eventColumns + ` FROM events ` + where + ` ORDER BY created_at ASC, event_id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// PendingEvents returns needs-action events in arrival order, oldest first.
func (r Repo) PendingEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	return r.ListEvents(ctx, EventFilters{Partition: domain.PartitionNeedsAction, Limit: limit})
}

// MoveEvent shifts an event between partitions with a compare-and-set on the
// source partition. Returns ErrNotFound when the event is absent or already
// moved, so concurrent movers see exactly one winner.
func (r Repo) MoveEvent(ctx context.Context, tx *sql.Tx, eventID, from, to string) error {
	res, err := tx.ExecContext(ctx, `UPDATE events SET folder=? WHERE event_id=? AND folder=?`, to, eventID, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkEventProcessed(ctx context.Context, tx *sql.Tx, eventID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE events SET processed=1 WHERE event_id=?`, eventID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountEventsByPartition(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT folder, count(*) FROM events GROUP BY folder`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var partition string
		var count int
		if err := rows.Scan(&partition, &count); err != nil {
			return nil, err
		}
		res[partition] = count
	}
	return res, rows.Err()
}
