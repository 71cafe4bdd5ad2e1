package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"steward/internal/audit"
	"steward/internal/domain"
	"steward/internal/repo"
)

// ErrDuplicate signals that an event with the same ID was already pushed.
var ErrDuplicate = errors.New("duplicate event")

var validSources = map[string]bool{
	"gmail": true, "whatsapp": true, "linkedin": true, "filesystem": true,
	"calendar": true, "slack": true, "scheduler": true,
}

var validPriorities = map[string]bool{
	"low": true, "medium": true, "high": true, "urgent": true,
}

// Queue is the durable inbox. Events enter the needs-action partition via
// Push and leave it exactly once via Ack or Reject.
type Queue struct {
	DB    *sql.DB
	Repo  repo.Repo
	Audit audit.Writer
	Now   func() time.Time
}

func New(db *sql.DB) Queue {
	return Queue{
		DB:    db,
		Repo:  repo.Repo{DB: db},
		Audit: audit.Writer{DB: db},
		Now:   time.Now,
	}
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Push validates and stores an incoming event in needs-action. A missing
// event ID is generated from the arrival time and source; a duplicate ID
// returns ErrDuplicate without touching the stored event.
func (q Queue) Push(ctx context.Context, e domain.Event) (domain.Event, error) {
	if !validSources[e.Source] {
		return domain.Event{}, fmt.Errorf("unknown source %q", e.Source)
	}
	if e.Priority == "" {
		e.Priority = "medium"
	}
	if !validPriorities[e.Priority] {
		return domain.Event{}, fmt.Errorf("unknown priority %q", e.Priority)
	}
	if strings.TrimSpace(e.Body) == "" {
		return domain.Event{}, errors.New("event body is required")
	}
	if e.Kind == "" {
		return domain.Event{}, errors.New("event kind is required")
	}
	now := q.now().UTC()
	if e.CreatedAt == "" {
		e.CreatedAt = now.Format(time.RFC3339)
	} else if _, err := time.Parse(time.RFC3339, e.CreatedAt); err != nil {
		return domain.Event{}, fmt.Errorf("invalid created_at: %w", err)
	}
	if e.EventID == "" {
		e.EventID = GenerateEventID(now, e.Source)
	}
	e.Partition = domain.PartitionNeedsAction
	e.Processed = false

	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()

	if _, err := q.Repo.GetEventTx(ctx, tx, e.EventID); err == nil {
		return domain.Event{}, fmt.Errorf("%w: %s", ErrDuplicate, e.EventID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Event{}, err
	}
	if err := q.Repo.InsertEvent(ctx, tx, e); err != nil {
		return domain.Event{}, err
	}
	if err := q.Audit.Append(ctx, tx, "queue", "event.push", audit.Entry{
		Target:  e.EventID,
		Details: audit.Details{"source": e.Source, "kind": e.Kind, "priority": e.Priority},
	}); err != nil {
		return domain.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

// Drain returns up to limit needs-action events, oldest first. Events stay
// in the partition until explicitly acked.
func (q Queue) Drain(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 10
	}
	return q.Repo.PendingEvents(ctx, limit)
}

// Ack moves an event from needs-action to done. Acking an event that is
// already gone is not an error; the no-op is logged and swallowed so that
// plan completion and queue processing can both call it.
func (q Queue) Ack(ctx context.Context, eventID string) error {
	return q.finish(ctx, eventID, "event.ack", true)
}

// Reject moves an unprocessable event from needs-action to done without a
// plan, recording why.
func (q Queue) Reject(ctx context.Context, eventID, reason string) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := q.Repo.MoveEvent(ctx, tx, eventID, domain.PartitionNeedsAction, domain.PartitionDone); err != nil {
		return err
	}
	if err := q.Audit.Append(ctx, tx, "queue", "event.reject", audit.Entry{
		Level:   "warning",
		Target:  eventID,
		Status:  "rejected",
		Details: audit.Details{"reason": reason},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (q Queue) finish(ctx context.Context, eventID, action string, tolerateGone bool) error {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = q.Repo.MoveEvent(ctx, tx, eventID, domain.PartitionNeedsAction, domain.PartitionDone)
	if errors.Is(err, repo.ErrNotFound) && tolerateGone {
		tx.Rollback()
		return q.Audit.Log(ctx, "queue", action, audit.Entry{
			Target:  eventID,
			Status:  "noop",
			Details: audit.Details{"reason": "already moved"},
		})
	}
	if err != nil {
		return err
	}
	if err := q.Audit.Append(ctx, tx, "queue", action, audit.Entry{Target: eventID}); err != nil {
		return err
	}
	return tx.Commit()
}

// GenerateEventID builds a sortable event ID from the arrival time, source
// and a random suffix, e.g. 20260828_153000_gmail_a1b2c3.
func GenerateEventID(t time.Time, source string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s_%s_%s", t.UTC().Format("20060102_150405"), source, suffix)
}
