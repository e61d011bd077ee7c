package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"repairline/internal/domain"
)

// TimeLayout is fixed width so stored timestamps compare lexically.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Timestamp formats t for storage.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// ClaimEvent atomically takes ownership of eventID for runID. It succeeds
// when no row exists or the existing claim is in progress and older than
// staleBefore. Completed rows are never reclaimed.
func (r Repo) ClaimEvent(ctx context.Context, eventID, runID string, now, staleBefore time.Time) (bool, error) {
	ts := Timestamp(now)
	res, err := r.DB.ExecContext(ctx, `INSERT INTO processed_events(event_id,status,run_id,task_id,claimed_at,updated_at) VALUES (?,?,?,NULL,?,?)
ON CONFLICT(event_id) DO UPDATE SET run_id=excluded.run_id, claimed_at=excluded.claimed_at, updated_at=excluded.updated_at
WHERE processed_events.status=? AND processed_events.claimed_at<?`,
		eventID, domain.ProcessedInProgress, runID, ts, ts, domain.ProcessedInProgress, Timestamp(staleBefore))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkEventCompleted records a completed run, inserting the row when the
// run never claimed it.
func (r Repo) MarkEventCompleted(ctx context.Context, eventID, runID, taskID string, now time.Time) error {
	ts := Timestamp(now)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO processed_events(event_id,status,run_id,task_id,claimed_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(event_id) DO UPDATE SET status=excluded.status, run_id=excluded.run_id, task_id=excluded.task_id, updated_at=excluded.updated_at`,
		eventID, domain.ProcessedCompleted, nullable(runID), nullable(taskID), ts, ts)
	return err
}

// ReleaseEvent drops an in-progress claim held by runID.
func (r Repo) ReleaseEvent(ctx context.Context, eventID, runID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM processed_events WHERE event_id=? AND run_id=? AND status=?`,
		eventID, runID, domain.ProcessedInProgress)
	return err
}

func (r Repo) GetProcessedEvent(ctx context.Context, eventID string) (domain.ProcessedEvent, error) {
	var (
		e             domain.ProcessedEvent
		runID, taskID sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT event_id,status,run_id,task_id,claimed_at,updated_at FROM processed_events WHERE event_id=?`, eventID).
		Scan(&e.EventID, &e.Status, &runID, &taskID, &e.ClaimedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	e.RunID, e.TaskID = runID.String, taskID.String
	return e, err
}

// ListProcessedEvents returns guard rows, most recently updated first.
func (r Repo) ListProcessedEvents(ctx context.Context, limit int) ([]domain.ProcessedEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT event_id,status,run_id,task_id,claimed_at,updated_at FROM processed_events ORDER BY updated_at DESC, event_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProcessedEvent
	for rows.Next() {
		var (
			e             domain.ProcessedEvent
			runID, taskID sql.NullString
		)
		if err := rows.Scan(&e.EventID, &e.Status, &runID, &taskID, &e.ClaimedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.RunID, e.TaskID = runID.String, taskID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) WebhookSecret(ctx context.Context, resourceID string) (string, error) {
	var secret string
	err := r.DB.QueryRowContext(ctx, `SELECT secret FROM webhook_secrets WHERE resource_id=?`, resourceID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return secret, err
}

// OpenWebhookHandshake lets the next handshake for resourceID replace its
// stored secret until expires.
func (r Repo) OpenWebhookHandshake(ctx context.Context, resourceID string, now, expires time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_handshakes(resource_id,opened_at,expires_at) VALUES (?,?,?)
ON CONFLICT(resource_id) DO UPDATE SET opened_at=excluded.opened_at, expires_at=excluded.expires_at`, resourceID, Timestamp(now), Timestamp(expires))
	return err
}

func (r Repo) CloseWebhookHandshake(ctx context.Context, resourceID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM webhook_handshakes WHERE resource_id=?`, resourceID)
	return err
}

// AcceptWebhookSecret stores secret when resourceID has no secret yet or an
// open handshake, consuming the handshake. It reports false and changes
// nothing otherwise.
func (r Repo) AcceptWebhookSecret(ctx context.Context, resourceID, secret string, now time.Time) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ts := Timestamp(now)
	res, err := tx.ExecContext(ctx, `DELETE FROM webhook_handshakes WHERE resource_id=? AND expires_at>?`, resourceID, ts)
	if err != nil {
		return false, err
	}
	opened, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if opened == 0 {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM webhook_secrets WHERE resource_id=?`, resourceID).Scan(&n); err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO webhook_secrets(resource_id,secret,created_at) VALUES (?,?,?)
ON CONFLICT(resource_id) DO UPDATE SET secret=excluded.secret, created_at=excluded.created_at`, resourceID, secret, ts); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (r Repo) InsertWebhookRegistration(ctx context.Context, w domain.WebhookRegistration) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_registrations(webhook_id,resource_id,target,created_at) VALUES (?,?,?,?)
ON CONFLICT(webhook_id) DO UPDATE SET target=excluded.target`, w.WebhookID, w.ResourceID, w.Target, w.CreatedAt)
	return err
}

func (r Repo) ListWebhookRegistrations(ctx context.Context) ([]domain.WebhookRegistration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT webhook_id,resource_id,target,created_at FROM webhook_registrations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WebhookRegistration
	for rows.Next() {
		var w domain.WebhookRegistration
		if err := rows.Scan(&w.WebhookID, &w.ResourceID, &w.Target, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// InsertEvent appends one audit row.
func (r Repo) InsertEvent(ctx context.Context, e domain.Event) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,event_id,run_id,task_id,payload_json) VALUES (?,?,?,?,?,?)`,
		e.TS, e.Type, nullable(e.EventID), nullable(e.RunID), nullable(e.TaskID), nullable(e.Payload))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// EventFilter narrows LatestEvents. Zero values match everything.
type EventFilter struct {
	Type    string
	EventID string
	RunID   string
	Before  int64
}

// LatestEvents returns audit rows newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EventID != "" {
		clauses = append(clauses, "event_id=?")
		args = append(args, f.EventID)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,event_id,run_id,task_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with ids greater than the cursor in ascending
// order, for tailing.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,event_id,run_id,task_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var (
			e                      domain.Event
			eventID, runID, taskID sql.NullString
			payload                sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &eventID, &runID, &taskID, &payload); err != nil {
			return nil, err
		}
		e.EventID, e.RunID, e.TaskID, e.Payload = eventID.String, runID.String, taskID.String, payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}
