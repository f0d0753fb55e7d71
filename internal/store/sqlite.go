package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notifyrelay/internal/domain"
)

// EnsureSchema creates tables if they don't exist. Timestamps are unix
// milliseconds so range comparisons stay numeric.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS scheduled_emails (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  payload BLOB NOT NULL,
  definition TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','in_flight','completed','cancelled','failed')) DEFAULT 'pending',
  next_fire_at INTEGER,
  last_fired_at INTEGER,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  last_error TEXT,
  claimed_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_emails_due ON scheduled_emails(status, next_fire_at);
CREATE TABLE IF NOT EXISTS delivery_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  schedule_id TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  message_id TEXT,
  at INTEGER NOT NULL,
  FOREIGN KEY(schedule_id) REFERENCES scheduled_emails(id)
);
CREATE INDEX IF NOT EXISTS idx_delivery_attempts_schedule ON delivery_attempts(schedule_id, id);
`
	_, err := db.Exec(schema)
	return err
}

const sqliteColumns = `id,payload,definition,status,next_fire_at,last_fired_at,attempt_count,max_attempts,last_error,claimed_at,created_at,updated_at`

// SQLite expects a *sql.DB limited to one open connection; that connection
// serializes transactions, and claims are guarded by status checks.
type SQLite struct {
	db *sql.DB
	lc lifecycle
}

func NewSQLite(db *sql.DB, opts Options) *SQLite {
	return &SQLite{db: db, lc: newLifecycle(opts)}
}

// DB returns the underlying database connection.
func (r *SQLite) DB() *sql.DB { return r.db }

func (r *SQLite) Close() error { return r.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SQLite) scan(row rowScanner) (domain.ScheduledEmail, error) {
	var (
		s                    domain.ScheduledEmail
		payload              []byte
		def                  string
		next, last, claimed  sql.NullInt64
		lastErr              sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&s.ID, &payload, &def, &s.Status, &next, &last, &s.AttemptCount, &s.MaxAttempts, &lastErr, &claimed, &createdAt, &updatedAt); err != nil {
		return domain.ScheduledEmail{}, err
	}
	s.Payload = payload
	if err := json.Unmarshal([]byte(def), &s.Definition); err != nil {
		return domain.ScheduledEmail{}, fmt.Errorf("decode definition of %s: %w", s.ID, err)
	}
	loc := r.lc.Calculator.Location()
	s.NextFireAt = fromMillis(next, loc)
	s.LastFiredAt = fromMillis(last, loc)
	s.ClaimedAt = fromMillis(claimed, loc)
	s.LastError = lastErr.String
	s.CreatedAt = time.UnixMilli(createdAt).In(loc)
	s.UpdatedAt = time.UnixMilli(updatedAt).In(loc)
	return s, nil
}

func (r *SQLite) Create(ctx context.Context, def domain.Definition, payload json.RawMessage) (domain.ScheduledEmail, error) {
	s, err := r.lc.newRecord(def, payload)
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	defJSON, err := json.Marshal(s.Definition)
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO scheduled_emails (`+sqliteColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`, s.ID, []byte(s.Payload), string(defJSON), s.Status, millis(s.NextFireAt), millis(s.LastFiredAt), s.AttemptCount, s.MaxAttempts, nullStr(s.LastError), millis(s.ClaimedAt), s.CreatedAt.UnixMilli(), s.UpdatedAt.UnixMilli())
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	return s, nil
}

func (r *SQLite) Get(ctx context.Context, id string) (domain.ScheduledEmail, error) {
	return r.get(ctx, r.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLite) get(ctx context.Context, q queryer, id string) (domain.ScheduledEmail, error) {
	s, err := r.scan(q.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM scheduled_emails WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledEmail{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return s, err
}

func (r *SQLite) List(ctx context.Context) ([]domain.ScheduledEmail, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM scheduled_emails ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledEmail
	for rows.Next() {
		s, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SQLite) Cancel(ctx context.Context, id string) (domain.ScheduledEmail, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScheduledEmail{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := r.get(ctx, tx, id)
	if err != nil {
		return domain.ScheduledEmail{}, false, err
	}
	changed, err := r.lc.cancel(&s)
	if err != nil || !changed {
		return s, false, err
	}
	if err := r.update(ctx, tx, s, ""); err != nil {
		return domain.ScheduledEmail{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ScheduledEmail{}, false, err
	}
	return s, true, nil
}

// update writes the mutable columns. A non-empty fromStatus makes the write
// conditional and reports a lost race as ErrNotClaimed.
func (r *SQLite) update(ctx context.Context, tx *sql.Tx, s domain.ScheduledEmail, fromStatus domain.Status) error {
	query := `
UPDATE scheduled_emails
SET status=?, next_fire_at=?, last_fired_at=?, attempt_count=?, last_error=?, claimed_at=?, updated_at=?
WHERE id=?`
	args := []any{s.Status, millis(s.NextFireAt), millis(s.LastFiredAt), s.AttemptCount, nullStr(s.LastError), millis(s.ClaimedAt), s.UpdatedAt.UnixMilli(), s.ID}
	if fromStatus != "" {
		query += ` AND status=?`
		args = append(args, fromStatus)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s changed concurrently", domain.ErrNotClaimed, s.ID)
	}
	return nil
}

func (r *SQLite) ClaimDue(ctx context.Context, now time.Time) ([]domain.ScheduledEmail, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT `+sqliteColumns+`
FROM scheduled_emails
WHERE status='pending' AND next_fire_at <= ?
ORDER BY seq
`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	var due []domain.ScheduledEmail
	for rows.Next() {
		s, err := r.scan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claimed := make([]domain.ScheduledEmail, 0, len(due))
	for _, s := range due {
		r.lc.claim(&s, now)
		if err := r.update(ctx, tx, s, domain.StatusPending); err != nil {
			if errors.Is(err, domain.ErrNotClaimed) {
				continue
			}
			return nil, err
		}
		claimed = append(claimed, s)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *SQLite) Resolve(ctx context.Context, id string, out domain.Outcome) (domain.ScheduledEmail, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	defer func() { _ = tx.Rollback() }()

	s, err := r.get(ctx, tx, id)
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	att, err := r.lc.resolve(&s, out)
	if err != nil {
		return s, err
	}
	if err := r.update(ctx, tx, s, domain.StatusInFlight); err != nil {
		return domain.ScheduledEmail{}, err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO delivery_attempts(schedule_id, attempt, success, error, message_id, at) VALUES (?,?,?,?,?,?)`,
		att.ScheduleID, att.Attempt, att.Success, nullStr(att.Error), nullStr(att.MessageID), att.At.UnixMilli())
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	return s, tx.Commit()
}

func (r *SQLite) RecoverStuck(ctx context.Context, now time.Time, olderThan time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_emails
SET status='pending', claimed_at=NULL, updated_at=?
WHERE status='in_flight' AND claimed_at < ?;`, now.UnixMilli(), now.Add(-olderThan).UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLite) Attempts(ctx context.Context, id string) ([]domain.Attempt, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT schedule_id, attempt, success, error, message_id, at
FROM delivery_attempts WHERE schedule_id=? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	loc := r.lc.Calculator.Location()
	var out []domain.Attempt
	for rows.Next() {
		var (
			a             domain.Attempt
			errStr, msgID sql.NullString
			at            int64
		)
		if err := rows.Scan(&a.ScheduleID, &a.Attempt, &a.Success, &errStr, &msgID, &at); err != nil {
			return nil, err
		}
		a.Error = errStr.String
		a.MessageID = msgID.String
		a.At = time.UnixMilli(at).In(loc)
		out = append(out, a)
	}
	return out, rows.Err()
}

func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64, loc *time.Location) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).In(loc)
	return &t
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
