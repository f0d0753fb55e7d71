package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"notifyrelay/internal/domain"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS scheduled_emails (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    payload BYTEA NOT NULL,
    definition TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending'
        CHECK (status IN ('pending','in_flight','completed','cancelled','failed')),
    next_fire_at TIMESTAMPTZ,
    last_fired_at TIMESTAMPTZ,
    attempt_count INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    last_error TEXT,
    claimed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_emails_due ON scheduled_emails (status, next_fire_at);
CREATE TABLE IF NOT EXISTS delivery_attempts (
    id BIGSERIAL PRIMARY KEY,
    schedule_id TEXT NOT NULL REFERENCES scheduled_emails(id) ON DELETE CASCADE,
    attempt INTEGER NOT NULL,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error TEXT,
    message_id TEXT,
    at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_delivery_attempts_schedule ON delivery_attempts (schedule_id, id);
`

const pgColumns = `id, payload, definition, status, next_fire_at, last_fired_at, attempt_count, max_attempts, last_error, claimed_at, created_at, updated_at`

// Postgres claims with FOR UPDATE SKIP LOCKED, so redundant dispatchers
// against the same database never share a record.
type Postgres struct {
	pool *pgxpool.Pool
	lc   lifecycle
}

// OpenPostgres connects a pool and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32, opts Options) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	p := &Postgres{pool: pool, lc: newLifecycle(opts)}
	if err := p.InitSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) InitSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, pgSchema)
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) scan(row pgx.Row) (domain.ScheduledEmail, error) {
	var (
		s                   domain.ScheduledEmail
		payload             []byte
		def                 string
		next, last, claimed *time.Time
		lastErr             *string
	)
	if err := row.Scan(&s.ID, &payload, &def, &s.Status, &next, &last, &s.AttemptCount, &s.MaxAttempts, &lastErr, &claimed, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.ScheduledEmail{}, err
	}
	s.Payload = payload
	if err := json.Unmarshal([]byte(def), &s.Definition); err != nil {
		return domain.ScheduledEmail{}, fmt.Errorf("decode definition of %s: %w", s.ID, err)
	}
	loc := p.lc.Calculator.Location()
	s.NextFireAt = inLoc(next, loc)
	s.LastFiredAt = inLoc(last, loc)
	s.ClaimedAt = inLoc(claimed, loc)
	if lastErr != nil {
		s.LastError = *lastErr
	}
	s.CreatedAt = s.CreatedAt.In(loc)
	s.UpdatedAt = s.UpdatedAt.In(loc)
	return s, nil
}

func (p *Postgres) Create(ctx context.Context, def domain.Definition, payload json.RawMessage) (domain.ScheduledEmail, error) {
	s, err := p.lc.newRecord(def, payload)
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	defJSON, err := json.Marshal(s.Definition)
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	_, err = p.pool.Exec(ctx, `
        INSERT INTO scheduled_emails (`+pgColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, []byte(s.Payload), string(defJSON), string(s.Status), s.NextFireAt, s.LastFiredAt,
		s.AttemptCount, s.MaxAttempts, nullStr(s.LastError), s.ClaimedAt, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	return s, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (domain.ScheduledEmail, error) {
	return p.get(ctx, p.pool, id, false)
}

type pgQueryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *Postgres) get(ctx context.Context, q pgQueryer, id string, forUpdate bool) (domain.ScheduledEmail, error) {
	query := `SELECT ` + pgColumns + ` FROM scheduled_emails WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := p.scan(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ScheduledEmail{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return s, err
}

func (p *Postgres) List(ctx context.Context) ([]domain.ScheduledEmail, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+pgColumns+` FROM scheduled_emails ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledEmail
	for rows.Next() {
		s, err := p.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) update(ctx context.Context, tx pgx.Tx, s domain.ScheduledEmail) error {
	_, err := tx.Exec(ctx, `
        UPDATE scheduled_emails
        SET status = $1, next_fire_at = $2, last_fired_at = $3, attempt_count = $4,
            last_error = $5, claimed_at = $6, updated_at = $7
        WHERE id = $8`,
		string(s.Status), s.NextFireAt, s.LastFiredAt, s.AttemptCount, nullStr(s.LastError), s.ClaimedAt, s.UpdatedAt, s.ID)
	return err
}

func (p *Postgres) Cancel(ctx context.Context, id string) (domain.ScheduledEmail, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return domain.ScheduledEmail{}, false, err
	}
	defer tx.Rollback(ctx)

	s, err := p.get(ctx, tx, id, true)
	if err != nil {
		return domain.ScheduledEmail{}, false, err
	}
	changed, err := p.lc.cancel(&s)
	if err != nil || !changed {
		return s, false, err
	}
	if err := p.update(ctx, tx, s); err != nil {
		return domain.ScheduledEmail{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ScheduledEmail{}, false, err
	}
	return s, true, nil
}

// ClaimDue flips every due pending row in one statement.
func (p *Postgres) ClaimDue(ctx context.Context, now time.Time) ([]domain.ScheduledEmail, error) {
	rows, err := p.pool.Query(ctx, `
        UPDATE scheduled_emails
        SET status = 'in_flight', claimed_at = $1, updated_at = $1
        WHERE id IN (
            SELECT id FROM scheduled_emails
            WHERE status = 'pending' AND next_fire_at <= $1
            ORDER BY seq
            FOR UPDATE SKIP LOCKED
        )
        RETURNING seq, `+pgColumns, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type claimedRow struct {
		seq int64
		rec domain.ScheduledEmail
	}
	var claimed []claimedRow
	for rows.Next() {
		var seq int64
		s, err := p.scan(seqRow{row: rows, seq: &seq})
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, claimedRow{seq: seq, rec: s})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING order is unspecified; keep insertion order.
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].seq < claimed[j].seq })
	out := make([]domain.ScheduledEmail, len(claimed))
	for i, c := range claimed {
		out[i] = c.rec
	}
	return out, nil
}

// seqRow peels the leading seq column off a RETURNING row.
type seqRow struct {
	row pgx.Row
	seq *int64
}

func (r seqRow) Scan(dest ...any) error {
	return r.row.Scan(append([]any{r.seq}, dest...)...)
}

func (p *Postgres) Resolve(ctx context.Context, id string, out domain.Outcome) (domain.ScheduledEmail, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	defer tx.Rollback(ctx)

	s, err := p.get(ctx, tx, id, true)
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	att, err := p.lc.resolve(&s, out)
	if err != nil {
		return s, err
	}
	if err := p.update(ctx, tx, s); err != nil {
		return domain.ScheduledEmail{}, err
	}
	_, err = tx.Exec(ctx, `
        INSERT INTO delivery_attempts (schedule_id, attempt, success, error, message_id, at)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		att.ScheduleID, att.Attempt, att.Success, nullStr(att.Error), nullStr(att.MessageID), att.At)
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	return s, tx.Commit(ctx)
}

func (p *Postgres) RecoverStuck(ctx context.Context, now time.Time, olderThan time.Duration) (int, error) {
	tag, err := p.pool.Exec(ctx, `
        UPDATE scheduled_emails
        SET status = 'pending', claimed_at = NULL, updated_at = $1
        WHERE status = 'in_flight' AND claimed_at < $2`, now, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) Attempts(ctx context.Context, id string) ([]domain.Attempt, error) {
	if _, err := p.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `
        SELECT schedule_id, attempt, success, error, message_id, at
        FROM delivery_attempts WHERE schedule_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	loc := p.lc.Calculator.Location()
	var out []domain.Attempt
	for rows.Next() {
		var (
			a             domain.Attempt
			errStr, msgID *string
		)
		if err := rows.Scan(&a.ScheduleID, &a.Attempt, &a.Success, &errStr, &msgID, &a.At); err != nil {
			return nil, err
		}
		if errStr != nil {
			a.Error = *errStr
		}
		if msgID != nil {
			a.MessageID = *msgID
		}
		a.At = a.At.In(loc)
		out = append(out, a)
	}
	return out, rows.Err()
}

func inLoc(t *time.Time, loc *time.Location) *time.Time {
	if t == nil {
		return nil
	}
	v := t.In(loc)
	return &v
}
