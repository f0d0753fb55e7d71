package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"notifyrelay/internal/clock"
	"notifyrelay/internal/domain"
	"notifyrelay/internal/scheduler"
)

// Store owns scheduled email records. Every state change goes through one of
// these methods; ClaimDue is the only way a record becomes in flight.
type Store interface {
	Create(ctx context.Context, def domain.Definition, payload json.RawMessage) (domain.ScheduledEmail, error)
	Get(ctx context.Context, id string) (domain.ScheduledEmail, error)
	List(ctx context.Context) ([]domain.ScheduledEmail, error)
	// Cancel reports whether this call changed the record.
	Cancel(ctx context.Context, id string) (domain.ScheduledEmail, bool, error)
	ClaimDue(ctx context.Context, now time.Time) ([]domain.ScheduledEmail, error)
	Resolve(ctx context.Context, id string, out domain.Outcome) (domain.ScheduledEmail, error)
	RecoverStuck(ctx context.Context, now time.Time, olderThan time.Duration) (int, error)
	Attempts(ctx context.Context, id string) ([]domain.Attempt, error)
	Close() error
}

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = time.Minute
)

type Options struct {
	Clock        clock.Clock
	Calculator   scheduler.Calculator
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.Calculator.Location() == nil {
		o.Calculator = scheduler.NewCalculator(time.UTC)
	}
	if o.Clock == nil {
		o.Clock = clock.System{Loc: o.Calculator.Location()}
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	return o
}

// lifecycle holds the transition rules shared by every backend.
type lifecycle struct {
	Options
}

func newLifecycle(opts Options) lifecycle {
	return lifecycle{Options: opts.withDefaults()}
}

func (l lifecycle) now() time.Time {
	return l.Clock.Now().In(l.Calculator.Location())
}

func (l lifecycle) newRecord(def domain.Definition, payload json.RawMessage) (domain.ScheduledEmail, error) {
	now := l.now()
	next, err := l.Calculator.Next(def, now)
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	if def.Kind.Recurring() && def.EndAt != nil && next.After(*def.EndAt) {
		return domain.ScheduledEmail{}, fmt.Errorf("%w: first fire %s is after end_at", domain.ErrInvalidSchedule, next.Format(time.RFC3339))
	}
	if !def.Kind.Recurring() {
		def.EndAt = nil
	}
	return domain.ScheduledEmail{
		ID:          "sch_" + uuid.NewString(),
		Payload:     payload,
		Definition:  def,
		Status:      domain.StatusPending,
		NextFireAt:  &next,
		MaxAttempts: l.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// cancel reports whether the record changed. Cancelling twice is a no-op.
func (l lifecycle) cancel(rec *domain.ScheduledEmail) (bool, error) {
	switch rec.Status {
	case domain.StatusCancelled:
		return false, nil
	case domain.StatusCompleted, domain.StatusFailed:
		return false, fmt.Errorf("%w: %s is %s", domain.ErrAlreadyTerminal, rec.ID, rec.Status)
	}
	rec.Status = domain.StatusCancelled
	rec.NextFireAt = nil
	rec.ClaimedAt = nil
	rec.UpdatedAt = l.now()
	return true, nil
}

func (l lifecycle) claim(rec *domain.ScheduledEmail, now time.Time) {
	rec.Status = domain.StatusInFlight
	rec.ClaimedAt = &now
	rec.UpdatedAt = now
}

func due(rec *domain.ScheduledEmail, now time.Time) bool {
	return rec.Status == domain.StatusPending && rec.NextFireAt != nil && !rec.NextFireAt.After(now)
}

func stuck(rec *domain.ScheduledEmail, cutoff time.Time) bool {
	return rec.Status == domain.StatusInFlight && rec.ClaimedAt != nil && rec.ClaimedAt.Before(cutoff)
}

func (l lifecycle) release(rec *domain.ScheduledEmail, now time.Time) {
	rec.Status = domain.StatusPending
	rec.ClaimedAt = nil
	rec.UpdatedAt = now
}

// resolve applies a delivery outcome to an in-flight record and returns the
// attempt to append to its history.
func (l lifecycle) resolve(rec *domain.ScheduledEmail, out domain.Outcome) (domain.Attempt, error) {
	if rec.Status != domain.StatusInFlight {
		return domain.Attempt{}, fmt.Errorf("%w: %s is %s", domain.ErrNotClaimed, rec.ID, rec.Status)
	}
	now := l.now()
	att := domain.Attempt{
		ScheduleID: rec.ID,
		Attempt:    rec.AttemptCount + 1,
		Success:    out.Success,
		Error:      out.Reason,
		MessageID:  out.MessageID,
		At:         now,
	}
	rec.ClaimedAt = nil
	rec.UpdatedAt = now

	if out.Success {
		l.rearm(rec, now)
		return att, nil
	}

	rec.AttemptCount++
	rec.LastError = out.Reason
	if out.Permanent || rec.AttemptCount >= rec.MaxAttempts {
		rec.Status = domain.StatusFailed
		rec.NextFireAt = nil
		return att, nil
	}
	retryAt := now.Add(backoff(l.RetryBackoff, rec.AttemptCount))
	rec.Status = domain.StatusPending
	rec.NextFireAt = &retryAt
	return att, nil
}

func (l lifecycle) rearm(rec *domain.ScheduledEmail, now time.Time) {
	fired := now
	if rec.NextFireAt != nil && rec.NextFireAt.After(fired) {
		fired = *rec.NextFireAt
	}
	rec.LastFiredAt = &now
	rec.LastError = ""

	if !rec.Definition.Kind.Recurring() {
		rec.Status = domain.StatusCompleted
		rec.NextFireAt = nil
		return
	}

	rec.AttemptCount = 0
	next, err := l.Calculator.Next(rec.Definition, fired)
	if err != nil {
		rec.Status = domain.StatusFailed
		rec.NextFireAt = nil
		rec.LastError = err.Error()
		return
	}
	if end := rec.Definition.EndAt; end != nil && next.After(*end) {
		rec.Status = domain.StatusCompleted
		rec.NextFireAt = nil
		return
	}
	rec.Status = domain.StatusPending
	rec.NextFireAt = &next
}

// backoff doubles from base per attempt and stops growing at 60x base.
func backoff(base time.Duration, attempts int) time.Duration {
	if attempts <= 0 {
		return base
	}
	d := 1 << (attempts - 1)
	if d > 60 || attempts > 7 {
		d = 60
	}
	return time.Duration(d) * base
}
