package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNotFound        = errors.New("schedule not found")
	ErrAlreadyTerminal = errors.New("schedule already terminal")
	ErrNotClaimed      = errors.New("schedule is not in flight")
)

type Kind string

const (
	KindOnce    Kind = "once"
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
)

// Recurring reports whether the kind re-arms after a successful fire.
func (k Kind) Recurring() bool {
	return k == KindDaily || k == KindWeekly || k == KindMonthly
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Definition describes when a scheduled email fires. Only the fields of its
// Kind are meaningful. DayOfWeek counts from Monday (0) to Sunday (6).
type Definition struct {
	Kind       Kind       `json:"kind"`
	FireAt     time.Time  `json:"fire_at,omitempty"`
	TimeOfDay  string     `json:"time_of_day,omitempty"`
	DayOfWeek  int        `json:"day_of_week"`
	DayOfMonth int        `json:"day_of_month,omitempty"`
	EndAt      *time.Time `json:"end_at,omitempty"`
}

type ScheduledEmail struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload"`
	Definition   Definition      `json:"definition"`
	Status       Status          `json:"status"`
	NextFireAt   *time.Time      `json:"next_fire_at"`
	LastFiredAt  *time.Time      `json:"last_fired_at"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    string          `json:"last_error,omitempty"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Outcome is the result of one delivery attempt as reported to the store.
type Outcome struct {
	Success   bool
	Permanent bool
	Reason    string
	MessageID string
}

func Delivered(messageID string) Outcome {
	return Outcome{Success: true, MessageID: messageID}
}

func Failed(reason string, permanent bool) Outcome {
	return Outcome{Reason: reason, Permanent: permanent}
}

type Attempt struct {
	ScheduleID string    `json:"schedule_id"`
	Attempt    int       `json:"attempt"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	At         time.Time `json:"at"`
}
