package events

import (
	"context"
	"time"

	"notifyrelay/internal/domain"
)

type Type string

const (
	ScheduleCreated   Type = "schedule.created"
	ScheduleFired     Type = "schedule.fired"
	ScheduleRetrying  Type = "schedule.retrying"
	ScheduleFailed    Type = "schedule.failed"
	ScheduleCompleted Type = "schedule.completed"
	ScheduleCancelled Type = "schedule.cancelled"
)

// Event is a lifecycle notification about one scheduled email. The payload
// is never included.
type Event struct {
	Type       Type          `json:"type"`
	ScheduleID string        `json:"schedule_id"`
	Kind       domain.Kind   `json:"kind"`
	Status     domain.Status `json:"status"`
	Attempt    int           `json:"attempt,omitempty"`
	MessageID  string        `json:"message_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	NextFireAt *time.Time    `json:"next_fire_at,omitempty"`
	At         time.Time     `json:"at"`
}

func FromRecord(t Type, rec domain.ScheduledEmail, at time.Time) Event {
	return Event{
		Type:       t,
		ScheduleID: rec.ID,
		Kind:       rec.Definition.Kind,
		Status:     rec.Status,
		Error:      rec.LastError,
		NextFireAt: rec.NextFireAt,
		At:         at,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
