package api

import (
	"fmt"
	"strings"
	"time"

	"notifyrelay/internal/domain"
)

// scheduleSpec is the wire form of a schedule definition.
type scheduleSpec struct {
	Type        string  `json:"schedule_type"`
	SendAt      *string `json:"send_at"`
	DailyTime   string  `json:"daily_time"`
	WeeklyDay   *int    `json:"weekly_day"`
	WeeklyTime  string  `json:"weekly_time"`
	MonthlyDay  *int    `json:"monthly_day"`
	MonthlyTime string  `json:"monthly_time"`
	EndDate     *string `json:"end_date"`
}

// Timestamps without an offset are read in the service timezone.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: cannot parse timestamp %q", domain.ErrInvalidSchedule, s)
}

func (s scheduleSpec) definition(loc *time.Location) (domain.Definition, error) {
	def := domain.Definition{Kind: domain.Kind(s.Type)}
	switch def.Kind {
	case domain.KindOnce:
		if s.SendAt == nil || *s.SendAt == "" {
			return def, fmt.Errorf("%w: send_at is required for 'once' schedule type", domain.ErrInvalidSchedule)
		}
		t, err := parseTimestamp(*s.SendAt, loc)
		if err != nil {
			return def, err
		}
		def.FireAt = t
	case domain.KindDaily:
		if s.DailyTime == "" {
			return def, fmt.Errorf("%w: daily_time is required for 'daily' schedule type", domain.ErrInvalidSchedule)
		}
		def.TimeOfDay = s.DailyTime
	case domain.KindWeekly:
		if s.WeeklyDay == nil || s.WeeklyTime == "" {
			return def, fmt.Errorf("%w: weekly_day and weekly_time are required for 'weekly' schedule type", domain.ErrInvalidSchedule)
		}
		def.DayOfWeek = *s.WeeklyDay
		def.TimeOfDay = s.WeeklyTime
	case domain.KindMonthly:
		if s.MonthlyDay == nil || s.MonthlyTime == "" {
			return def, fmt.Errorf("%w: monthly_day and monthly_time are required for 'monthly' schedule type", domain.ErrInvalidSchedule)
		}
		def.DayOfMonth = *s.MonthlyDay
		def.TimeOfDay = s.MonthlyTime
	default:
		return def, fmt.Errorf("%w: unknown schedule_type %q", domain.ErrInvalidSchedule, s.Type)
	}

	if s.EndDate != nil && *s.EndDate != "" && def.Kind.Recurring() {
		end, err := parseTimestamp(*s.EndDate, loc)
		if err != nil {
			return def, err
		}
		def.EndAt = &end
	}
	return def, nil
}

