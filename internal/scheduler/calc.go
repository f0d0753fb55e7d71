package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"notifyrelay/internal/domain"
)

// Calculator maps a schedule definition and a reference time to the next
// fire time. It has no state besides the reference location.
type Calculator struct {
	loc *time.Location
}

func NewCalculator(loc *time.Location) Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return Calculator{loc: loc}
}

func (c Calculator) Location() *time.Location { return c.loc }

// Next returns the earliest fire time strictly after ref.
func (c Calculator) Next(def domain.Definition, ref time.Time) (time.Time, error) {
	if err := Validate(def); err != nil {
		return time.Time{}, err
	}
	ref = ref.In(c.loc)

	switch def.Kind {
	case domain.KindOnce:
		return c.nextOnce(def, ref)
	case domain.KindDaily, domain.KindWeekly:
		h, m, _ := ParseTimeOfDay(def.TimeOfDay)
		expr := fmt.Sprintf("%d %d * * *", m, h)
		if def.Kind == domain.KindWeekly {
			expr = fmt.Sprintf("%d %d * * %d", m, h, cronWeekday(def.DayOfWeek))
		}
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", domain.ErrInvalidSchedule, err)
		}
		return c.nextWall(ref, sched.Next), nil
	case domain.KindMonthly:
		h, m, _ := ParseTimeOfDay(def.TimeOfDay)
		return c.nextWall(ref, func(wall time.Time) time.Time {
			return nextMonthly(def.DayOfMonth, h, m, wall)
		}), nil
	}
	return time.Time{}, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidSchedule, def.Kind)
}

// nextWall steps through wall-clock candidates, expressed as UTC times so
// DST never shifts them, and returns the first one that resolves after ref.
// A wall time that falls in a DST gap moves forward by the gap; a repeated
// wall time resolves to its first instance only.
func (c Calculator) nextWall(ref time.Time, step func(time.Time) time.Time) time.Time {
	wall := asWall(ref)
	for {
		wall = step(wall)
		if t := c.resolve(wall); t.After(ref) {
			return t
		}
	}
}

func asWall(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// resolve maps a wall-clock time to an instant in the calculator's location.
func (c Calculator) resolve(wall time.Time) time.Time {
	_, before := wall.Add(-36 * time.Hour).In(c.loc).Zone()
	_, after := wall.Add(36 * time.Hour).In(c.loc).Zone()
	var best time.Time
	for _, off := range []int{before, after} {
		t := wall.Add(-time.Duration(off) * time.Second).In(c.loc)
		if asWall(t).Equal(wall) && (best.IsZero() || t.Before(best)) {
			best = t
		}
	}
	if best.IsZero() {
		// Gap: the pre-transition offset lands the gap's length later.
		best = wall.Add(-time.Duration(before) * time.Second).In(c.loc)
	}
	return best
}

// A once schedule whose moment has already passed is rejected rather than
// fired late.
func (c Calculator) nextOnce(def domain.Definition, ref time.Time) (time.Time, error) {
	at := def.FireAt.In(c.loc)
	if !at.After(ref) {
		return time.Time{}, fmt.Errorf("%w: fire_at %s is not in the future", domain.ErrInvalidSchedule, at.Format(time.RFC3339))
	}
	return at, nil
}

// nextMonthly returns the next wall time after ref on day dom, clamped to
// the last day of shorter months. ref and the result are wall times in UTC.
func nextMonthly(dom, hour, minute int, ref time.Time) time.Time {
	y, mo, _ := ref.Date()
	for i := 0; ; i++ {
		cand := monthDay(y, mo+time.Month(i), dom, hour, minute)
		if cand.After(ref) {
			return cand
		}
	}
}

func monthDay(year int, month time.Month, dom, hour, minute int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if dom > last {
		dom = last
	}
	return time.Date(first.Year(), first.Month(), dom, hour, minute, 0, 0, time.UTC)
}

// cronWeekday converts a Monday-based day (0..6) to cron's Sunday-based day.
func cronWeekday(d int) int {
	return (d + 1) % 7
}

// Validate checks the fields required by the definition's kind.
func Validate(def domain.Definition) error {
	switch def.Kind {
	case domain.KindOnce:
		if def.FireAt.IsZero() {
			return fmt.Errorf("%w: fire_at is required for once schedules", domain.ErrInvalidSchedule)
		}
		return nil
	case domain.KindDaily, domain.KindWeekly, domain.KindMonthly:
	default:
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidSchedule, def.Kind)
	}

	if _, _, err := ParseTimeOfDay(def.TimeOfDay); err != nil {
		return err
	}
	if def.Kind == domain.KindWeekly && (def.DayOfWeek < 0 || def.DayOfWeek > 6) {
		return fmt.Errorf("%w: day_of_week %d out of range 0-6", domain.ErrInvalidSchedule, def.DayOfWeek)
	}
	if def.Kind == domain.KindMonthly && (def.DayOfMonth < 1 || def.DayOfMonth > 31) {
		return fmt.Errorf("%w: day_of_month %d out of range 1-31", domain.ErrInvalidSchedule, def.DayOfMonth)
	}
	return nil
}

// ParseTimeOfDay parses "HH:MM" with hours 0-23 and minutes 0-59.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(mm) != 2 || hh == "" || len(hh) > 2 || !digits(hh) || !digits(mm) {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", domain.ErrInvalidSchedule, s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", domain.ErrInvalidSchedule, s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: time %q must be HH:MM", domain.ErrInvalidSchedule, s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: time %q out of range", domain.ErrInvalidSchedule, s)
	}
	return hour, minute, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
