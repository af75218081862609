// Package recurrence computes the next due timestamp for a schedule.
//
// Next is a pure function of (definition, now): it performs no I/O and
// always returns a timestamp strictly after now. Whether a missed
// occurrence is run once on catch-up or silently skipped is the
// engine's policy, not this package's.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/pinebi/report-engine/internal/domain"
)

// ErrInvalidDefinition marks a definition the calculator cannot work
// with. The engine deactivates such schedules pending operator
// correction.
var ErrInvalidDefinition = errors.New("invalid schedule definition")

// Parser turns an opaque recurrence expression into a Schedule.
// The cron package provides the production implementation.
type Parser interface {
	Parse(expression string, timezone string) (Schedule, error)
}

type Schedule interface {
	Next(after time.Time) time.Time
}

type Calculator struct {
	parser Parser
}

func NewCalculator(parser Parser) *Calculator {
	return &Calculator{parser: parser}
}

// Next returns the smallest occurrence of def strictly after now, in UTC.
func (c *Calculator) Next(def domain.ScheduleDefinition, now time.Time) (time.Time, error) {
	if err := def.Validate(); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	tz := def.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: load timezone %s: %v", ErrInvalidDefinition, tz, err)
	}
	local := now.In(loc)

	switch def.Frequency {
	case domain.FrequencyDaily:
		return nextDaily(def.TimeOfDay, local), nil
	case domain.FrequencyWeekly:
		return nextWeekly(def.TimeOfDay, def.DayOfWeek, local), nil
	case domain.FrequencyMonthly:
		return nextMonthly(def.TimeOfDay, def.DayOfMonth, 1, local), nil
	case domain.FrequencyQuarterly:
		return nextMonthly(def.TimeOfDay, def.DayOfMonth, 3, local), nil
	case domain.FrequencyCustom:
		return c.nextCustom(def.CustomRule, tz, local)
	}

	return time.Time{}, fmt.Errorf("%w: frequency %q", ErrInvalidDefinition, def.Frequency)
}

func nextDaily(tod domain.TimeOfDay, local time.Time) time.Time {
	candidate := at(local, tod)
	if !candidate.After(local) {
		candidate = at(local.AddDate(0, 0, 1), tod)
	}
	return candidate.UTC()
}

func nextWeekly(tod domain.TimeOfDay, dow time.Weekday, local time.Time) time.Time {
	days := (int(dow) - int(local.Weekday()) + 7) % 7
	candidate := at(local.AddDate(0, 0, days), tod)
	if !candidate.After(local) {
		candidate = at(local.AddDate(0, 0, days+7), tod)
	}
	return candidate.UTC()
}

// nextMonthly handles both monthly (step=1) and quarterly (step=3)
// frequencies. A day-of-month past the end of the target month clamps
// to the month's last day.
func nextMonthly(tod domain.TimeOfDay, dom, step int, local time.Time) time.Time {
	year, month := local.Year(), local.Month()
	for i := 0; i < 2; i++ {
		day := clampDay(year, month, dom)
		candidate := time.Date(year, month, day, tod.Hour, tod.Minute, 0, 0, local.Location())
		if candidate.After(local) {
			return candidate.UTC()
		}
		next := time.Date(year, month, 1, 0, 0, 0, 0, local.Location()).AddDate(0, step, 0)
		year, month = next.Year(), next.Month()
	}
	// Unreachable: the second iteration's month is always in the future.
	return time.Date(year, month, clampDay(year, month, dom), tod.Hour, tod.Minute, 0, 0, local.Location()).UTC()
}

func (c *Calculator) nextCustom(expr, tz string, local time.Time) (time.Time, error) {
	if c.parser == nil {
		return time.Time{}, fmt.Errorf("%w: no custom rule parser configured", ErrInvalidDefinition)
	}
	sched, err := c.parser.Parse(expr, tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: parse custom rule %q: %v", ErrInvalidDefinition, expr, err)
	}
	next := sched.Next(local)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: custom rule %q yields no future occurrence", ErrInvalidDefinition, expr)
	}
	return next.UTC(), nil
}

func at(day time.Time, tod domain.TimeOfDay) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, 0, 0, day.Location())
}

func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}

// PeriodStart returns the beginning of the period that ends at the
// given occurrence, used as the report date window's lower bound.
func PeriodStart(def domain.ScheduleDefinition, occurrence time.Time) time.Time {
	switch def.Frequency {
	case domain.FrequencyWeekly:
		return occurrence.AddDate(0, 0, -7)
	case domain.FrequencyMonthly:
		return occurrence.AddDate(0, -1, 0)
	case domain.FrequencyQuarterly:
		return occurrence.AddDate(0, -3, 0)
	default:
		return occurrence.AddDate(0, 0, -1)
	}
}
