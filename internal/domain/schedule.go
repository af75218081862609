package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyCustom    Frequency = "custom"
)

type OutputFormat string

const (
	FormatPDF   OutputFormat = "pdf"
	FormatExcel OutputFormat = "excel"
	FormatCSV   OutputFormat = "csv"
)

// TimeOfDay is a wall-clock time in the schedule's timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var t TimeOfDay
	if _, err := fmt.Sscanf(s, "%d:%d", &t.Hour, &t.Minute); err != nil {
		return TimeOfDay{}, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", s)
	}
	return t, nil
}

type RunStatus string

const (
	RunStatusDelivered RunStatus = "delivered"
	RunStatusFailed    RunStatus = "failed"
)

// ScheduleDefinition is a recurring report-execution definition.
// The engine only reads definitions; creation and editing belong to the
// admin console. The engine writes back LastRun, NextRun, LastStatus,
// LastError and Version after each processing pass.
type ScheduleDefinition struct {
	ID       uuid.UUID
	ReportID string

	Frequency  Frequency
	TimeOfDay  TimeOfDay
	DayOfWeek  time.Weekday // weekly only
	DayOfMonth int          // monthly/quarterly only, 1-31
	CustomRule string       // custom only, cron expression
	Timezone   string       // IANA timezone, defaults to UTC

	Recipients   []string
	OutputFormat OutputFormat

	IsActive   bool
	LastRun    *time.Time
	NextRun    time.Time
	LastStatus RunStatus
	LastError  string

	// Version guards every write with optimistic concurrency.
	Version int64

	// Lease fields are set while a runner owns the current occurrence.
	LeaseOwner     string
	LeaseExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks structural invariants of the definition.
func (d ScheduleDefinition) Validate() error {
	switch d.Frequency {
	case FrequencyDaily:
	case FrequencyWeekly:
		if d.DayOfWeek < time.Sunday || d.DayOfWeek > time.Saturday {
			return fmt.Errorf("schedule %s: day of week %d out of range", d.ID, d.DayOfWeek)
		}
	case FrequencyMonthly, FrequencyQuarterly:
		if d.DayOfMonth < 1 || d.DayOfMonth > 31 {
			return fmt.Errorf("schedule %s: day of month %d out of range", d.ID, d.DayOfMonth)
		}
	case FrequencyCustom:
		if d.CustomRule == "" {
			return fmt.Errorf("schedule %s: custom rule is required", d.ID)
		}
	default:
		return fmt.Errorf("schedule %s: unknown frequency %q", d.ID, d.Frequency)
	}

	if d.ReportID == "" {
		return fmt.Errorf("schedule %s: report id is required", d.ID)
	}
	if len(d.Recipients) == 0 {
		return fmt.Errorf("schedule %s: recipients must not be empty", d.ID)
	}
	switch d.OutputFormat {
	case FormatPDF, FormatExcel, FormatCSV:
	default:
		return fmt.Errorf("schedule %s: unknown output format %q", d.ID, d.OutputFormat)
	}
	return nil
}
