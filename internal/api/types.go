package api

import (
	"time"

	"github.com/pinebi/report-engine/internal/domain"
)

// scheduleView is the wire shape of a schedule for the admin console.
type scheduleView struct {
	ID           string     `json:"id"`
	ReportID     string     `json:"reportId"`
	Frequency    string     `json:"frequency"`
	TimeOfDay    string     `json:"timeOfDay"`
	DayOfWeek    int        `json:"dayOfWeek,omitempty"`
	DayOfMonth   int        `json:"dayOfMonth,omitempty"`
	CustomRule   string     `json:"customRule,omitempty"`
	Timezone     string     `json:"timezone,omitempty"`
	Recipients   []string   `json:"recipients"`
	OutputFormat string     `json:"outputFormat"`
	IsActive     bool       `json:"isActive"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	NextRun      time.Time  `json:"nextRun"`
	LastStatus   string     `json:"lastStatus,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	LeaseOwner   string     `json:"leaseOwner,omitempty"`
}

func toScheduleView(d domain.ScheduleDefinition) scheduleView {
	return scheduleView{
		ID:           d.ID.String(),
		ReportID:     d.ReportID,
		Frequency:    string(d.Frequency),
		TimeOfDay:    d.TimeOfDay.String(),
		DayOfWeek:    int(d.DayOfWeek),
		DayOfMonth:   d.DayOfMonth,
		CustomRule:   d.CustomRule,
		Timezone:     d.Timezone,
		Recipients:   d.Recipients,
		OutputFormat: string(d.OutputFormat),
		IsActive:     d.IsActive,
		LastRun:      d.LastRun,
		NextRun:      d.NextRun,
		LastStatus:   string(d.LastStatus),
		LastError:    d.LastError,
		LeaseOwner:   d.LeaseOwner,
	}
}

type ruleView struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	ReportID      string           `json:"reportId"`
	Condition     domain.Condition `json:"condition"`
	ActionType    string           `json:"actionType"`
	IsActive      bool             `json:"isActive"`
	LastEvaluated *time.Time       `json:"lastEvaluated,omitempty"`
	LastTriggered *time.Time       `json:"lastTriggered,omitempty"`
	TriggerCount  int64            `json:"triggerCount"`
}

func toRuleView(r domain.AutomationRule) ruleView {
	return ruleView{
		ID:            r.ID.String(),
		Name:          r.Name,
		ReportID:      r.ReportID,
		Condition:     r.Condition,
		ActionType:    string(r.Action.Type),
		IsActive:      r.IsActive,
		LastEvaluated: r.LastEvaluated,
		LastTriggered: r.LastTriggered,
		TriggerCount:  r.TriggerCount,
	}
}

type runView struct {
	ID          string    `json:"id"`
	ScheduledAt time.Time `json:"scheduledAt"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	RowCount    int       `json:"rowCount"`
}

func toRunView(r domain.ScheduleRun) runView {
	return runView{
		ID:          r.ID.String(),
		ScheduledAt: r.ScheduledAt,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Status:      string(r.Status),
		Reason:      r.Reason,
		RowCount:    r.RowCount,
	}
}

type runNowResponse struct {
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
