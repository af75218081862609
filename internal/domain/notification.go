package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification is an in-app notification row written by the dispatcher
// and rendered by the admin console.
type Notification struct {
	ID       uuid.UUID
	RuleID   uuid.UUID
	RuleName string
	Message  string
	ReadAt   *time.Time

	CreatedAt time.Time
}

type TriggerKind string

const (
	TriggerKindSchedule TriggerKind = "schedule"
	TriggerKindRule     TriggerKind = "rule"
)

// TriggerEvent describes one qualifying event, consumed by the
// analytics sink.
type TriggerEvent struct {
	Kind     TriggerKind
	EntityID uuid.UUID
	ReportID string

	ScheduledAt time.Time
	FiredAt     time.Time
}
