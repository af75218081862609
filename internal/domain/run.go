package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleRun records one occurrence of a schedule, terminal state only.
type ScheduleRun struct {
	ID         uuid.UUID
	ScheduleID uuid.UUID

	ScheduledAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      RunStatus
	Reason      string
	RowCount    int

	CreatedAt time.Time
}

// TriggerLedgerEntry is the idempotency record behind dedup suppression.
// DedupKey hashes the triggering row (rules) or the occurrence time
// (schedules) together with the entity id.
type TriggerLedgerEntry struct {
	EntityID    uuid.UUID
	DedupKey    string
	TriggeredAt time.Time
}
