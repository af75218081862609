package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pinebi/report-engine/internal/domain"
	"github.com/pinebi/report-engine/internal/engine"
)

var _ engine.Store = (*Store)(nil)

const scheduleColumns = `id, report_id, frequency, time_of_day, day_of_week, day_of_month,
	custom_rule, timezone, recipients, output_format, is_active, last_run, next_run,
	last_status, last_error, version, lease_owner, lease_expires_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (domain.ScheduleDefinition, error) {
	var (
		def       domain.ScheduleDefinition
		timeOfDay string
		dayOfWeek int
	)
	err := r.Scan(
		&def.ID, &def.ReportID, &def.Frequency, &timeOfDay, &dayOfWeek, &def.DayOfMonth,
		&def.CustomRule, &def.Timezone, pq.Array(&def.Recipients), &def.OutputFormat,
		&def.IsActive, &def.LastRun, &def.NextRun, &def.LastStatus, &def.LastError,
		&def.Version, &def.LeaseOwner, &def.LeaseExpiresAt, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return domain.ScheduleDefinition{}, err
	}

	def.DayOfWeek = time.Weekday(dayOfWeek)
	def.TimeOfDay, err = domain.ParseTimeOfDay(timeOfDay)
	if err != nil {
		return domain.ScheduleDefinition{}, fmt.Errorf("schedule %s: %w", def.ID, err)
	}
	return def, nil
}

// ListDueSchedules returns active schedules whose nextRun has arrived
// and whose lease is free or expired.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleDefinition, error) {
	query := `SELECT ` + scheduleColumns + `
		FROM report_schedules
		WHERE is_active
		  AND next_run <= $1
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
		ORDER BY next_run
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduleDefinition
	for rows.Next() {
		def, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// ListSchedules returns all schedules, active first, for the status API.
func (s *Store) ListSchedules(ctx context.Context, limit int) ([]domain.ScheduleDefinition, error) {
	query := `SELECT ` + scheduleColumns + `
		FROM report_schedules
		ORDER BY is_active DESC, next_run
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduleDefinition
	for rows.Next() {
		def, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (domain.ScheduleDefinition, error) {
	query := `SELECT ` + scheduleColumns + ` FROM report_schedules WHERE id = $1`

	def, err := scanSchedule(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return domain.ScheduleDefinition{}, fmt.Errorf("schedule %s not found", id)
	}
	if err != nil {
		return domain.ScheduleDefinition{}, fmt.Errorf("get schedule: %w", err)
	}
	return def, nil
}

// AcquireScheduleLease claims the schedule if its version still matches
// and no live lease exists. The version bump makes concurrent claimants
// lose deterministically.
func (s *Store) AcquireScheduleLease(ctx context.Context, id uuid.UUID, expectedVersion int64, owner string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE report_schedules
		SET lease_owner = $3, lease_expires_at = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1
		  AND version = $2
		  AND is_active
		  AND (lease_expires_at IS NULL OR lease_expires_at <= NOW())`,
		id, expectedVersion, owner, expiresAt)
	if err != nil {
		return false, fmt.Errorf("acquire schedule lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire schedule lease: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ReleaseScheduleLease(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE report_schedules
		SET lease_owner = '', lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2`,
		id, owner)
	if err != nil {
		return fmt.Errorf("release schedule lease: %w", err)
	}
	return nil
}

// CommitScheduleRun writes the occurrence's terminal state in one
// transaction: schedule fields, the run history row and the ledger
// entry all land together or not at all.
func (s *Store) CommitScheduleRun(ctx context.Context, commit engine.ScheduleCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE report_schedules
		SET last_run = $3, next_run = $4, last_status = $5, last_error = $6,
		    is_active = is_active AND NOT $7,
		    version = version + 1,
		    lease_owner = '', lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2`,
		commit.ScheduleID, commit.Owner, commit.LastRun, commit.NextRun,
		string(commit.Status), commit.Reason, commit.Deactivate)
	if err != nil {
		return fmt.Errorf("commit schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit schedule: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("commit schedule %s: lease no longer held", commit.ScheduleID)
	}

	if commit.Run != nil {
		r := commit.Run
		_, err = tx.ExecContext(ctx, `
			INSERT INTO schedule_runs (id, schedule_id, scheduled_at, started_at, finished_at, status, reason, row_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.ID, r.ScheduleID, r.ScheduledAt, r.StartedAt, r.FinishedAt,
			string(r.Status), r.Reason, r.RowCount)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
	}

	if commit.DedupKey != "" {
		if err := insertLedgerEntry(ctx, tx, commit.ScheduleID, commit.DedupKey, commit.LastRun); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs of a schedule, newest first.
func (s *Store) ListRuns(ctx context.Context, scheduleID uuid.UUID, limit int) ([]domain.ScheduleRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, scheduled_at, started_at, finished_at, status, reason, row_count, created_at
		FROM schedule_runs
		WHERE schedule_id = $1
		ORDER BY scheduled_at DESC
		LIMIT $2`,
		scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.ScheduleRun
	for rows.Next() {
		var r domain.ScheduleRun
		if err := rows.Scan(&r.ID, &r.ScheduleID, &r.ScheduledAt, &r.StartedAt, &r.FinishedAt,
			&r.Status, &r.Reason, &r.RowCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
