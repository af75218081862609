package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pinebi/report-engine/internal/dispatch"
	"github.com/pinebi/report-engine/internal/domain"
	"github.com/pinebi/report-engine/internal/ledger"
)

var (
	_ ledger.Store               = (*Store)(nil)
	_ dispatch.NotificationStore = (*Store)(nil)
)

// insertLedgerEntry runs inside the occurrence commit transaction so
// the dedup record and the state update land together.
func insertLedgerEntry(ctx context.Context, tx *sql.Tx, entityID uuid.UUID, dedupKey string, triggeredAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trigger_ledger (entity_id, dedup_key, triggered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, dedup_key) DO UPDATE SET triggered_at = EXCLUDED.triggered_at`,
		entityID, dedupKey, triggeredAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// WasRecentlyTriggered reports whether the dedup key was recorded at or
// after since.
func (s *Store) WasRecentlyTriggered(ctx context.Context, entityID uuid.UUID, dedupKey string, since time.Time) (bool, error) {
	var seen bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trigger_ledger
			WHERE entity_id = $1 AND dedup_key = $2 AND triggered_at >= $3
		)`,
		entityID, dedupKey, since).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return seen, nil
}

// PruneLedger deletes entries older than the cutoff and returns how
// many were removed.
func (s *Store) PruneLedger(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trigger_ledger WHERE triggered_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, rule_id, rule_name, message)
		VALUES ($1, $2, $3, $4)`,
		n.ID, n.RuleID, n.RuleName, n.Message)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ReleaseExpiredLeases clears leases whose TTL has passed, recovering
// items orphaned by crashed runners. Returns the number reclaimed.
func (s *Store) ReleaseExpiredLeases(ctx context.Context, now time.Time, limit int) (int64, error) {
	var total int64

	res, err := s.db.ExecContext(ctx, `
		UPDATE report_schedules
		SET lease_owner = '', lease_expires_at = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM report_schedules
			WHERE lease_expires_at IS NOT NULL AND lease_expires_at <= $1
			LIMIT $2
		)`,
		now, limit)
	if err != nil {
		return 0, fmt.Errorf("release expired schedule leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	total += n

	res, err = s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET lease_owner = '', lease_expires_at = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM automation_rules
			WHERE lease_expires_at IS NOT NULL AND lease_expires_at <= $1
			LIMIT $2
		)`,
		now, limit)
	if err != nil {
		return 0, fmt.Errorf("release expired rule leases: %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, err
	}
	total += n

	return total, nil
}
