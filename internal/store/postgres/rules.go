package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pinebi/report-engine/internal/domain"
	"github.com/pinebi/report-engine/internal/engine"
)

const ruleColumns = `id, name, report_id, condition, action, is_active, last_evaluated,
	last_triggered, trigger_count, version, lease_owner, lease_expires_at, created_at, updated_at`

func scanRule(r rowScanner) (domain.AutomationRule, error) {
	var (
		rule          domain.AutomationRule
		conditionJSON []byte
		actionJSON    []byte
	)
	err := r.Scan(
		&rule.ID, &rule.Name, &rule.ReportID, &conditionJSON, &actionJSON,
		&rule.IsActive, &rule.LastEvaluated, &rule.LastTriggered, &rule.TriggerCount,
		&rule.Version, &rule.LeaseOwner, &rule.LeaseExpiresAt, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return domain.AutomationRule{}, err
	}

	if err := json.Unmarshal(conditionJSON, &rule.Condition); err != nil {
		return domain.AutomationRule{}, fmt.Errorf("rule %s: decode condition: %w", rule.ID, err)
	}
	if err := json.Unmarshal(actionJSON, &rule.Action); err != nil {
		return domain.AutomationRule{}, fmt.Errorf("rule %s: decode action: %w", rule.ID, err)
	}
	return rule, nil
}

// ListDueRules returns active rules not evaluated since the cutoff,
// with a free or expired lease.
func (s *Store) ListDueRules(ctx context.Context, evaluatedBefore time.Time, limit int) ([]domain.AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE is_active
		  AND (last_evaluated IS NULL OR last_evaluated <= $1)
		  AND (lease_expires_at IS NULL OR lease_expires_at <= NOW())
		ORDER BY last_evaluated NULLS FIRST
		LIMIT $2`,
		evaluatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list due rules: %w", err)
	}
	defer rows.Close()

	var out []domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// ListRules returns all rules for the status API.
func (s *Store) ListRules(ctx context.Context, limit int) ([]domain.AutomationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		ORDER BY is_active DESC, name
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (s *Store) GetRule(ctx context.Context, id uuid.UUID) (domain.AutomationRule, error) {
	rule, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return domain.AutomationRule{}, fmt.Errorf("rule %s not found", id)
	}
	if err != nil {
		return domain.AutomationRule{}, fmt.Errorf("get rule: %w", err)
	}
	return rule, nil
}

func (s *Store) AcquireRuleLease(ctx context.Context, id uuid.UUID, expectedVersion int64, owner string, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET lease_owner = $3, lease_expires_at = $4, version = version + 1, updated_at = NOW()
		WHERE id = $1
		  AND version = $2
		  AND is_active
		  AND (lease_expires_at IS NULL OR lease_expires_at <= NOW())`,
		id, expectedVersion, owner, expiresAt)
	if err != nil {
		return false, fmt.Errorf("acquire rule lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire rule lease: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ReleaseRuleLease(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET lease_owner = '', lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2`,
		id, owner)
	if err != nil {
		return fmt.Errorf("release rule lease: %w", err)
	}
	return nil
}

// CommitRuleScan records a scan pass. A counted trigger additionally
// bumps trigger_count, sets last_triggered and writes the ledger entry,
// all in the same transaction.
func (s *Store) CommitRuleScan(ctx context.Context, commit engine.RuleCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE automation_rules
		SET last_evaluated = $3,
		    last_triggered = CASE WHEN $4 THEN $5 ELSE last_triggered END,
		    trigger_count = trigger_count + CASE WHEN $4 THEN 1 ELSE 0 END,
		    version = version + 1,
		    lease_owner = '', lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND lease_owner = $2`,
		commit.RuleID, commit.Owner, commit.EvaluatedAt, commit.Fired,
		nullableTime(commit.FiredAt))
	if err != nil {
		return fmt.Errorf("commit rule scan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit rule scan: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("commit rule %s: lease no longer held", commit.RuleID)
	}

	if commit.DedupKey != "" {
		if err := insertLedgerEntry(ctx, tx, commit.RuleID, commit.DedupKey, commit.FiredAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
