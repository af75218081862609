// Package ledger computes dedup keys and answers "was this trigger
// already dispatched recently".
//
// Entries are written by the store inside the same transaction that
// commits lastRun/lastTriggered/triggerCount, so a crash can never
// leave the ledger and the counters disagreeing.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pinebi/report-engine/internal/domain"
)

// Store is the read side of the ledger.
type Store interface {
	WasRecentlyTriggered(ctx context.Context, entityID uuid.UUID, dedupKey string, since time.Time) (bool, error)
}

// Ledger suppresses re-firing of an identical trigger within window.
type Ledger struct {
	store  Store
	window time.Duration
}

func New(store Store, window time.Duration) *Ledger {
	return &Ledger{store: store, window: window}
}

func (l *Ledger) Window() time.Duration {
	return l.window
}

// SeenRecently reports whether the same dedup key was successfully
// dispatched for this entity within the suppression window ending at now.
func (l *Ledger) SeenRecently(ctx context.Context, entityID uuid.UUID, dedupKey string, now time.Time) (bool, error) {
	if l.window <= 0 {
		return false, nil
	}
	return l.store.WasRecentlyTriggered(ctx, entityID, dedupKey, now.Add(-l.window))
}

// OccurrenceKey keys one schedule occurrence.
func OccurrenceKey(scheduleID uuid.UUID, scheduledAt time.Time) string {
	return hash(fmt.Sprintf("%s:%d", scheduleID, scheduledAt.UTC().Unix()))
}

// RowKey keys a rule trigger by its matching row, so unchanged data
// cannot re-fire the rule within the window.
func RowKey(ruleID uuid.UUID, row domain.Row) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := ruleID.String()
	for _, k := range keys {
		data += fmt.Sprintf("|%s=%v", k, row[k])
	}
	return hash(data)
}

func hash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
