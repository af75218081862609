// Package analytics records trigger activity in Redis for the admin
// console's activity widgets. Everything here is best-effort: a Redis
// outage must never block or fail a dispatch.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pinebi/report-engine/internal/domain"
)

const (
	bucketSize = time.Hour
	bucketTTL  = 14 * 24 * time.Hour

	recentKey = "reportengine:triggers:recent"
	recentMax = 200
)

type RedisSink struct {
	client *redis.Client
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

// Record writes the event into its hourly rate bucket and onto the
// recent-activity list. Errors are logged and swallowed.
func (s *RedisSink) Record(ctx context.Context, event domain.TriggerEvent) {
	bucket := event.FiredAt.UTC().Truncate(bucketSize)
	countKey := fmt.Sprintf("reportengine:triggers:%s:%s", event.Kind, bucket.Format("2006010215"))
	entityKey := fmt.Sprintf("reportengine:entity:%s:count", event.EntityID)

	entry := fmt.Sprintf("%s|%s|%s|%s",
		event.FiredAt.UTC().Format(time.RFC3339), event.Kind, event.EntityID, event.ReportID)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, countKey)
	pipe.Expire(ctx, countKey, bucketTTL)
	pipe.Incr(ctx, entityKey)
	pipe.LPush(ctx, recentKey, entry)
	pipe.LTrim(ctx, recentKey, 0, recentMax-1)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: record %s event failed: %v", event.Kind, err)
	}
}

// HourlyCount returns the number of triggers of a kind in the bucket
// containing at.
func (s *RedisSink) HourlyCount(ctx context.Context, kind domain.TriggerKind, at time.Time) (int64, error) {
	bucket := at.UTC().Truncate(bucketSize)
	key := fmt.Sprintf("reportengine:triggers:%s:%s", kind, bucket.Format("2006010215"))

	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("hourly count: %w", err)
	}
	return n, nil
}

// Recent returns the newest trigger entries, most recent first.
func (s *RedisSink) Recent(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 || limit > recentMax {
		limit = recentMax
	}
	entries, err := s.client.LRange(ctx, recentKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("recent triggers: %w", err)
	}
	return entries, nil
}
