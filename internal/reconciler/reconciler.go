// Package reconciler is the background janitor: it reclaims leases
// left behind by crashed runners and prunes expired trigger-ledger
// entries. Without it an orphaned lease blocks its schedule until the
// TTL query happens to match on a due-list scan.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/pinebi/report-engine/internal/metrics"
)

type Store interface {
	ReleaseExpiredLeases(ctx context.Context, now time.Time, limit int) (int64, error)
	PruneLedger(ctx context.Context, olderThan time.Time) (int64, error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int

	// LedgerRetention bounds how long dedup entries are kept. It must
	// exceed the dedup window or suppression breaks.
	LedgerRetention time.Duration
}

func (c *Config) fillDefaults() {
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.LedgerRetention == 0 {
		c.LedgerRetention = 7 * 24 * time.Hour
	}
}

type Reconciler struct {
	cfg     Config
	store   Store
	metrics metrics.Sink
	clock   func() time.Time
}

func New(cfg Config, store Store) *Reconciler {
	cfg.fillDefaults()
	return &Reconciler{
		cfg:     cfg,
		store:   store,
		metrics: metrics.NewNoopSink(),
		clock:   time.Now,
	}
}

func (r *Reconciler) WithMetrics(sink metrics.Sink) *Reconciler {
	r.metrics = sink
	return r
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s)", r.cfg.Interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reclaim-and-prune pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	now := r.clock().UTC()

	reaped, err := r.store.ReleaseExpiredLeases(ctx, now, r.cfg.BatchSize)
	if err != nil {
		log.Printf("reconciler: release expired leases: %v", err)
	} else if reaped > 0 {
		log.Printf("reconciler: reclaimed %d expired leases", reaped)
		r.metrics.LeasesReaped(int(reaped))
	}

	pruned, err := r.store.PruneLedger(ctx, now.Add(-r.cfg.LedgerRetention))
	if err != nil {
		log.Printf("reconciler: prune ledger: %v", err)
	} else if pruned > 0 {
		log.Printf("reconciler: pruned %d ledger entries", pruned)
	}
}
