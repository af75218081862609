// Package engine is the orchestrator: on every tick it pulls due
// schedules and stale rules from the store, claims each with an
// optimistic lease, runs the report, hands the result to the
// dispatcher and commits the outcome.
//
// Any number of engine instances may run against the same store.
// Whichever instance wins the version-conditioned lease update owns
// that occurrence; losers skip without error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pinebi/report-engine/internal/dispatch"
	"github.com/pinebi/report-engine/internal/domain"
	"github.com/pinebi/report-engine/internal/ledger"
	"github.com/pinebi/report-engine/internal/metrics"
	"github.com/pinebi/report-engine/internal/recurrence"
	"github.com/pinebi/report-engine/internal/report"
	"github.com/pinebi/report-engine/internal/rules"
)

// ErrScheduleInactive is returned by RunNow for deactivated schedules.
var ErrScheduleInactive = errors.New("schedule is not active")

// ErrLeaseHeld is returned by RunNow when another runner owns the
// schedule right now.
var ErrLeaseHeld = errors.New("schedule lease held by another runner")

// CatchUpPolicy decides what happens to an occurrence that became due
// while no engine was running.
type CatchUpPolicy string

const (
	// CatchUpRunOnce runs one missed occurrence immediately, then
	// resumes the normal cadence.
	CatchUpRunOnce CatchUpPolicy = "run_once"
	// CatchUpSkip advances past missed occurrences without running them.
	CatchUpSkip CatchUpPolicy = "skip"
)

// ScheduleCommit is the terminal write for one schedule occurrence.
// The store applies it in a single transaction: schedule fields, the
// run history row and the ledger entry stay consistent.
type ScheduleCommit struct {
	ScheduleID uuid.UUID
	Owner      string

	LastRun    time.Time
	NextRun    time.Time
	Status     domain.RunStatus
	Reason     string
	Deactivate bool

	Run      *domain.ScheduleRun
	DedupKey string // ledger entry, empty = none
}

// RuleCommit is the terminal write for one rule scan pass.
type RuleCommit struct {
	RuleID uuid.UUID
	Owner  string

	EvaluatedAt time.Time

	// Fired marks a counted trigger: trigger_count+1, last_triggered
	// and the ledger entry are written together.
	Fired    bool
	FiredAt  time.Time
	DedupKey string
}

type Store interface {
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleDefinition, error)
	GetSchedule(ctx context.Context, id uuid.UUID) (domain.ScheduleDefinition, error)
	AcquireScheduleLease(ctx context.Context, id uuid.UUID, expectedVersion int64, owner string, expiresAt time.Time) (bool, error)
	ReleaseScheduleLease(ctx context.Context, id uuid.UUID, owner string) error
	CommitScheduleRun(ctx context.Context, commit ScheduleCommit) error

	ListDueRules(ctx context.Context, evaluatedBefore time.Time, limit int) ([]domain.AutomationRule, error)
	GetRule(ctx context.Context, id uuid.UUID) (domain.AutomationRule, error)
	AcquireRuleLease(ctx context.Context, id uuid.UUID, expectedVersion int64, owner string, expiresAt time.Time) (bool, error)
	ReleaseRuleLease(ctx context.Context, id uuid.UUID, owner string) error
	CommitRuleScan(ctx context.Context, commit RuleCommit) error
}

// ReportClient executes a named report over a date range.
type ReportClient interface {
	Run(ctx context.Context, reportID string, window report.Window) ([]domain.Row, error)
}

// Dispatcher turns decisions into side effects.
type Dispatcher interface {
	DeliverSchedule(ctx context.Context, def domain.ScheduleDefinition, scheduledAt time.Time, window report.Window) dispatch.Outcome
	DispatchRule(ctx context.Context, rule domain.AutomationRule, row domain.Row, firedAt time.Time) dispatch.Outcome
}

// AnalyticsSink records qualifying events, best-effort.
type AnalyticsSink interface {
	Record(ctx context.Context, event domain.TriggerEvent)
}

type Config struct {
	TickInterval time.Duration
	Workers      int
	BatchSize    int

	// LeaseTTL bounds how long a crashed runner blocks an occurrence.
	LeaseTTL time.Duration

	CatchUpPolicy CatchUpPolicy
	// CatchUpGrace is how far past nextRun an occurrence still counts
	// as on time rather than missed.
	CatchUpGrace time.Duration

	// RuleScanInterval is the minimum gap between evaluations of the
	// same rule.
	RuleScanInterval time.Duration
	// RuleWindow is the trailing date range a rule's report runs over.
	RuleWindow time.Duration

	// FetchBackoff is the report fetch retry schedule; its length is
	// the attempt budget.
	FetchBackoff []time.Duration

	// InstanceID identifies this runner in lease ownership.
	InstanceID string
}

func (c *Config) fillDefaults() {
	if c.TickInterval == 0 {
		c.TickInterval = time.Minute
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 10 * time.Minute
	}
	if c.CatchUpPolicy == "" {
		c.CatchUpPolicy = CatchUpRunOnce
	}
	if c.CatchUpGrace == 0 {
		c.CatchUpGrace = 5 * time.Minute
	}
	if c.RuleScanInterval == 0 {
		c.RuleScanInterval = 5 * time.Minute
	}
	if c.RuleWindow == 0 {
		c.RuleWindow = 24 * time.Hour
	}
	if len(c.FetchBackoff) == 0 {
		c.FetchBackoff = []time.Duration{0, 10 * time.Second, 30 * time.Second}
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.New().String()
	}
}

type OutcomeStatus string

const (
	OutcomeDelivered  OutcomeStatus = "delivered"
	OutcomeFailed     OutcomeStatus = "failed"
	OutcomeSkipped    OutcomeStatus = "skipped"
	OutcomeSuppressed OutcomeStatus = "suppressed"
)

// Outcome is the per-item result of one tick.
type Outcome struct {
	Kind     domain.TriggerKind
	EntityID uuid.UUID
	Status   OutcomeStatus
	Reason   string
	Attempts int
}

type Engine struct {
	cfg        Config
	store      Store
	reports    ReportClient
	calc       *recurrence.Calculator
	dispatcher Dispatcher
	ledger     *ledger.Ledger

	analytics AnalyticsSink // optional, nil = disabled
	metrics   metrics.Sink
	clock     func() time.Time
}

func New(cfg Config, store Store, reports ReportClient, calc *recurrence.Calculator, dispatcher Dispatcher, led *ledger.Ledger) *Engine {
	cfg.fillDefaults()
	return &Engine{
		cfg:        cfg,
		store:      store,
		reports:    reports,
		calc:       calc,
		dispatcher: dispatcher,
		ledger:     led,
		metrics:    metrics.NewNoopSink(),
		clock:      time.Now,
	}
}

// WithMetrics attaches a metrics sink to the engine.
func (e *Engine) WithMetrics(sink metrics.Sink) *Engine {
	e.metrics = sink
	return e
}

// WithAnalytics attaches an analytics sink for trigger events.
func (e *Engine) WithAnalytics(sink AnalyticsSink) *Engine {
	e.analytics = sink
	return e
}

// Run ticks on a fixed interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	log.Printf("engine: started (tick=%s, workers=%d, instance=%s)",
		e.cfg.TickInterval, e.cfg.Workers, e.cfg.InstanceID)

	for {
		select {
		case <-ctx.Done():
			log.Println("engine: stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Tick(ctx, e.clock().UTC()); err != nil {
				log.Printf("engine: tick error: %v", err)
			}
		}
	}
}

// Tick processes everything due at now and returns per-item outcomes.
// It is safe to call concurrently from multiple instances.
func (e *Engine) Tick(ctx context.Context, now time.Time) ([]Outcome, error) {
	e.metrics.TickStarted()
	started := e.clock()

	schedules, err := e.store.ListDueSchedules(ctx, now, e.cfg.BatchSize)
	if err != nil {
		err = fmt.Errorf("list due schedules: %w", err)
		e.metrics.TickCompleted(e.clock().Sub(started), 0, err)
		return nil, err
	}

	dueRules, err := e.store.ListDueRules(ctx, now.Add(-e.cfg.RuleScanInterval), e.cfg.BatchSize)
	if err != nil {
		err = fmt.Errorf("list due rules: %w", err)
		e.metrics.TickCompleted(e.clock().Sub(started), 0, err)
		return nil, err
	}

	var (
		mu       sync.Mutex
		outcomes []Outcome
		wg       sync.WaitGroup
		sem      = make(chan struct{}, e.cfg.Workers)
	)

	collect := func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	}

	for _, def := range schedules {
		def := def
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			collect(e.processSchedule(ctx, def, now))
		}()
	}

	for _, rule := range dueRules {
		rule := rule
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			collect(e.processRule(ctx, rule, now))
		}()
	}

	wg.Wait()

	e.metrics.TickCompleted(e.clock().Sub(started), len(outcomes), nil)
	return outcomes, nil
}

// RunNow executes a schedule immediately, bypassing the due-time check
// but not the lease or the trigger ledger.
func (e *Engine) RunNow(ctx context.Context, scheduleID uuid.UUID) (Outcome, error) {
	now := e.clock().UTC()

	def, err := e.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return Outcome{}, fmt.Errorf("get schedule: %w", err)
	}
	if !def.IsActive {
		return Outcome{}, ErrScheduleInactive
	}

	acquired, err := e.store.AcquireScheduleLease(ctx, def.ID, def.Version, e.cfg.InstanceID, now.Add(e.cfg.LeaseTTL))
	if err != nil {
		return Outcome{}, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		return Outcome{}, ErrLeaseHeld
	}

	return e.processOccurrence(ctx, def, now, now), nil
}

func (e *Engine) processSchedule(ctx context.Context, def domain.ScheduleDefinition, now time.Time) Outcome {
	acquired, err := e.store.AcquireScheduleLease(ctx, def.ID, def.Version, e.cfg.InstanceID, now.Add(e.cfg.LeaseTTL))
	if err != nil {
		return Outcome{Kind: domain.TriggerKindSchedule, EntityID: def.ID, Status: OutcomeFailed, Reason: fmt.Sprintf("acquire lease: %v", err)}
	}
	if !acquired {
		// Another runner owns this occurrence. Expected, not an error.
		e.metrics.LeaseConflict(string(domain.TriggerKindSchedule))
		return Outcome{Kind: domain.TriggerKindSchedule, EntityID: def.ID, Status: OutcomeSkipped, Reason: "lease held by another runner"}
	}

	scheduledAt := def.NextRun.UTC()

	if e.cfg.CatchUpPolicy == CatchUpSkip && now.Sub(scheduledAt) > e.cfg.CatchUpGrace {
		return e.skipMissed(ctx, def, scheduledAt, now)
	}

	return e.processOccurrence(ctx, def, scheduledAt, now)
}

// skipMissed advances past a missed occurrence without dispatching.
func (e *Engine) skipMissed(ctx context.Context, def domain.ScheduleDefinition, scheduledAt, now time.Time) Outcome {
	next, err := e.calc.Next(def, now)
	if err != nil {
		return e.deactivateBroken(ctx, def, now, err)
	}

	commit := ScheduleCommit{
		ScheduleID: def.ID,
		Owner:      e.cfg.InstanceID,
		LastRun:    valueOr(def.LastRun, scheduledAt),
		NextRun:    next,
		Status:     def.LastStatus,
		Reason:     def.LastError,
	}
	if err := e.store.CommitScheduleRun(ctx, commit); err != nil {
		return Outcome{Kind: domain.TriggerKindSchedule, EntityID: def.ID, Status: OutcomeFailed, Reason: fmt.Sprintf("commit: %v", err)}
	}

	log.Printf("engine: schedule=%s missed occurrence %s skipped, next=%s",
		def.ID, scheduledAt.Format(time.RFC3339), next.Format(time.RFC3339))
	return Outcome{Kind: domain.TriggerKindSchedule, EntityID: def.ID, Status: OutcomeSkipped, Reason: "missed occurrence skipped"}
}

// processOccurrence runs one owned occurrence end to end: fetch, dedup,
// active re-check, dispatch, commit.
func (e *Engine) processOccurrence(ctx context.Context, def domain.ScheduleDefinition, scheduledAt, now time.Time) Outcome {
	window := report.Window{From: recurrence.PeriodStart(def, scheduledAt), To: scheduledAt}

	dedupKey := ledger.OccurrenceKey(def.ID, scheduledAt)
	seen, err := e.ledger.SeenRecently(ctx, def.ID, dedupKey, now)
	if err != nil {
		e.releaseSchedule(ctx, def.ID)
		return Outcome{Kind: domain.TriggerKindSchedule, EntityID: def.ID, Status: OutcomeFailed, Reason: fmt.Sprintf("ledger: %v", err)}
	}
	if seen {
		e.metrics.DedupSuppressed(string(domain.TriggerKindSchedule))
		return e.commitSchedule(ctx, def, scheduledAt, now, OutcomeSuppressed, "occurrence already dispatched", nil, "")
	}

	// The schedule may have been deactivated since the tick began.
	fresh, err := e.store.GetSchedule(ctx, def.ID)
	if err != nil {
		e.releaseSchedule(ctx, def.ID)
		return Outcome{Kind: domain.TriggerKindSchedule, EntityID: def.ID, Status: OutcomeFailed, Reason: fmt.Sprintf("recheck: %v", err)}
	}
	if !fresh.IsActive {
		e.releaseSchedule(ctx, def.ID)
		return Outcome{Kind: domain.TriggerKindSchedule, EntityID: def.ID, Status: OutcomeSkipped, Reason: "deactivated during processing"}
	}

	started := e.clock().UTC()

	rows, err := e.fetchRows(ctx, def.ReportID, window)
	if err != nil {
		// Retries exhausted or fatal. The run fails but nextRun still
		// advances; the next occurrence gets a fresh attempt budget.
		return e.commitSchedule(ctx, def, scheduledAt, now, OutcomeFailed, fmt.Sprintf("report fetch: %v", err), &domain.ScheduleRun{
			ID:          uuid.New(),
			ScheduleID:  def.ID,
			ScheduledAt: scheduledAt,
			StartedAt:   started,
			FinishedAt:  e.clock().UTC(),
			Status:      domain.RunStatusFailed,
			Reason:      err.Error(),
		}, "")
	}

	result := e.dispatcher.DeliverSchedule(ctx, def, scheduledAt, window)

	run := &domain.ScheduleRun{
		ID:          uuid.New(),
		ScheduleID:  def.ID,
		ScheduledAt: scheduledAt,
		StartedAt:   started,
		FinishedAt:  e.clock().UTC(),
		Reason:      result.Reason,
		RowCount:    len(rows),
	}

	if result.Status == dispatch.StatusDelivered {
		run.Status = domain.RunStatusDelivered
		outcome := e.commitSchedule(ctx, def, scheduledAt, now, OutcomeDelivered, "", run, dedupKey)
		outcome.Attempts = result.Attempts
		if outcome.Status == OutcomeDelivered {
			e.recordAnalytics(ctx, domain.TriggerEvent{
				Kind:        domain.TriggerKindSchedule,
				EntityID:    def.ID,
				ReportID:    def.ReportID,
				ScheduledAt: scheduledAt,
				FiredAt:     now,
			})
		}
		return outcome
	}

	run.Status = domain.RunStatusFailed
	outcome := e.commitSchedule(ctx, def, scheduledAt, now, OutcomeFailed, result.Reason, run, "")
	outcome.Attempts = result.Attempts
	return outcome
}

// commitSchedule recomputes nextRun and writes the terminal state for
// this occurrence.
func (e *Engine) commitSchedule(ctx context.Context, def domain.ScheduleDefinition, scheduledAt, now time.Time, status OutcomeStatus, reason string, run *domain.ScheduleRun, dedupKey string) Outcome {
	next, err := e.calc.Next(def, now)
	if err != nil {
		return e.deactivateBroken(ctx, def, now, err)
	}

	commit := ScheduleCommit{
		ScheduleID: def.ID,
		Owner:      e.cfg.InstanceID,
		LastRun:    now,
		NextRun:    next,
		Reason:     reason,
		Run:        run,
		DedupKey:   dedupKey,
	}
	switch status {
	case OutcomeDelivered:
		commit.Status = domain.RunStatusDelivered
	case OutcomeFailed:
		commit.Status = domain.RunStatusFailed
	default:
		commit.Status = def.LastStatus
		commit.LastRun = valueOr(def.LastRun, now)
	}

	if err := e.store.CommitScheduleRun(ctx, commit); err != nil {
		return Outcome{Kind: domain.TriggerKindSchedule, EntityID: def.ID, Status: OutcomeFailed, Reason: fmt.Sprintf("commit: %v", err)}
	}

	log.Printf("engine: schedule=%s occurrence=%s %s next=%s",
		def.ID, scheduledAt.Format(time.RFC3339), status, next.Format(time.RFC3339))
	return Outcome{Kind: domain.TriggerKindSchedule, EntityID: def.ID, Status: status, Reason: reason}
}

// deactivateBroken handles a malformed definition: the schedule is left
// inactive pending operator correction.
func (e *Engine) deactivateBroken(ctx context.Context, def domain.ScheduleDefinition, now time.Time, cause error) Outcome {
	log.Printf("engine: schedule=%s recurrence error, deactivating: %v", def.ID, cause)

	commit := ScheduleCommit{
		ScheduleID: def.ID,
		Owner:      e.cfg.InstanceID,
		LastRun:    valueOr(def.LastRun, now),
		NextRun:    def.NextRun,
		Status:     domain.RunStatusFailed,
		Reason:     cause.Error(),
		Deactivate: true,
	}
	if err := e.store.CommitScheduleRun(ctx, commit); err != nil {
		return Outcome{Kind: domain.TriggerKindSchedule, EntityID: def.ID, Status: OutcomeFailed, Reason: fmt.Sprintf("commit: %v", err)}
	}
	return Outcome{Kind: domain.TriggerKindSchedule, EntityID: def.ID, Status: OutcomeFailed, Reason: cause.Error()}
}

func (e *Engine) processRule(ctx context.Context, rule domain.AutomationRule, now time.Time) Outcome {
	acquired, err := e.store.AcquireRuleLease(ctx, rule.ID, rule.Version, e.cfg.InstanceID, now.Add(e.cfg.LeaseTTL))
	if err != nil {
		return Outcome{Kind: domain.TriggerKindRule, EntityID: rule.ID, Status: OutcomeFailed, Reason: fmt.Sprintf("acquire lease: %v", err)}
	}
	if !acquired {
		e.metrics.LeaseConflict(string(domain.TriggerKindRule))
		return Outcome{Kind: domain.TriggerKindRule, EntityID: rule.ID, Status: OutcomeSkipped, Reason: "lease held by another runner"}
	}

	window := report.Window{From: now.Add(-e.cfg.RuleWindow), To: now}

	rows, err := e.fetchRows(ctx, rule.ReportID, window)
	if err != nil {
		// Advance lastEvaluated anyway so a broken report does not get
		// rescanned every tick.
		return e.commitRuleScan(ctx, rule, now, Outcome{
			Kind: domain.TriggerKindRule, EntityID: rule.ID,
			Status: OutcomeFailed, Reason: fmt.Sprintf("report fetch: %v", err),
		}, false, "")
	}

	row, fired := rules.Fires(rule.Condition, rows)
	e.metrics.RuleEvaluated(fired)

	if !fired {
		return e.commitRuleScan(ctx, rule, now, Outcome{
			Kind: domain.TriggerKindRule, EntityID: rule.ID,
			Status: OutcomeSkipped, Reason: "no matching row",
		}, false, "")
	}

	dedupKey := ledger.RowKey(rule.ID, row)
	seen, err := e.ledger.SeenRecently(ctx, rule.ID, dedupKey, now)
	if err != nil {
		e.releaseRule(ctx, rule.ID)
		return Outcome{Kind: domain.TriggerKindRule, EntityID: rule.ID, Status: OutcomeFailed, Reason: fmt.Sprintf("ledger: %v", err)}
	}
	if seen {
		e.metrics.DedupSuppressed(string(domain.TriggerKindRule))
		return e.commitRuleScan(ctx, rule, now, Outcome{
			Kind: domain.TriggerKindRule, EntityID: rule.ID,
			Status: OutcomeSuppressed, Reason: "identical trigger within dedup window",
		}, false, "")
	}

	fresh, err := e.store.GetRule(ctx, rule.ID)
	if err != nil {
		e.releaseRule(ctx, rule.ID)
		return Outcome{Kind: domain.TriggerKindRule, EntityID: rule.ID, Status: OutcomeFailed, Reason: fmt.Sprintf("recheck: %v", err)}
	}
	if !fresh.IsActive {
		e.releaseRule(ctx, rule.ID)
		return Outcome{Kind: domain.TriggerKindRule, EntityID: rule.ID, Status: OutcomeSkipped, Reason: "deactivated during processing"}
	}

	result := e.dispatcher.DispatchRule(ctx, rule, row, now)

	if result.Status == dispatch.StatusDelivered {
		outcome := e.commitRuleScan(ctx, rule, now, Outcome{
			Kind: domain.TriggerKindRule, EntityID: rule.ID,
			Status: OutcomeDelivered, Attempts: result.Attempts,
		}, true, dedupKey)
		if outcome.Status == OutcomeDelivered {
			e.recordAnalytics(ctx, domain.TriggerEvent{
				Kind:        domain.TriggerKindRule,
				EntityID:    rule.ID,
				ReportID:    rule.ReportID,
				ScheduledAt: now,
				FiredAt:     now,
			})
		}
		return outcome
	}

	// Failed dispatch is not a qualifying event: triggerCount stays.
	return e.commitRuleScan(ctx, rule, now, Outcome{
		Kind: domain.TriggerKindRule, EntityID: rule.ID,
		Status: OutcomeFailed, Reason: result.Reason, Attempts: result.Attempts,
	}, false, "")
}

func (e *Engine) commitRuleScan(ctx context.Context, rule domain.AutomationRule, now time.Time, outcome Outcome, fired bool, dedupKey string) Outcome {
	commit := RuleCommit{
		RuleID:      rule.ID,
		Owner:       e.cfg.InstanceID,
		EvaluatedAt: now,
		Fired:       fired,
		DedupKey:    dedupKey,
	}
	if fired {
		commit.FiredAt = now
	}

	if err := e.store.CommitRuleScan(ctx, commit); err != nil {
		return Outcome{Kind: domain.TriggerKindRule, EntityID: rule.ID, Status: OutcomeFailed, Reason: fmt.Sprintf("commit: %v", err)}
	}

	if fired {
		log.Printf("engine: rule=%s (%s) fired", rule.ID, rule.Name)
	}
	return outcome
}

// fetchRows calls the report backend with bounded retries. Only
// transient failures are retried.
func (e *Engine) fetchRows(ctx context.Context, reportID string, window report.Window) ([]domain.Row, error) {
	var lastErr error

	for attempt := 0; attempt < len(e.cfg.FetchBackoff); attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(e.cfg.FetchBackoff[attempt])
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		rows, err := e.reports.Run(ctx, reportID, window)
		if err == nil {
			return rows, nil
		}
		lastErr = err

		if !report.IsTransient(err) {
			return nil, err
		}
		log.Printf("engine: report=%s fetch attempt=%d failed: %v", reportID, attempt+1, err)
	}

	return nil, lastErr
}

func (e *Engine) releaseSchedule(ctx context.Context, id uuid.UUID) {
	if err := e.store.ReleaseScheduleLease(ctx, id, e.cfg.InstanceID); err != nil {
		log.Printf("engine: schedule=%s release lease: %v", id, err)
	}
}

func (e *Engine) releaseRule(ctx context.Context, id uuid.UUID) {
	if err := e.store.ReleaseRuleLease(ctx, id, e.cfg.InstanceID); err != nil {
		log.Printf("engine: rule=%s release lease: %v", id, err)
	}
}

func (e *Engine) recordAnalytics(ctx context.Context, event domain.TriggerEvent) {
	if e.analytics == nil {
		return
	}
	e.analytics.Record(ctx, event)
}

func valueOr(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}
