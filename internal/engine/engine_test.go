package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/pinebi/report-engine/internal/dispatch"
	"github.com/pinebi/report-engine/internal/domain"
	"github.com/pinebi/report-engine/internal/ledger"
	"github.com/pinebi/report-engine/internal/recurrence"
	"github.com/pinebi/report-engine/internal/report"
	"github.com/pinebi/report-engine/internal/testutil"
)

// memStore is an in-memory Store and ledger.Store with the same lease
// and commit semantics as the database.
type memStore struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]*domain.ScheduleDefinition
	rules     map[uuid.UUID]*domain.AutomationRule
	ledger    map[string]time.Time

	scheduleCommits []ScheduleCommit
	ruleCommits     []RuleCommit
	runs            []domain.ScheduleRun
}

func newMemStore() *memStore {
	return &memStore{
		schedules: map[uuid.UUID]*domain.ScheduleDefinition{},
		rules:     map[uuid.UUID]*domain.AutomationRule{},
		ledger:    map[string]time.Time{},
	}
}

func (s *memStore) addSchedule(def domain.ScheduleDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := def
	s.schedules[def.ID] = &d
}

func (s *memStore) addRule(rule domain.AutomationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := rule
	s.rules[rule.ID] = &r
}

func (s *memStore) schedule(id uuid.UUID) domain.ScheduleDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.schedules[id]
}

func (s *memStore) rule(id uuid.UUID) domain.AutomationRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rules[id]
}

func (s *memStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]domain.ScheduleDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScheduleDefinition
	for _, d := range s.schedules {
		if len(out) >= limit {
			break
		}
		if d.IsActive && !d.NextRun.After(now) && leaseFree(d.LeaseExpiresAt, now) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *memStore) GetSchedule(_ context.Context, id uuid.UUID) (domain.ScheduleDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.schedules[id]
	if !ok {
		return domain.ScheduleDefinition{}, fmt.Errorf("schedule %s not found", id)
	}
	return *d, nil
}

func (s *memStore) AcquireScheduleLease(_ context.Context, id uuid.UUID, expectedVersion int64, owner string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.schedules[id]
	if !ok || !d.IsActive || d.Version != expectedVersion || !leaseFree(d.LeaseExpiresAt, time.Now()) {
		return false, nil
	}
	d.LeaseOwner = owner
	exp := expiresAt
	d.LeaseExpiresAt = &exp
	d.Version++
	return true, nil
}

func (s *memStore) ReleaseScheduleLease(_ context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.schedules[id]; ok && d.LeaseOwner == owner {
		d.LeaseOwner = ""
		d.LeaseExpiresAt = nil
	}
	return nil
}

func (s *memStore) CommitScheduleRun(_ context.Context, commit ScheduleCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.schedules[commit.ScheduleID]
	if !ok || d.LeaseOwner != commit.Owner {
		return fmt.Errorf("commit schedule %s: lease no longer held", commit.ScheduleID)
	}

	lastRun := commit.LastRun
	d.LastRun = &lastRun
	d.NextRun = commit.NextRun
	d.LastStatus = commit.Status
	d.LastError = commit.Reason
	if commit.Deactivate {
		d.IsActive = false
	}
	d.Version++
	d.LeaseOwner = ""
	d.LeaseExpiresAt = nil

	if commit.Run != nil {
		s.runs = append(s.runs, *commit.Run)
	}
	if commit.DedupKey != "" {
		s.ledger[commit.ScheduleID.String()+"/"+commit.DedupKey] = commit.LastRun
	}
	s.scheduleCommits = append(s.scheduleCommits, commit)
	return nil
}

func (s *memStore) ListDueRules(_ context.Context, evaluatedBefore time.Time, limit int) ([]domain.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AutomationRule
	for _, r := range s.rules {
		if len(out) >= limit {
			break
		}
		due := r.LastEvaluated == nil || !r.LastEvaluated.After(evaluatedBefore)
		if r.IsActive && due && leaseFree(r.LeaseExpiresAt, time.Now()) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memStore) GetRule(_ context.Context, id uuid.UUID) (domain.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return domain.AutomationRule{}, fmt.Errorf("rule %s not found", id)
	}
	return *r, nil
}

func (s *memStore) AcquireRuleLease(_ context.Context, id uuid.UUID, expectedVersion int64, owner string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || !r.IsActive || r.Version != expectedVersion || !leaseFree(r.LeaseExpiresAt, time.Now()) {
		return false, nil
	}
	r.LeaseOwner = owner
	exp := expiresAt
	r.LeaseExpiresAt = &exp
	r.Version++
	return true, nil
}

func (s *memStore) ReleaseRuleLease(_ context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rules[id]; ok && r.LeaseOwner == owner {
		r.LeaseOwner = ""
		r.LeaseExpiresAt = nil
	}
	return nil
}

func (s *memStore) CommitRuleScan(_ context.Context, commit RuleCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[commit.RuleID]
	if !ok || r.LeaseOwner != commit.Owner {
		return fmt.Errorf("commit rule %s: lease no longer held", commit.RuleID)
	}

	evaluatedAt := commit.EvaluatedAt
	r.LastEvaluated = &evaluatedAt
	if commit.Fired {
		firedAt := commit.FiredAt
		r.LastTriggered = &firedAt
		r.TriggerCount++
	}
	r.Version++
	r.LeaseOwner = ""
	r.LeaseExpiresAt = nil

	if commit.DedupKey != "" {
		s.ledger[commit.RuleID.String()+"/"+commit.DedupKey] = commit.FiredAt
	}
	s.ruleCommits = append(s.ruleCommits, commit)
	return nil
}

func (s *memStore) WasRecentlyTriggered(_ context.Context, entityID uuid.UUID, dedupKey string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.ledger[entityID.String()+"/"+dedupKey]
	return ok && !at.Before(since), nil
}

func leaseFree(expiresAt *time.Time, now time.Time) bool {
	return expiresAt == nil || !expiresAt.After(now)
}

type fakeReports struct {
	mu    sync.Mutex
	rows  []domain.Row
	errs  []error
	calls int
}

func (f *fakeReports) Run(_ context.Context, _ string, _ report.Window) ([]domain.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.rows, nil
}

type fakeDispatcher struct {
	mu              sync.Mutex
	scheduleOutcome dispatch.Outcome
	ruleOutcome     dispatch.Outcome
	deliveries      int
	ruleDispatches  int
	lastRow         domain.Row
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		scheduleOutcome: dispatch.Outcome{Status: dispatch.StatusDelivered, Attempts: 1},
		ruleOutcome:     dispatch.Outcome{Status: dispatch.StatusDelivered, Attempts: 1},
	}
}

func (f *fakeDispatcher) DeliverSchedule(_ context.Context, _ domain.ScheduleDefinition, _ time.Time, _ report.Window) dispatch.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries++
	return f.scheduleOutcome
}

func (f *fakeDispatcher) DispatchRule(_ context.Context, _ domain.AutomationRule, row domain.Row, _ time.Time) dispatch.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ruleDispatches++
	f.lastRow = row
	return f.ruleOutcome
}

func (f *fakeDispatcher) deliveryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deliveries
}

func (f *fakeDispatcher) ruleDispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ruleDispatches
}

func newTestEngine(store *memStore, reports ReportClient, disp Dispatcher, cfg Config) *Engine {
	if cfg.FetchBackoff == nil {
		cfg.FetchBackoff = []time.Duration{0}
	}
	led := ledger.New(store, 24*time.Hour)
	return New(cfg, store, reports, recurrence.NewCalculator(nil), disp, led)
}

func weeklySchedule(t *testing.T, nextRun time.Time) domain.ScheduleDefinition {
	t.Helper()
	return domain.ScheduleDefinition{
		ID:           uuid.New(),
		ReportID:     "weekly-sales",
		Frequency:    domain.FrequencyWeekly,
		TimeOfDay:    domain.TimeOfDay{Hour: 9, Minute: 5},
		DayOfWeek:    time.Monday,
		Recipients:   []string{"ops@example.com"},
		OutputFormat: domain.FormatPDF,
		IsActive:     true,
		NextRun:      nextRun,
	}
}

func thresholdRule() domain.AutomationRule {
	return domain.AutomationRule{
		ID:       uuid.New(),
		Name:     "high-revenue",
		ReportID: "daily-sales",
		Condition: domain.Condition{
			Field: "GENEL_TOPLAM", Operator: domain.OperatorGT, Value: 50000,
		},
		Action: domain.Action{
			Type:    domain.ActionWebhook,
			Webhook: &domain.WebhookAction{URL: "https://hooks.example.com/x"},
		},
		IsActive: true,
	}
}

func TestTickDeliversDueSchedule(t *testing.T) {
	ctx := testutil.TestContext(t)
	// Monday 2025-03-17, tick one minute past the 09:05 slot.
	scheduledAt := time.Date(2025, 3, 17, 9, 5, 0, 0, time.UTC)
	now := scheduledAt.Add(time.Minute)

	store := newMemStore()
	def := weeklySchedule(t, scheduledAt)
	store.addSchedule(def)

	disp := newFakeDispatcher()
	eng := newTestEngine(store, &fakeReports{rows: []domain.Row{{"Tutar": 1}}}, disp, Config{})

	outcomes, err := eng.Tick(ctx, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeDelivered {
		t.Fatalf("outcomes = %+v, want one delivered", outcomes)
	}
	if disp.deliveryCount() != 1 {
		t.Fatalf("deliveries = %d, want 1", disp.deliveryCount())
	}

	got := store.schedule(def.ID)
	if got.LastRun == nil || !got.LastRun.Equal(now) {
		t.Errorf("lastRun = %v, want %s", got.LastRun, now)
	}
	wantNext := time.Date(2025, 3, 24, 9, 5, 0, 0, time.UTC)
	if !got.NextRun.Equal(wantNext) {
		t.Errorf("nextRun = %s, want %s", got.NextRun, wantNext)
	}
	if got.LastStatus != domain.RunStatusDelivered {
		t.Errorf("lastStatus = %q", got.LastStatus)
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Error("lease must be cleared after commit")
	}
	if len(store.runs) != 1 || store.runs[0].Status != domain.RunStatusDelivered {
		t.Errorf("runs = %+v, want one delivered run", store.runs)
	}

	key := ledger.OccurrenceKey(def.ID, scheduledAt)
	if _, ok := store.ledger[def.ID.String()+"/"+key]; !ok {
		t.Error("occurrence must be recorded in the ledger")
	}
}

func TestTickSkipsFutureSchedules(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Date(2025, 3, 17, 9, 0, 0, 0, time.UTC)

	store := newMemStore()
	store.addSchedule(weeklySchedule(t, now.Add(time.Hour)))

	disp := newFakeDispatcher()
	eng := newTestEngine(store, &fakeReports{}, disp, Config{})

	outcomes, err := eng.Tick(ctx, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("outcomes = %+v, want none", outcomes)
	}
	if disp.deliveryCount() != 0 {
		t.Error("future schedule must not dispatch")
	}
}

func TestConcurrentEnginesDispatchExactlyOnce(t *testing.T) {
	ctx := testutil.TestContext(t)
	scheduledAt := time.Date(2025, 3, 17, 9, 5, 0, 0, time.UTC)
	now := scheduledAt.Add(time.Minute)

	store := newMemStore()
	def := weeklySchedule(t, scheduledAt)
	store.addSchedule(def)

	disp := newFakeDispatcher()
	engineA := newTestEngine(store, &fakeReports{}, disp, Config{InstanceID: "runner-a"})
	engineB := newTestEngine(store, &fakeReports{}, disp, Config{InstanceID: "runner-b"})

	var wg sync.WaitGroup
	results := make([][]Outcome, 2)
	for i, eng := range []*Engine{engineA, engineB} {
		wg.Add(1)
		go func(i int, eng *Engine) {
			defer wg.Done()
			outcomes, err := eng.Tick(ctx, now)
			if err != nil {
				t.Errorf("Tick: %v", err)
			}
			results[i] = outcomes
		}(i, eng)
	}
	wg.Wait()

	if disp.deliveryCount() != 1 {
		t.Fatalf("deliveries = %d, want exactly 1 across both runners", disp.deliveryCount())
	}

	var delivered, skipped int
	for _, outcomes := range results {
		for _, o := range outcomes {
			switch o.Status {
			case OutcomeDelivered:
				delivered++
			case OutcomeSkipped:
				skipped++
			}
		}
	}
	if delivered != 1 {
		t.Errorf("delivered outcomes = %d, want 1", delivered)
	}
}

func TestTickSuppressesAlreadyDispatchedOccurrence(t *testing.T) {
	ctx := testutil.TestContext(t)
	scheduledAt := time.Date(2025, 3, 17, 9, 5, 0, 0, time.UTC)
	now := scheduledAt.Add(time.Minute)

	store := newMemStore()
	def := weeklySchedule(t, scheduledAt)
	store.addSchedule(def)
	key := ledger.OccurrenceKey(def.ID, scheduledAt)
	store.ledger[def.ID.String()+"/"+key] = scheduledAt

	disp := newFakeDispatcher()
	eng := newTestEngine(store, &fakeReports{}, disp, Config{})

	outcomes, err := eng.Tick(ctx, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeSuppressed {
		t.Fatalf("outcomes = %+v, want suppressed", outcomes)
	}
	if disp.deliveryCount() != 0 {
		t.Error("suppressed occurrence must not dispatch")
	}

	// The schedule still advances so it stops showing up as due.
	got := store.schedule(def.ID)
	if !got.NextRun.After(now) {
		t.Errorf("nextRun = %s, want after now", got.NextRun)
	}
}

func TestTickIgnoresInactiveSchedules(t *testing.T) {
	ctx := testutil.TestContext(t)
	scheduledAt := time.Date(2025, 3, 17, 9, 5, 0, 0, time.UTC)

	store := newMemStore()
	def := weeklySchedule(t, scheduledAt)
	def.IsActive = false
	store.addSchedule(def)

	disp := newFakeDispatcher()
	eng := newTestEngine(store, &fakeReports{}, disp, Config{})

	outcomes, err := eng.Tick(ctx, scheduledAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("outcomes = %+v, want none for an inactive schedule", outcomes)
	}
	if disp.deliveryCount() != 0 {
		t.Error("inactive schedule must not dispatch")
	}
}

type reportHook struct {
	inner *fakeReports
	hook  func()
}

func (r *reportHook) Run(ctx context.Context, reportID string, window report.Window) ([]domain.Row, error) {
	if r.hook != nil {
		r.hook()
	}
	return r.inner.Run(ctx, reportID, window)
}

func TestTickActiveRecheckBlocksDispatch(t *testing.T) {
	ctx := testutil.TestContext(t)
	scheduledAt := time.Date(2025, 3, 17, 9, 5, 0, 0, time.UTC)
	now := scheduledAt.Add(time.Minute)

	store := newMemStore()
	def := weeklySchedule(t, scheduledAt)
	store.addSchedule(def)

	disp := newFakeDispatcher()
	eng := newTestEngine(store, &fakeReports{}, disp, Config{})

	// Claim the item, then deactivate it before processOccurrence's
	// re-check runs.
	store.mu.Lock()
	store.schedules[def.ID].IsActive = true
	store.mu.Unlock()

	listed, _ := store.ListDueSchedules(ctx, now, 10)
	store.mu.Lock()
	store.schedules[def.ID].IsActive = false
	store.mu.Unlock()

	outcome := eng.processSchedule(ctx, listed[0], now)
	if outcome.Status != OutcomeSkipped {
		t.Fatalf("outcome = %+v, want skipped", outcome)
	}
	if disp.deliveryCount() != 0 {
		t.Error("re-check must block dispatch for a deactivated schedule")
	}
	got := store.schedule(def.ID)
	if got.LeaseOwner != "" {
		t.Error("lease must be released when skipping")
	}
}

func TestCatchUpSkipAdvancesWithoutDispatch(t *testing.T) {
	ctx := testutil.TestContext(t)
	// Missed by two days.
	scheduledAt := time.Date(2025, 3, 17, 9, 5, 0, 0, time.UTC)
	now := scheduledAt.Add(48 * time.Hour)

	store := newMemStore()
	def := weeklySchedule(t, scheduledAt)
	store.addSchedule(def)

	disp := newFakeDispatcher()
	eng := newTestEngine(store, &fakeReports{}, disp, Config{CatchUpPolicy: CatchUpSkip})

	outcomes, err := eng.Tick(ctx, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeSkipped {
		t.Fatalf("outcomes = %+v, want skipped", outcomes)
	}
	if disp.deliveryCount() != 0 {
		t.Error("skip policy must not dispatch missed occurrences")
	}

	got := store.schedule(def.ID)
	wantNext := time.Date(2025, 3, 24, 9, 5, 0, 0, time.UTC)
	if !got.NextRun.Equal(wantNext) {
		t.Errorf("nextRun = %s, want %s", got.NextRun, wantNext)
	}
	if len(store.runs) != 0 {
		t.Error("skipped occurrence must not write a run row")
	}
}

func TestCatchUpRunOnceDispatchesMissedOccurrence(t *testing.T) {
	ctx := testutil.TestContext(t)
	scheduledAt := time.Date(2025, 3, 17, 9, 5, 0, 0, time.UTC)
	now := scheduledAt.Add(48 * time.Hour)

	store := newMemStore()
	def := weeklySchedule(t, scheduledAt)
	store.addSchedule(def)

	disp := newFakeDispatcher()
	eng := newTestEngine(store, &fakeReports{}, disp, Config{CatchUpPolicy: CatchUpRunOnce})

	outcomes, err := eng.Tick(ctx, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeDelivered {
		t.Fatalf("outcomes = %+v, want delivered", outcomes)
	}
	if disp.deliveryCount() != 1 {
		t.Error("run_once policy must dispatch the missed occurrence")
	}
}

func TestTickRetriesTransientFetch(t *testing.T) {
	ctx := testutil.TestContext(t)
	scheduledAt := time.Date(2025, 3, 17, 9, 5, 0, 0, time.UTC)

	transient := &report.Error{Op: "run", StatusCode: 503, Transient: true, Err: errors.New("backend busy")}
	reports := &fakeReports{errs: []error{transient, transient}, rows: []domain.Row{{"Tutar": 1}}}

	store := newMemStore()
	def := weeklySchedule(t, scheduledAt)
	store.addSchedule(def)

	disp := newFakeDispatcher()
	eng := newTestEngine(store, reports, disp, Config{FetchBackoff: []time.Duration{0, 0, 0}})

	outcomes, err := eng.Tick(ctx, scheduledAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeDelivered {
		t.Fatalf("outcomes = %+v, want delivered after retries", outcomes)
	}
	if reports.calls != 3 {
		t.Errorf("report calls = %d, want 3", reports.calls)
	}
}

func TestTickExhaustedFetchFailsRunButAdvances(t *testing.T) {
	ctx := testutil.TestContext(t)
	scheduledAt := time.Date(2025, 3, 17, 9, 5, 0, 0, time.UTC)
	now := scheduledAt.Add(time.Minute)

	transient := &report.Error{Op: "run", StatusCode: 503, Transient: true, Err: errors.New("backend busy")}
	reports := &fakeReports{errs: []error{transient, transient, transient}}

	store := newMemStore()
	def := weeklySchedule(t, scheduledAt)
	store.addSchedule(def)

	disp := newFakeDispatcher()
	eng := newTestEngine(store, reports, disp, Config{FetchBackoff: []time.Duration{0, 0, 0}})

	outcomes, err := eng.Tick(ctx, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeFailed {
		t.Fatalf("outcomes = %+v, want failed", outcomes)
	}
	if disp.deliveryCount() != 0 {
		t.Error("exhausted fetch must not dispatch")
	}

	got := store.schedule(def.ID)
	if got.LastStatus != domain.RunStatusFailed {
		t.Errorf("lastStatus = %q, want failed", got.LastStatus)
	}
	if !got.NextRun.After(now) {
		t.Error("failed run must still advance nextRun")
	}
	if len(store.runs) != 1 || store.runs[0].Status != domain.RunStatusFailed {
		t.Errorf("runs = %+v, want one failed run", store.runs)
	}
}

func TestTickDeactivatesBrokenDefinition(t *testing.T) {
	ctx := testutil.TestContext(t)
	scheduledAt := time.Date(2025, 3, 17, 9, 5, 0, 0, time.UTC)

	store := newMemStore()
	def := weeklySchedule(t, scheduledAt)
	def.Frequency = domain.FrequencyCustom
	def.CustomRule = "*/5 * * * *" // no parser configured, so Next fails
	store.addSchedule(def)

	disp := newFakeDispatcher()
	eng := newTestEngine(store, &fakeReports{}, disp, Config{})

	outcomes, err := eng.Tick(ctx, scheduledAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeFailed {
		t.Fatalf("outcomes = %+v, want failed", outcomes)
	}

	got := store.schedule(def.ID)
	if got.IsActive {
		t.Error("broken definition must be deactivated")
	}
	if got.LastError == "" {
		t.Error("lastError must describe the problem")
	}
}

func TestTickFiresRuleAndCountsTrigger(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Date(2025, 3, 17, 10, 0, 0, 0, time.UTC)

	store := newMemStore()
	rule := thresholdRule()
	store.addRule(rule)

	reports := &fakeReports{rows: []domain.Row{
		{"Firma": "A", "GENEL_TOPLAM": 12000},
		{"Firma": "B", "GENEL_TOPLAM": 60000},
	}}
	disp := newFakeDispatcher()
	eng := newTestEngine(store, reports, disp, Config{})

	outcomes, err := eng.Tick(ctx, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeDelivered {
		t.Fatalf("outcomes = %+v, want delivered", outcomes)
	}
	if disp.ruleDispatchCount() != 1 {
		t.Fatalf("rule dispatches = %d, want 1", disp.ruleDispatchCount())
	}
	if disp.lastRow["Firma"] != "B" {
		t.Errorf("dispatched row = %v, want the matching row B", disp.lastRow)
	}

	got := store.rule(rule.ID)
	if got.TriggerCount != 1 {
		t.Errorf("triggerCount = %d, want 1", got.TriggerCount)
	}
	if got.LastTriggered == nil || !got.LastTriggered.Equal(now) {
		t.Errorf("lastTriggered = %v, want %s", got.LastTriggered, now)
	}
	if got.LastEvaluated == nil || !got.LastEvaluated.Equal(now) {
		t.Errorf("lastEvaluated = %v, want %s", got.LastEvaluated, now)
	}
}

func TestTickRuleNoMatchAdvancesEvaluationOnly(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Date(2025, 3, 17, 10, 0, 0, 0, time.UTC)

	store := newMemStore()
	rule := thresholdRule()
	store.addRule(rule)

	reports := &fakeReports{rows: []domain.Row{{"GENEL_TOPLAM": 100}}}
	disp := newFakeDispatcher()
	eng := newTestEngine(store, reports, disp, Config{})

	outcomes, err := eng.Tick(ctx, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeSkipped {
		t.Fatalf("outcomes = %+v, want skipped", outcomes)
	}

	got := store.rule(rule.ID)
	if got.TriggerCount != 0 {
		t.Errorf("triggerCount = %d, want 0", got.TriggerCount)
	}
	if got.LastEvaluated == nil {
		t.Error("lastEvaluated must advance even without a match")
	}
	if got.LastTriggered != nil {
		t.Error("lastTriggered must stay unset")
	}
}

func TestRuleIdenticalRowSuppressedWithinWindow(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Date(2025, 3, 17, 10, 0, 0, 0, time.UTC)

	store := newMemStore()
	rule := thresholdRule()
	store.addRule(rule)

	reports := &fakeReports{rows: []domain.Row{{"Firma": "B", "GENEL_TOPLAM": 60000}}}
	disp := newFakeDispatcher()
	eng := newTestEngine(store, reports, disp, Config{RuleScanInterval: time.Minute})

	if _, err := eng.Tick(ctx, now); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if disp.ruleDispatchCount() != 1 {
		t.Fatalf("rule dispatches after first tick = %d, want 1", disp.ruleDispatchCount())
	}

	// Same row an hour later, still inside the 24h dedup window.
	outcomes, err := eng.Tick(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeSuppressed {
		t.Fatalf("outcomes = %+v, want suppressed", outcomes)
	}
	if disp.ruleDispatchCount() != 1 {
		t.Error("identical row must not dispatch again")
	}

	got := store.rule(rule.ID)
	if got.TriggerCount != 1 {
		t.Errorf("triggerCount = %d, want 1 (suppressed run not counted)", got.TriggerCount)
	}
}

func TestRuleChangedRowFiresAgain(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Date(2025, 3, 17, 10, 0, 0, 0, time.UTC)

	store := newMemStore()
	rule := thresholdRule()
	store.addRule(rule)

	reports := &fakeReports{rows: []domain.Row{{"Firma": "B", "GENEL_TOPLAM": 60000}}}
	disp := newFakeDispatcher()
	eng := newTestEngine(store, reports, disp, Config{RuleScanInterval: time.Minute})

	if _, err := eng.Tick(ctx, now); err != nil {
		t.Fatalf("first tick: %v", err)
	}

	reports.mu.Lock()
	reports.rows = []domain.Row{{"Firma": "B", "GENEL_TOPLAM": 71000}}
	reports.mu.Unlock()

	outcomes, err := eng.Tick(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeDelivered {
		t.Fatalf("outcomes = %+v, want delivered for changed data", outcomes)
	}
	if got := store.rule(rule.ID); got.TriggerCount != 2 {
		t.Errorf("triggerCount = %d, want 2", got.TriggerCount)
	}
}

func TestRuleFailedDispatchNotCounted(t *testing.T) {
	ctx := testutil.TestContext(t)
	now := time.Date(2025, 3, 17, 10, 0, 0, 0, time.UTC)

	store := newMemStore()
	rule := thresholdRule()
	store.addRule(rule)

	reports := &fakeReports{rows: []domain.Row{{"GENEL_TOPLAM": 60000}}}
	disp := newFakeDispatcher()
	disp.ruleOutcome = dispatch.Outcome{Status: dispatch.StatusFailed, Attempts: 3, Reason: "webhook down"}
	eng := newTestEngine(store, reports, disp, Config{})

	outcomes, err := eng.Tick(ctx, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != OutcomeFailed {
		t.Fatalf("outcomes = %+v, want failed", outcomes)
	}

	got := store.rule(rule.ID)
	if got.TriggerCount != 0 {
		t.Errorf("triggerCount = %d, want 0 for a failed dispatch", got.TriggerCount)
	}
	if len(store.ledger) != 0 {
		t.Error("failed dispatch must not write a ledger entry")
	}
}

func TestRunNow(t *testing.T) {
	ctx := testutil.TestContext(t)

	store := newMemStore()
	// Not due for another week.
	def := weeklySchedule(t, time.Now().Add(7*24*time.Hour))
	store.addSchedule(def)

	disp := newFakeDispatcher()
	eng := newTestEngine(store, &fakeReports{}, disp, Config{})

	outcome, err := eng.RunNow(ctx, def.ID)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if outcome.Status != OutcomeDelivered {
		t.Fatalf("outcome = %+v, want delivered", outcome)
	}
	if disp.deliveryCount() != 1 {
		t.Error("run-now must dispatch regardless of the due time")
	}
	if len(store.runs) != 1 {
		t.Error("run-now must record a run row")
	}
}

func TestRunNowRejectsInactiveSchedule(t *testing.T) {
	ctx := testutil.TestContext(t)

	store := newMemStore()
	def := weeklySchedule(t, time.Now())
	def.IsActive = false
	store.addSchedule(def)

	eng := newTestEngine(store, &fakeReports{}, newFakeDispatcher(), Config{})

	if _, err := eng.RunNow(ctx, def.ID); !errors.Is(err, ErrScheduleInactive) {
		t.Errorf("err = %v, want ErrScheduleInactive", err)
	}
}

func TestRunNowRespectsLease(t *testing.T) {
	ctx := testutil.TestContext(t)

	store := newMemStore()
	def := weeklySchedule(t, time.Now())
	store.addSchedule(def)

	// Another runner holds the lease.
	if ok, _ := store.AcquireScheduleLease(ctx, def.ID, 0, "other-runner", time.Now().Add(time.Hour)); !ok {
		t.Fatal("setup: lease not acquired")
	}

	eng := newTestEngine(store, &fakeReports{}, newFakeDispatcher(), Config{})

	if _, err := eng.RunNow(ctx, def.ID); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("err = %v, want ErrLeaseHeld", err)
	}
}

func TestTickRespectsWorkerLimit(t *testing.T) {
	ctx := testutil.TestContext(t)
	scheduledAt := time.Date(2025, 3, 17, 9, 5, 0, 0, time.UTC)

	store := newMemStore()
	for i := 0; i < 20; i++ {
		store.addSchedule(weeklySchedule(t, scheduledAt))
	}

	var inFlight, peak int32
	var mu sync.Mutex
	reports := &reportHook{
		inner: &fakeReports{},
		hook: func() {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
		},
	}

	disp := newFakeDispatcher()
	eng := newTestEngine(store, reports, disp, Config{Workers: 3})

	if _, err := eng.Tick(ctx, scheduledAt.Add(time.Minute)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if disp.deliveryCount() != 20 {
		t.Errorf("deliveries = %d, want 20", disp.deliveryCount())
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 3 {
		t.Errorf("peak concurrency = %d, want at most 3", peak)
	}
}
