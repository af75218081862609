package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget. Registration
// errors are logged but never propagated.
type PrometheusSink struct {
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	itemsProcessed  prometheus.Counter
	tickDuration    prometheus.Histogram

	leaseConflictsTotal *prometheus.CounterVec
	ruleEvaluations     *prometheus.CounterVec

	dispatchAttemptsTotal *prometheus.CounterVec
	dispatchOutcomesTotal *prometheus.CounterVec
	dispatchDuration      prometheus.Histogram
	retryAttemptsTotal    *prometheus.CounterVec
	dedupSuppressedTotal  *prometheus.CounterVec
	inFlight              prometheus.Gauge

	leasesReapedTotal prometheus.Counter
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}

	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reportengine_ticks_total",
		Help: "Total number of engine ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reportengine_tick_errors_total",
		Help: "Total number of engine tick errors.",
	})
	s.itemsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reportengine_items_processed_total",
		Help: "Total number of due schedules and rules processed.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reportengine_tick_duration_seconds",
		Help:    "Duration of each engine tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
	s.leaseConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reportengine_lease_conflicts_total",
		Help: "Occurrences skipped because another runner held the lease.",
	}, []string{"kind"})
	s.ruleEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reportengine_rule_evaluations_total",
		Help: "Rule scan passes by whether the condition fired.",
	}, []string{"fired"})

	s.dispatchAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reportengine_dispatch_attempts_total",
		Help: "Total number of action delivery attempts.",
	}, []string{"action", "status_class"})
	s.dispatchOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reportengine_dispatch_outcomes_total",
		Help: "Final delivery outcomes per occurrence or trigger.",
	}, []string{"action", "outcome"})
	s.dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reportengine_dispatch_duration_seconds",
		Help:    "Delivery attempt latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reportengine_retry_attempts_total",
		Help: "Total number of retry attempts (excludes first attempt).",
	}, []string{"retryable"})
	s.dedupSuppressedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reportengine_dedup_suppressed_total",
		Help: "Dispatches suppressed by the trigger ledger.",
	}, []string{"kind"})
	s.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reportengine_dispatch_in_flight",
		Help: "Number of dispatches currently being processed.",
	})
	s.leasesReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reportengine_leases_reaped_total",
		Help: "Expired leases reclaimed from crashed runners.",
	})

	s.register(reg, s.ticksTotal, "reportengine_ticks_total")
	s.register(reg, s.tickErrorsTotal, "reportengine_tick_errors_total")
	s.register(reg, s.itemsProcessed, "reportengine_items_processed_total")
	s.register(reg, s.tickDuration, "reportengine_tick_duration_seconds")
	s.register(reg, s.leaseConflictsTotal, "reportengine_lease_conflicts_total")
	s.register(reg, s.ruleEvaluations, "reportengine_rule_evaluations_total")
	s.register(reg, s.dispatchAttemptsTotal, "reportengine_dispatch_attempts_total")
	s.register(reg, s.dispatchOutcomesTotal, "reportengine_dispatch_outcomes_total")
	s.register(reg, s.dispatchDuration, "reportengine_dispatch_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "reportengine_retry_attempts_total")
	s.register(reg, s.dedupSuppressedTotal, "reportengine_dedup_suppressed_total")
	s.register(reg, s.inFlight, "reportengine_dispatch_in_flight")
	s.register(reg, s.leasesReapedTotal, "reportengine_leases_reaped_total")

	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, processed int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.itemsProcessed.Add(float64(processed))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) LeaseConflict(kind string) {
	s.leaseConflictsTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) RuleEvaluated(fired bool) {
	s.ruleEvaluations.WithLabelValues(strconv.FormatBool(fired)).Inc()
}

func (s *PrometheusSink) DispatchAttempt(action, statusClass string, duration time.Duration) {
	s.dispatchAttemptsTotal.WithLabelValues(action, statusClass).Inc()
	s.dispatchDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DispatchOutcome(action, outcome string) {
	s.dispatchOutcomesTotal.WithLabelValues(action, outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	s.retryAttemptsTotal.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

func (s *PrometheusSink) DedupSuppressed(kind string) {
	s.dedupSuppressedTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) InFlightIncr() {
	s.inFlight.Inc()
}

func (s *PrometheusSink) InFlightDecr() {
	s.inFlight.Dec()
}

func (s *PrometheusSink) LeasesReaped(count int) {
	s.leasesReapedTotal.Add(float64(count))
}

var _ Sink = (*PrometheusSink)(nil)
var _ Sink = (*NoopSink)(nil)
