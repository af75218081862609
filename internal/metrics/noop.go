package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                                    {}
func (n *NoopSink) TickCompleted(duration time.Duration, processed int, err error)  {}
func (n *NoopSink) LeaseConflict(kind string)                                       {}
func (n *NoopSink) RuleEvaluated(fired bool)                                        {}
func (n *NoopSink) DispatchAttempt(action, statusClass string, d time.Duration)     {}
func (n *NoopSink) DispatchOutcome(action, outcome string)                          {}
func (n *NoopSink) RetryAttempt(retryable bool)                                     {}
func (n *NoopSink) DedupSuppressed(kind string)                                     {}
func (n *NoopSink) InFlightIncr()                                                   {}
func (n *NoopSink) InFlightDecr()                                                   {}
func (n *NoopSink) LeasesReaped(count int)                                          {}
