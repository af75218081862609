package metrics

import (
	"strings"
	"time"
)

// Sink defines the interface for recording engine metrics.
// All methods are fire-and-forget: implementations MUST NOT block or
// propagate errors. If the backend is unavailable, implementations log
// warnings and continue.
type Sink interface {
	// Engine metrics
	TickStarted()
	TickCompleted(duration time.Duration, processed int, err error)
	LeaseConflict(kind string)
	RuleEvaluated(fired bool)

	// Dispatch metrics
	DispatchAttempt(action string, statusClass string, duration time.Duration)
	DispatchOutcome(action string, outcome string)
	RetryAttempt(retryable bool)
	DedupSuppressed(kind string)
	InFlightIncr()
	InFlightDecr()

	// Reaper metrics
	LeasesReaped(count int)
}

// Outcome constants for DispatchOutcome.
const (
	OutcomeDelivered  = "delivered"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
	OutcomeSuppressed = "suppressed"
)

// StatusClass constants for DispatchAttempt.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a bounded-cardinality
// status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
			return StatusClassTimeout
		}
		if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
			strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "dial") {
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
