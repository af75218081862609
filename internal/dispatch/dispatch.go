// Package dispatch turns a due schedule or a matched rule into a
// concrete side effect: email, webhook, in-app notification, or a
// generated report artifact.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pinebi/report-engine/internal/domain"
	"github.com/pinebi/report-engine/internal/metrics"
	"github.com/pinebi/report-engine/internal/report"
)

var defaultBackoff = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
}

type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Outcome is the terminal result of one dispatch.
type Outcome struct {
	Status    Status
	Attempts  int
	Retryable bool
	Reason    string
}

func delivered(attempts int) Outcome {
	return Outcome{Status: StatusDelivered, Attempts: attempts}
}

func failed(attempts int, retryable bool, reason string) Outcome {
	return Outcome{Status: StatusFailed, Attempts: attempts, Retryable: retryable, Reason: reason}
}

// NotificationStore persists in-app notification records.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n domain.Notification) error
}

// Exporter renders a report artifact for schedule deliveries and
// report actions.
type Exporter interface {
	Export(ctx context.Context, reportID string, window report.Window, format domain.OutputFormat) ([]byte, error)
}

// sendResult is one delivery attempt's result, classified for retry.
type sendResult struct {
	StatusCode int
	Duration   time.Duration
	Err        error
	Retryable  bool
}

func (r sendResult) ok() bool {
	return r.Err == nil && (r.StatusCode == 0 || (r.StatusCode >= 200 && r.StatusCode < 300))
}

type Dispatcher struct {
	webhooks      WebhookSender
	email         EmailSender
	notifications NotificationStore
	exporter      Exporter

	breaker *CircuitBreaker // optional, nil = disabled
	metrics metrics.Sink
	backoff []time.Duration
	timeout time.Duration
	clock   func() time.Time
}

func New(webhooks WebhookSender, email EmailSender, notifications NotificationStore, exporter Exporter) *Dispatcher {
	return &Dispatcher{
		webhooks:      webhooks,
		email:         email,
		notifications: notifications,
		exporter:      exporter,
		metrics:       metrics.NewNoopSink(),
		backoff:       defaultBackoff,
		timeout:       30 * time.Second,
		clock:         time.Now,
	}
}

// WithBreaker attaches a per-destination circuit breaker.
func (d *Dispatcher) WithBreaker(cb *CircuitBreaker) *Dispatcher {
	d.breaker = cb
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink metrics.Sink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithBackoff overrides the retry backoff schedule. The schedule's
// length is the attempt budget.
func (d *Dispatcher) WithBackoff(backoff []time.Duration) *Dispatcher {
	d.backoff = backoff
	return d
}

// WithTimeout bounds each delivery attempt.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	d.timeout = timeout
	return d
}

// DeliverSchedule exports the schedule's report in its output format
// and mails the artifact to the recipients.
func (d *Dispatcher) DeliverSchedule(ctx context.Context, def domain.ScheduleDefinition, scheduledAt time.Time, window report.Window) Outcome {
	d.metrics.InFlightIncr()
	defer d.metrics.InFlightDecr()

	subject := fmt.Sprintf("Scheduled report %s (%s)", def.ReportID, scheduledAt.UTC().Format("2006-01-02"))
	body := fmt.Sprintf("Report: %s\nPeriod: %s - %s\nGenerated: %s\n",
		def.ReportID,
		window.From.UTC().Format("2006-01-02"),
		window.To.UTC().Format("2006-01-02"),
		scheduledAt.UTC().Format(time.RFC3339))

	outcome := d.withRetry(ctx, string(domain.ActionEmail), func(ctx context.Context) sendResult {
		start := d.clock()

		artifact, err := d.exporter.Export(ctx, def.ReportID, window, def.OutputFormat)
		if err != nil {
			return sendResult{Err: err, Retryable: report.IsTransient(err), Duration: time.Since(start)}
		}

		err = d.email.Send(ctx, EmailMessage{
			To:      def.Recipients,
			Subject: subject,
			Body:    body,
			Attachment: &Attachment{
				Name:        report.FileName(def.ReportID, scheduledAt, def.OutputFormat),
				ContentType: report.ContentType(def.OutputFormat),
				Data:        artifact,
			},
		})
		if err != nil {
			// SMTP failures are network-shaped; retry within the budget.
			return sendResult{Err: err, Retryable: true, Duration: time.Since(start)}
		}
		return sendResult{Duration: time.Since(start)}
	})

	d.metrics.DispatchOutcome(string(domain.ActionEmail), string(outcome.Status))
	return outcome
}

// DispatchRule fires the rule's configured action with the matching
// row as context.
func (d *Dispatcher) DispatchRule(ctx context.Context, rule domain.AutomationRule, row domain.Row, firedAt time.Time) Outcome {
	d.metrics.InFlightIncr()
	defer d.metrics.InFlightDecr()

	if err := rule.Action.Validate(); err != nil {
		log.Printf("dispatch: rule=%s invalid action: %v", rule.ID, err)
		return failed(0, false, err.Error())
	}

	var outcome Outcome
	switch rule.Action.Type {
	case domain.ActionWebhook:
		outcome = d.dispatchWebhook(ctx, rule, row, firedAt)
	case domain.ActionEmail:
		outcome = d.dispatchEmail(ctx, rule, row, firedAt)
	case domain.ActionNotification:
		outcome = d.dispatchNotification(ctx, rule)
	case domain.ActionReport:
		outcome = d.dispatchReport(ctx, rule, firedAt)
	default:
		outcome = failed(0, false, fmt.Sprintf("unknown action type %q", rule.Action.Type))
	}

	d.metrics.DispatchOutcome(string(rule.Action.Type), string(outcome.Status))
	return outcome
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, rule domain.AutomationRule, row domain.Row, firedAt time.Time) Outcome {
	cfg := rule.Action.Webhook

	payload := WebhookPayload{
		RuleID:   rule.ID.String(),
		RuleName: rule.Name,
		ReportID: rule.ReportID,
		FiredAt:  firedAt.UTC().Format(time.RFC3339),
		Row:      row,
		Note:     cfg.PayloadTemplate,
	}

	return d.withRetry(ctx, string(domain.ActionWebhook), func(ctx context.Context) sendResult {
		if d.breaker != nil {
			if err := d.breaker.Allow(cfg.URL); err != nil {
				return sendResult{Err: err, Retryable: true}
			}
		}

		result := d.webhooks.Send(ctx, WebhookRequest{
			URL:       cfg.URL,
			Secret:    cfg.Secret,
			Timeout:   cfg.Timeout,
			Payload:   payload,
			AttemptID: uuid.New().String(),
		})

		if d.breaker != nil {
			if result.IsSuccess() {
				d.breaker.RecordSuccess(cfg.URL)
			} else {
				d.breaker.RecordFailure(cfg.URL)
			}
		}

		return sendResult{
			StatusCode: result.StatusCode,
			Err:        result.Error,
			Retryable:  result.IsRetryable(),
			Duration:   result.Duration,
		}
	})
}

func (d *Dispatcher) dispatchEmail(ctx context.Context, rule domain.AutomationRule, row domain.Row, firedAt time.Time) Outcome {
	cfg := rule.Action.Email

	subject := cfg.Subject
	if subject == "" {
		subject = "Rule triggered: " + rule.Name
	}
	body := fmt.Sprintf("Rule: %s\nReport: %s\nCondition: %s %s %v\nMatching row: %v\nTime: %s\n",
		rule.Name, rule.ReportID,
		rule.Condition.Field, rule.Condition.Operator, rule.Condition.Value,
		row, firedAt.UTC().Format(time.RFC3339))

	return d.withRetry(ctx, string(domain.ActionEmail), func(ctx context.Context) sendResult {
		start := d.clock()
		err := d.email.Send(ctx, EmailMessage{To: cfg.Recipients, Subject: subject, Body: body})
		if err != nil {
			return sendResult{Err: err, Retryable: true, Duration: time.Since(start)}
		}
		return sendResult{Duration: time.Since(start)}
	})
}

// dispatchNotification is fire-and-forget: one attempt, never retried.
func (d *Dispatcher) dispatchNotification(ctx context.Context, rule domain.AutomationRule) Outcome {
	n := domain.Notification{
		ID:        uuid.New(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Message:   rule.Action.Notification.Message,
		CreatedAt: d.clock().UTC(),
	}

	start := d.clock()
	err := d.notifications.InsertNotification(ctx, n)
	d.metrics.DispatchAttempt(string(domain.ActionNotification), metrics.ClassifyStatus(0, err), time.Since(start))
	if err != nil {
		log.Printf("dispatch: rule=%s notification insert failed: %v", rule.ID, err)
		return failed(1, false, err.Error())
	}
	return delivered(1)
}

// dispatchReport exports the configured report and mails the artifact.
func (d *Dispatcher) dispatchReport(ctx context.Context, rule domain.AutomationRule, firedAt time.Time) Outcome {
	cfg := rule.Action.Report

	format := cfg.Format
	if format == "" {
		format = domain.FormatPDF
	}
	// Trailing day relative to the trigger; the action has no period of
	// its own.
	window := report.Window{From: firedAt.AddDate(0, 0, -1), To: firedAt}

	subject := fmt.Sprintf("Rule %s: report %s", rule.Name, cfg.ReportID)
	body := fmt.Sprintf("Rule %s triggered at %s. Generated report %s attached.\n",
		rule.Name, firedAt.UTC().Format(time.RFC3339), cfg.ReportID)

	return d.withRetry(ctx, string(domain.ActionReport), func(ctx context.Context) sendResult {
		start := d.clock()

		artifact, err := d.exporter.Export(ctx, cfg.ReportID, window, format)
		if err != nil {
			return sendResult{Err: err, Retryable: report.IsTransient(err), Duration: time.Since(start)}
		}

		err = d.email.Send(ctx, EmailMessage{
			To:      cfg.Recipients,
			Subject: subject,
			Body:    body,
			Attachment: &Attachment{
				Name:        report.FileName(cfg.ReportID, firedAt, format),
				ContentType: report.ContentType(format),
				Data:        artifact,
			},
		})
		if err != nil {
			return sendResult{Err: err, Retryable: true, Duration: time.Since(start)}
		}
		return sendResult{Duration: time.Since(start)}
	})
}

// withRetry runs send with bounded exponential backoff. The backoff
// schedule's length is the attempt budget; non-retryable results stop
// the loop immediately.
func (d *Dispatcher) withRetry(ctx context.Context, action string, send func(ctx context.Context) sendResult) Outcome {
	maxAttempts := len(d.backoff)
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	var last sendResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			d.metrics.RetryAttempt(last.Retryable)

			idx := attempt - 1
			if idx >= len(d.backoff) {
				idx = len(d.backoff) - 1
			}

			timer := time.NewTimer(d.backoff[idx])
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				return failed(attempt-1, true, ctx.Err().Error())
			case <-timer.C:
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		last = send(attemptCtx)
		cancel()

		d.metrics.DispatchAttempt(action, metrics.ClassifyStatus(last.StatusCode, last.Err), last.Duration)

		if last.ok() {
			return delivered(attempt)
		}
		if !last.Retryable {
			log.Printf("dispatch: %s non-retryable status=%d err=%v", action, last.StatusCode, last.Err)
			return failed(attempt, false, reason(last))
		}

		log.Printf("dispatch: %s attempt=%d failed status=%d err=%v", action, attempt, last.StatusCode, last.Err)
	}

	return failed(maxAttempts, true, reason(last))
}

func reason(r sendResult) string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("status %d", r.StatusCode)
}
