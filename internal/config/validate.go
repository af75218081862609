package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate rejects configurations that cannot work. It collects every
// problem so operators fix them in one pass.
func (c Config) Validate() error {
	var problems []string

	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL must not be empty")
	}
	if c.TickInterval < time.Second {
		problems = append(problems, "TICK_INTERVAL must be at least 1s")
	}
	if c.Workers < 1 {
		problems = append(problems, "WORKERS must be at least 1")
	}
	if c.BatchSize < 1 {
		problems = append(problems, "BATCH_SIZE must be at least 1")
	}
	if c.LeaseTTL < c.TickInterval {
		problems = append(problems, "LEASE_TTL must not be shorter than TICK_INTERVAL")
	}
	if c.DedupWindow < 0 {
		problems = append(problems, "DEDUP_WINDOW must not be negative")
	}
	if c.CatchUpPolicy != "run_once" && c.CatchUpPolicy != "skip" {
		problems = append(problems, fmt.Sprintf("CATCHUP_POLICY must be run_once or skip, got %q", c.CatchUpPolicy))
	}
	if c.RuleWindow <= 0 {
		problems = append(problems, "RULE_WINDOW must be positive")
	}
	if c.FetchMaxAttempts < 1 {
		problems = append(problems, "FETCH_MAX_ATTEMPTS must be at least 1")
	}
	if c.ReportAPIBaseURL == "" {
		problems = append(problems, "REPORT_API_BASE_URL must not be empty")
	}
	if c.SMTPPort < 1 || c.SMTPPort > 65535 {
		problems = append(problems, "SMTP_PORT must be a valid port")
	}
	if c.BreakerThreshold < 1 {
		problems = append(problems, "CB_THRESHOLD must be at least 1")
	}
	if c.LedgerRetention < c.DedupWindow {
		problems = append(problems, "LEDGER_RETENTION must not be shorter than DEDUP_WINDOW")
	}
	if c.HTTPAddr == "" {
		problems = append(problems, "HTTP_ADDR must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// FetchBackoff derives the retry schedule from FetchMaxAttempts. The
// first attempt is immediate; later ones back off.
func (c Config) FetchBackoff() []time.Duration {
	schedule := []time.Duration{0, 10 * time.Second, 30 * time.Second, 2 * time.Minute}
	if c.FetchMaxAttempts < len(schedule) {
		return schedule[:c.FetchMaxAttempts]
	}
	return schedule
}
