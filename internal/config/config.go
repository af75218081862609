// Package config loads engine settings from the environment. Every
// knob has a default suitable for a single local instance; production
// deployments override what they need.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Persistence.
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Optional analytics. Empty address disables Redis entirely.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Engine.
	TickInterval     time.Duration
	Workers          int
	BatchSize        int
	LeaseTTL         time.Duration
	DedupWindow      time.Duration
	CatchUpPolicy    string
	CatchUpGrace     time.Duration
	RuleScanInterval time.Duration
	RuleWindow       time.Duration
	FetchMaxAttempts int

	// Report backend.
	ReportAPIBaseURL  string
	ReportAPIUsername string
	ReportAPIPassword string
	ReportAPITimeout  time.Duration

	// Delivery.
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	// Circuit breaker for webhook destinations.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Reconciler.
	ReaperInterval  time.Duration
	ReaperBatchSize int
	LedgerRetention time.Duration

	// Leader election. Disabled by default: leases already make
	// concurrent instances safe.
	LeaderElection bool
	LeaderLockKey  int64

	// HTTP.
	HTTPAddr            string
	HTTPShutdownTimeout time.Duration
	MetricsEnabled      bool

	InstanceID string
}

// Load reads the configuration from environment variables.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:       str("DATABASE_URL", "postgres://localhost:5432/reportengine?sslmode=disable"),
		DBMaxOpenConns:    integer("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    integer("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: duration("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		RedisAddr:     str("REDIS_ADDR", ""),
		RedisPassword: str("REDIS_PASSWORD", ""),
		RedisDB:       integer("REDIS_DB", 0),

		TickInterval:     duration("TICK_INTERVAL", time.Minute),
		Workers:          integer("WORKERS", 4),
		BatchSize:        integer("BATCH_SIZE", 100),
		LeaseTTL:         duration("LEASE_TTL", 10*time.Minute),
		DedupWindow:      duration("DEDUP_WINDOW", 24*time.Hour),
		CatchUpPolicy:    str("CATCHUP_POLICY", "run_once"),
		CatchUpGrace:     duration("CATCHUP_GRACE", 5*time.Minute),
		RuleScanInterval: duration("RULE_SCAN_INTERVAL", 5*time.Minute),
		RuleWindow:       duration("RULE_WINDOW", 24*time.Hour),
		FetchMaxAttempts: integer("FETCH_MAX_ATTEMPTS", 3),

		ReportAPIBaseURL:  str("REPORT_API_BASE_URL", "http://localhost:8080"),
		ReportAPIUsername: str("REPORT_API_USERNAME", ""),
		ReportAPIPassword: str("REPORT_API_PASSWORD", ""),
		ReportAPITimeout:  duration("REPORT_API_TIMEOUT", 60*time.Second),

		SMTPHost:     str("SMTP_HOST", "localhost"),
		SMTPPort:     integer("SMTP_PORT", 587),
		SMTPUsername: str("SMTP_USERNAME", ""),
		SMTPPassword: str("SMTP_PASSWORD", ""),
		SMTPFrom:     str("SMTP_FROM", "reports@localhost"),

		BreakerThreshold: integer("CB_THRESHOLD", 5),
		BreakerCooldown:  duration("CB_COOLDOWN", time.Minute),

		ReaperInterval:  duration("REAPER_INTERVAL", time.Minute),
		ReaperBatchSize: integer("REAPER_BATCH_SIZE", 100),
		LedgerRetention: duration("LEDGER_RETENTION", 7*24*time.Hour),

		LeaderElection: boolean("LEADER_ELECTION", false),
		LeaderLockKey:  integer64("LEADER_LOCK_KEY", 0),

		HTTPAddr:            str("HTTP_ADDR", ":8091"),
		HTTPShutdownTimeout: duration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		MetricsEnabled:      boolean("METRICS_ENABLED", true),

		InstanceID: str("INSTANCE_ID", ""),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MaskedJSON renders the config for startup logging with secrets
// blanked out.
func (c Config) MaskedJSON() string {
	masked := c
	masked.DatabaseURL = maskDSN(masked.DatabaseURL)
	masked.RedisPassword = mask(masked.RedisPassword)
	masked.ReportAPIPassword = mask(masked.ReportAPIPassword)
	masked.SMTPPassword = mask(masked.SMTPPassword)

	b, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("config marshal error: %v", err)
	}
	return string(b)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// maskDSN hides the password portion of a URL-style DSN.
func maskDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at == -1 {
		return dsn
	}
	colon := strings.Index(dsn, "://")
	if colon == -1 {
		return dsn
	}
	creds := dsn[colon+3 : at]
	if sep := strings.Index(creds, ":"); sep != -1 {
		return dsn[:colon+3] + creds[:sep] + ":****" + dsn[at:]
	}
	return dsn
}

func str(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func integer(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func integer64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func boolean(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
