// Package config loads all runtime configuration from environment variables.
// A .env file, when present, is loaded by the binary before Load is called.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the on-call engine.
type Config struct {
	HTTP       HTTPConfig
	DB         DBConfig
	Log        LogConfig
	JWT        JWTConfig
	App        AppConfig
	Worker     WorkerConfig
	OTel       OTelConfig
	Escalation EscalationConfig
	Events     EventsConfig
	Slack      SlackConfig
	Webhook    WebhookConfig
	Ingest     IngestConfig
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int
}

// DBConfig holds database connection configuration.
type DBConfig struct {
	Driver      string        // "sqlite" (default) or "postgres"
	DSN         string        // required when Driver == "postgres"
	File        string        // SQLite database file path (default: "oncall.db")
	MaxConns    int           // Postgres only
	LockTimeout time.Duration // Postgres only; bounds row lock waits, 0 waits forever
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string
	Format string
}

// JWTConfig holds JSON Web Token signing and expiry settings.
type JWTConfig struct {
	Secret     string //nolint:gosec // intentional: holds JWT signing secret loaded from env
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// AppConfig holds application-level settings such as seed credentials.
type AppConfig struct {
	SeedAdminEmail    string
	SeedAdminPassword string
	FixturesFile      string // optional YAML file with channels, chains and users
	PublicURL         string // base URL used in rendered links
}

// WorkerConfig holds background worker settings.
type WorkerConfig struct {
	Enabled     bool // false runs the API only; jobs are still enqueued
	Concurrency int
	MaxAttempts int
}

// OTelConfig holds OpenTelemetry exporter settings.
type OTelConfig struct {
	OTLPEndpoint string
	SampleRatio  float64
	Environment  string // deployment.environment.name resource attribute
}

// EscalationConfig holds the timing constants of the escalation engine.
type EscalationConfig struct {
	MaxRepeat             int
	AutoResolveAlertLimit int
	DefaultWaitDelay      time.Duration
	NextStepDelay         time.Duration
	StartDelay            time.Duration
	BundleWindow          time.Duration
	AuditInterval         time.Duration
	AuditLookback         time.Duration
	AuditHeartbeatURL     string
	RelayInterval         time.Duration
}

// EventsConfig selects where domain events are published.
type EventsConfig struct {
	Backend       string // "log" (default), "kafka" or "nats"
	KafkaBrokers  []string
	KafkaTopic    string
	NATSURL       string
	SubjectPrefix string
}

// SlackConfig holds chat delivery settings.
type SlackConfig struct {
	BotToken string //nolint:gosec // intentional: holds Slack bot token loaded from env
}

// WebhookConfig controls outgoing webhook delivery.
type WebhookConfig struct {
	Timeout          time.Duration
	RatePerSecond    float64
	Burst            int
	BreakerFailures  int
	BreakerOpenAfter time.Duration
}

// IngestConfig limits alert ingestion per integration token.
type IngestConfig struct {
	RatePerSecond float64
	Burst         int
}

// Load reads configuration from environment variables, applies defaults,
// and returns an error if any required field is absent.
func Load() (*Config, error) {
	cfg := &Config{}

	// HTTP
	cfg.HTTP.Port = envInt("HTTP_PORT", 8080)

	// DB
	cfg.DB.Driver = envStr("DB_DRIVER", "sqlite")
	cfg.DB.File = envStr("DB_FILE", "oncall.db")
	cfg.DB.DSN = os.Getenv("DB_DSN")
	if cfg.DB.Driver == "postgres" && cfg.DB.DSN == "" {
		return nil, errors.New("DB_DSN is required when DB_DRIVER=postgres")
	}
	cfg.DB.MaxConns = envInt("DB_MAX_CONNS", 25)
	var err error
	cfg.DB.LockTimeout, err = envDuration("DB_LOCK_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DB_LOCK_TIMEOUT: %w", err)
	}

	// Log
	cfg.Log.Level = envStr("LOG_LEVEL", "info")
	cfg.Log.Format = envStr("LOG_FORMAT", "json")

	// JWT (required)
	cfg.JWT.Secret = os.Getenv("JWT_SECRET")
	if cfg.JWT.Secret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	cfg.JWT.AccessTTL, err = envDuration("JWT_ACCESS_TTL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("JWT_ACCESS_TTL: %w", err)
	}
	cfg.JWT.RefreshTTL, err = envDuration("JWT_REFRESH_TTL", 720*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("JWT_REFRESH_TTL: %w", err)
	}

	// App
	cfg.App.SeedAdminEmail = envStr("SEED_ADMIN_EMAIL", "admin@oncall.local")
	cfg.App.SeedAdminPassword = os.Getenv("SEED_ADMIN_PASSWORD")
	cfg.App.FixturesFile = os.Getenv("FIXTURES_FILE")
	cfg.App.PublicURL = envStr("PUBLIC_URL", "http://localhost:8080")

	// Worker
	cfg.Worker.Enabled = envBool("WORKER_ENABLED", true)
	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", 10)
	cfg.Worker.MaxAttempts = envInt("WORKER_MAX_ATTEMPTS", 25)

	// OTel
	cfg.OTel.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	cfg.OTel.SampleRatio = envFloat("OTEL_TRACES_SAMPLER_ARG", 1)
	cfg.OTel.Environment = os.Getenv("DEPLOYMENT_ENVIRONMENT")

	// Escalation
	if err := loadEscalation(&cfg.Escalation); err != nil {
		return nil, err
	}

	// Events
	cfg.Events.Backend = envStr("EVENTS_BACKEND", "log")
	cfg.Events.KafkaBrokers = envList("KAFKA_BROKERS")
	cfg.Events.KafkaTopic = envStr("KAFKA_TOPIC", "oncall.alert_group_events")
	cfg.Events.NATSURL = envStr("NATS_URL", "nats://127.0.0.1:4222")
	cfg.Events.SubjectPrefix = envStr("NATS_SUBJECT_PREFIX", "oncall")
	switch cfg.Events.Backend {
	case "log", "nats":
	case "kafka":
		if len(cfg.Events.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when EVENTS_BACKEND=kafka")
		}
	default:
		return nil, fmt.Errorf("EVENTS_BACKEND: unsupported backend %q", cfg.Events.Backend)
	}

	// Slack
	cfg.Slack.BotToken = os.Getenv("SLACK_BOT_TOKEN")

	// Webhook
	cfg.Webhook.Timeout, err = envDuration("WEBHOOK_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("WEBHOOK_TIMEOUT: %w", err)
	}
	cfg.Webhook.RatePerSecond = envFloat("WEBHOOK_RATE_PER_SECOND", 5)
	cfg.Webhook.Burst = envInt("WEBHOOK_BURST", 10)
	cfg.Webhook.BreakerFailures = envInt("WEBHOOK_BREAKER_FAILURES", 5)
	cfg.Webhook.BreakerOpenAfter, err = envDuration("WEBHOOK_BREAKER_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("WEBHOOK_BREAKER_TIMEOUT: %w", err)
	}

	// Ingest
	cfg.Ingest.RatePerSecond = envFloat("INGEST_RATE_PER_SECOND", 10)
	cfg.Ingest.Burst = envInt("INGEST_BURST", 50)
	if cfg.Ingest.RatePerSecond <= 0 || cfg.Ingest.Burst <= 0 {
		return nil, errors.New("INGEST_RATE_PER_SECOND and INGEST_BURST must be positive")
	}

	return cfg, nil
}

func loadEscalation(e *EscalationConfig) error {
	e.MaxRepeat = envInt("ESCALATION_MAX_REPEAT", 5)
	e.AutoResolveAlertLimit = envInt("ESCALATION_AUTORESOLVE_ALERT_LIMIT", 500)
	e.AuditHeartbeatURL = os.Getenv("ESCALATION_AUDITOR_HEARTBEAT_URL")

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"ESCALATION_DEFAULT_WAIT_DELAY", 5 * time.Minute, &e.DefaultWaitDelay},
		{"ESCALATION_NEXT_STEP_DELAY", 5 * time.Second, &e.NextStepDelay},
		{"ESCALATION_START_DELAY", 10 * time.Second, &e.StartDelay},
		{"NOTIFICATION_BUNDLE_WINDOW", 2 * time.Minute, &e.BundleWindow},
		{"ESCALATION_AUDIT_INTERVAL", 13 * time.Minute, &e.AuditInterval},
		{"ESCALATION_AUDIT_LOOKBACK", 48 * time.Hour, &e.AuditLookback},
		{"EVENTS_RELAY_INTERVAL", 5 * time.Second, &e.RelayInterval},
	}
	for _, d := range durations {
		v, err := envDuration(d.key, d.def)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if e.MaxRepeat < 0 {
		return errors.New("ESCALATION_MAX_REPEAT must not be negative")
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return d, nil
}
