package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/d9705996/oncall/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingDBDSN(t *testing.T) {
	// DB_DSN is only required when DB_DRIVER=postgres.
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_DSN", "")
	t.Setenv("JWT_SECRET", "test-secret")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DSN")
}

func TestLoad_SQLiteNoDBDSN(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "")
	t.Setenv("JWT_SECRET", "test-secret")
	_, err := config.Load()
	require.NoError(t, err)
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/test")
	t.Setenv("JWT_SECRET", "")
	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	for _, k := range []string{
		"HTTP_PORT", "LOG_LEVEL", "LOG_FORMAT", "WORKER_CONCURRENCY", "WORKER_MAX_ATTEMPTS",
		"DB_DRIVER", "DB_FILE", "EVENTS_BACKEND", "ESCALATION_MAX_REPEAT",
		"ESCALATION_AUTORESOLVE_ALERT_LIMIT", "ESCALATION_START_DELAY", "ESCALATION_AUDIT_LOOKBACK",
		"WORKER_ENABLED", "INGEST_RATE_PER_SECOND", "INGEST_BURST",
	} {
		os.Unsetenv(k)
	}

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 10, cfg.Worker.Concurrency)
	assert.Equal(t, 25, cfg.Worker.MaxAttempts)
	assert.True(t, cfg.Worker.Enabled)
	assert.InDelta(t, 10.0, cfg.Ingest.RatePerSecond, 0.001)
	assert.Equal(t, 50, cfg.Ingest.Burst)
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTTL)
	assert.Equal(t, "admin@oncall.local", cfg.App.SeedAdminEmail)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, "oncall.db", cfg.DB.File)
	assert.Equal(t, "log", cfg.Events.Backend)

	assert.Equal(t, 5, cfg.Escalation.MaxRepeat)
	assert.Equal(t, 500, cfg.Escalation.AutoResolveAlertLimit)
	assert.Equal(t, 10*time.Second, cfg.Escalation.StartDelay)
	assert.Equal(t, 5*time.Minute, cfg.Escalation.DefaultWaitDelay)
	assert.Equal(t, 2*time.Minute, cfg.Escalation.BundleWindow)
	assert.Equal(t, 48*time.Hour, cfg.Escalation.AuditLookback)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("WORKER_CONCURRENCY", "20")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_FILE", "test.db")
	t.Setenv("ESCALATION_MAX_REPEAT", "3")
	t.Setenv("ESCALATION_START_DELAY", "1s")
	t.Setenv("EVENTS_BACKEND", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("WORKER_ENABLED", "false")
	t.Setenv("INGEST_BURST", "5")
	t.Setenv("DEPLOYMENT_ENVIRONMENT", "staging")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 20, cfg.Worker.Concurrency)
	assert.Equal(t, "test.db", cfg.DB.File)
	assert.Equal(t, 3, cfg.Escalation.MaxRepeat)
	assert.Equal(t, time.Second, cfg.Escalation.StartDelay)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	assert.False(t, cfg.Worker.Enabled)
	assert.Equal(t, 5, cfg.Ingest.Burst)
	assert.Equal(t, "staging", cfg.OTel.Environment)
}

func TestLoad_InvalidIngestLimit(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("INGEST_RATE_PER_SECOND", "0")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INGEST_RATE_PER_SECOND")
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("JWT_ACCESS_TTL", "not-a-duration")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_ACCESS_TTL")
}

func TestLoad_InvalidEscalationDuration(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("ESCALATION_AUDIT_INTERVAL", "soon")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ESCALATION_AUDIT_INTERVAL")
}

func TestLoad_KafkaRequiresBrokers(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("EVENTS_BACKEND", "kafka")
	t.Setenv("KAFKA_BROKERS", "")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KAFKA_BROKERS")
}

func TestLoad_UnknownEventsBackend(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("EVENTS_BACKEND", "carrier-pigeon")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EVENTS_BACKEND")
}
