package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "whsec")

	cfg := Load()

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, []string{"kafka:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, 30*time.Minute, cfg.PendingOrderTTL)
	assert.Equal(t, 5*time.Minute, cfg.WebhookTolerance)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("CURRENCY", "eur")
	t.Setenv("PENDING_ORDER_TTL", "45s")
	t.Setenv("SWEEPER_WORKERS", "not-a-number")
	t.Setenv("AUTO_MIGRATE", "true")

	cfg := Load()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "EUR", cfg.Currency)
	assert.Equal(t, 45*time.Second, cfg.PendingOrderTTL)
	assert.Equal(t, 4, cfg.SweeperWorkers)
	assert.True(t, cfg.AutoMigrate)
}

func TestValidateRequiresWebhookSecret(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "")
	t.Setenv("STORE_BACKEND", "sqlite")

	err := Load().Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_SECRET")
	assert.Contains(t, err.Error(), "STORE_BACKEND")
}
