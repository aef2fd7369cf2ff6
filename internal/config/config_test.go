package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "orders_inserted", cfg.Database.NotifyChannel)
	assert.Equal(t, 30*time.Second, cfg.Redis.BookTTL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.Second, cfg.Matching.TickInterval)
	assert.Equal(t, "veloxdex:match:lock", cfg.Matching.LockKey)
	assert.Equal(t, 30, cfg.Reconciler.MaxAttempts)
	assert.Equal(t, 4, cfg.Reconciler.Workers)
	assert.Equal(t, 2, cfg.Broadcast.RoomRateLimit)
	assert.Equal(t, 2*time.Second, cfg.Broadcast.RoomRateWindow)
	assert.Equal(t, 500*time.Millisecond, cfg.Broadcast.FlushInterval)
	assert.Equal(t, 100, cfg.Broadcast.RoomCapacity)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig(t.TempDir())
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Database.DSN = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Kafka.Brokers = nil
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Matching.TickInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Matching.LockTTL = -time.Second
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Broadcast.RoomRateLimit = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Reconciler.MaxAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Reconciler.Workers = 0
	assert.Error(t, cfg.Validate())
}
