package utils

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigurationDefaults(t *testing.T) {
	t.Setenv("DC_BOT_TOKEN", "token123")
	cfg := LoadConfiguration()
	assert.Equal(t, "token123", cfg.DiscordBotToken)
	assert.Equal(t, 0, cfg.ShardCount)
	assert.Equal(t, defaultHeartbeatTimeout, cfg.HeartbeatTimeout)
	assert.True(t, cfg.AutoReconnect)
	assert.Equal(t, defaultAPIAddress, cfg.APIAddress)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadConfigurationOverrides(t *testing.T) {
	t.Setenv("DC_BOT_TOKEN", "token123")
	t.Setenv("DC_GATEWAY_INTENTS", "33281")
	t.Setenv("DC_SHARD_COUNT", "4")
	t.Setenv("DC_HEARTBEAT_TIMEOUT", "90s")
	t.Setenv("DC_AUTO_RECONNECT", "false")
	t.Setenv("API_ADDRESS", ":9000")
	t.Setenv("APP_ENV", "production")

	cfg := LoadConfiguration()
	assert.Equal(t, uint64(33281), cfg.GatewayIntents)
	assert.Equal(t, 4, cfg.ShardCount)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	assert.False(t, cfg.AutoReconnect)
	assert.Equal(t, ":9000", cfg.APIAddress)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}
