package utils

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type AppConfig struct {
	DiscordBotToken    string
	DiscordHTTPBaseURL string
	GatewayIntents     uint64
	ShardCount         int
	HeartbeatTimeout   time.Duration
	AutoReconnect      bool
	APIAddress         string
	AppEnv             string
	LogLevel           slog.Level
}

const (
	defaultHeartbeatTimeout = 60 * time.Second
	defaultAPIAddress       = ":8080"
)

func LoadConfiguration() AppConfig {
	cfg := AppConfig{
		HeartbeatTimeout: defaultHeartbeatTimeout,
		AutoReconnect:    true,
		APIAddress:       defaultAPIAddress,
		AppEnv:           "development",
	}
	requiredEnv := map[string]*string{
		"DC_BOT_TOKEN": &cfg.DiscordBotToken,
	}
	for k, v := range requiredEnv {
		if val, ok := os.LookupEnv(k); !ok {
			slog.Error(fmt.Sprintf("Provide: %s", k))
			os.Exit(1)
		} else {
			*v = val
		}
	}
	if v, ok := os.LookupEnv("DC_HTTP_BASE_URL"); ok {
		cfg.DiscordHTTPBaseURL = v
	}
	if v, ok := os.LookupEnv("DC_GATEWAY_INTENTS"); ok {
		intents, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			slog.Error("DC_GATEWAY_INTENTS must be an integer bitfield")
			os.Exit(1)
		}
		cfg.GatewayIntents = intents
	}
	if v, ok := os.LookupEnv("DC_SHARD_COUNT"); ok {
		count, err := strconv.Atoi(v)
		if err != nil || count < 0 {
			slog.Error("DC_SHARD_COUNT must be a non-negative integer")
			os.Exit(1)
		}
		cfg.ShardCount = count
	}
	if v, ok := os.LookupEnv("DC_HEARTBEAT_TIMEOUT"); ok {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("DC_HEARTBEAT_TIMEOUT must be a duration, e.g. 60s")
			os.Exit(1)
		}
		cfg.HeartbeatTimeout = timeout
	}
	if v, ok := os.LookupEnv("DC_AUTO_RECONNECT"); ok {
		reconnect, err := strconv.ParseBool(v)
		if err != nil {
			slog.Error("DC_AUTO_RECONNECT must be a boolean")
			os.Exit(1)
		}
		cfg.AutoReconnect = reconnect
	}
	if v, ok := os.LookupEnv("API_ADDRESS"); ok {
		cfg.APIAddress = v
	}
	if v, ok := os.LookupEnv("APP_ENV"); ok {
		cfg.AppEnv = v
	}
	if cfg.AppEnv == "development" {
		cfg.LogLevel = slog.LevelDebug
	} else {
		cfg.LogLevel = slog.LevelInfo
	}
	return cfg
}
