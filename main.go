package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/tempestgg/tempest/src/gateway"
	"github.com/tempestgg/tempest/src/logging"
	"github.com/tempestgg/tempest/src/rest"
	"github.com/tempestgg/tempest/src/server"
	"github.com/tempestgg/tempest/src/shard"
	"github.com/tempestgg/tempest/src/utils"
)

var signals = []os.Signal{
	os.Interrupt,
	syscall.SIGINT,
	syscall.SIGTERM,
}

func main() {
	// A missing .env is fine outside development, the process env wins.
	_ = godotenv.Load()
	cfg := utils.LoadConfiguration()
	logger := logging.NewLogger(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), signals...)
	defer stop()

	restClient := rest.NewClient(rest.ClientArguments{
		BotToken: cfg.DiscordBotToken,
		BaseURL:  cfg.DiscordHTTPBaseURL,
	})
	coord := shard.NewCoordinator(shard.CoordinatorArguments{
		Token:            cfg.DiscordBotToken,
		Intents:          cfg.GatewayIntents,
		ShardCount:       cfg.ShardCount,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		AutoReconnect:    cfg.AutoReconnect,
		REST:             restClient,
		Logger:           logger,
		Dispatch: func(event string, data interface{}) {
			logger.Debug("dispatch", "event", event)
		},
	})

	apiServer := server.NewServer(coord)
	go apiServer.StartServer(ctx, cfg.APIAddress)

	if err := coord.Connect(ctx); err != nil {
		var privileged *gateway.PrivilegedIntents
		if errors.As(err, &privileged) {
			logger.Error("shard requires privileged intents that are not enabled for this bot",
				"shard_id", privileged.ShardID)
			os.Exit(1)
		}
		logger.Error(err.Error())
		os.Exit(1)
	}
	logger.Info("all shards closed")
}
