package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenFieldSim/internal/config"
	"github.com/KevinKickass/OpenFieldSim/internal/logging"
	"github.com/KevinKickass/OpenFieldSim/internal/mqtt"
	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	flags := pflag.NewFlagSet("subscriber", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to the subscriber config (.ini, .yaml, .json)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, config.RoleSubscriber, flags)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	sub, err := mqtt.NewSubscriber(cfg.MQTTOptions(), cfg.Subscriber.Topic, logger.Named("mqtt"))
	if err != nil {
		logger.Fatal("Failed to create subscriber", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := transport.DefaultRetryPolicy()
	if cfg.Broker.ConnectRetries >= 0 {
		policy.Attempts = uint64(cfg.Broker.ConnectRetries)
	}
	if err := transport.ConnectWithRetry(ctx, sub, policy, logger); err != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(err))
	}
	defer sub.Close()

	format := mqtt.Format(cfg.Subscriber.Format)
	var received uint64
	for {
		select {
		case <-ctx.Done():
			logger.Info("Subscriber stopped", zap.Uint64("received", received))
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			received++
			logger.Info("Message received", mqtt.LogFields(ev, format)...)
		}
	}
}
