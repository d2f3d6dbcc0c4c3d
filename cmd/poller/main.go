package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KevinKickass/OpenFieldSim/internal/config"
	"github.com/KevinKickass/OpenFieldSim/internal/httpclient"
	"github.com/KevinKickass/OpenFieldSim/internal/logging"
	"github.com/KevinKickass/OpenFieldSim/internal/modbus"
	"github.com/KevinKickass/OpenFieldSim/internal/opcua"
	"github.com/KevinKickass/OpenFieldSim/internal/poll"
	"github.com/KevinKickass/OpenFieldSim/internal/transport"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	flags := pflag.NewFlagSet("poller", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to the client config (.ini, .yaml, .json)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("adapter", "modbus", "transport adapter: modbus, opcua, http, s7")
	flags.Bool("once", false, "run a single poll cycle and exit")
	flags.Bool("read-only", false, "never write, even when alarm_clear is enabled")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, config.RolePoller, flags)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	pollCfg, err := cfg.PollConfig()
	if err != nil {
		logger.Fatal("Invalid poll configuration", zap.Error(err))
	}

	adapter, err := newAdapter(cfg, pollCfg.ReadTimeout, logger)
	if err != nil {
		logger.Fatal("Failed to create adapter", zap.Error(err))
	}

	client, err := poll.NewClient(adapter, pollCfg, logger.Named("poll"))
	if err != nil {
		logger.Fatal("Failed to create poll client", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil {
		logger.Fatal("Poll client failed", zap.String("kind", transport.Classify(err)), zap.Error(err))
	}
}

func newAdapter(cfg *config.Config, timeout time.Duration, logger *zap.Logger) (transport.Adapter, error) {
	switch strings.ToLower(cfg.Client.Adapter) {
	case "modbus":
		var client *modbus.Client
		if cfg.Client.ClientType == "serial" {
			client = modbus.NewRTUClient(cfg.ModbusSerial(), timeout)
		} else {
			client = modbus.NewClient(cfg.ModbusAddress(), timeout)
		}
		return modbus.NewAdapter(client, uint8(cfg.Client.UnitID), logger.Named("modbus")), nil
	case "opcua":
		return opcua.NewAdapter(cfg.OPCUAClient(), logger.Named("opcua")), nil
	case "http", "s7":
		// S7 läuft über die REST-Sicht des Datenbausteins
		return httpclient.NewAdapter(cfg.HTTPBaseURL(), timeout, logger.Named("http")), nil
	default:
		return nil, &types.ConfigError{Section: "client", Key: "adapter", Err: fmt.Errorf("unknown adapter %q", cfg.Client.Adapter)}
	}
}
