// DeVolt reconciler - drives pending energy/USDC escrows to settlement
package main

import (
	"context"
	"os"

	"github.com/mbd888/devolt/internal/config"
	"github.com/mbd888/devolt/internal/logging"
	"github.com/mbd888/devolt/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting devolt reconciler",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	operator, _ := cfg.OperatorAddress()
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"operator", operator,
		"ledger", ledgerMode(cfg),
		"settlement", settlementMode(cfg),
		"poll_interval", cfg.PollInterval,
		"max_in_flight", cfg.MaxInFlight,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func ledgerMode(cfg *config.Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "memory"
}

func settlementMode(cfg *config.Config) string {
	if cfg.SettlementURL != "" {
		return "rpc"
	}
	return "local"
}
