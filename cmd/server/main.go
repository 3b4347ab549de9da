// Command server runs the purchase-link API.
package main

import (
	"context"
	"os"

	"github.com/sitegrade/purchaselink/internal/config"
	"github.com/sitegrade/purchaselink/internal/logging"
	"github.com/sitegrade/purchaselink/internal/server"
	"github.com/sitegrade/purchaselink/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting purchaselink",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg,
		server.WithLogger(logger),
		server.WithCleanup("tracing", shutdownTracing),
	)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
