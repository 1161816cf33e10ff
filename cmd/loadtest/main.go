package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/canopy-network/modelserve/app/loadtest"
	"github.com/canopy-network/modelserve/app/serve"
	"github.com/canopy-network/modelserve/pkg/config"
	"github.com/canopy-network/modelserve/pkg/logging"
	"github.com/canopy-network/modelserve/pkg/utils"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	logger, err := logging.New("loadtest")
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("Unable to load configuration", zap.Error(err))
	}
	settings := loadtest.SettingsFromEnv()
	settings.Apply(cfg)

	app, err := serve.New(ctx, cfg, logger, serve.Deps{})
	if err != nil {
		logger.Fatal("Unable to build serving stack", zap.Error(err))
	}

	report, err := loadtest.Run(ctx, app, settings)
	if err != nil {
		logger.Fatal("Load test failed", zap.Error(err))
	}

	out := os.Stdout
	if path := utils.Env("LOADTEST_REPORT", ""); path != "" {
		f, err := os.Create(path)
		if err != nil {
			logger.Fatal("Unable to create report file", zap.String("path", path), zap.Error(err))
		}
		defer func() { _ = f.Close() }()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		logger.Fatal("Unable to write report", zap.Error(err))
	}

	if !report.Passed() {
		_ = logger.Sync()
		cancel()
		os.Exit(1)
	}
}
