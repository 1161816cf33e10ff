package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/canopy-network/modelserve/app/serve"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app, err := serve.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	if err := app.Start(ctx); err != nil {
		app.Logger.Fatal("Server stopped with error", zap.Error(err))
	}
}
