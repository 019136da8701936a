// Streams closed candles of the configured universe into the api region.
//
// Usage:
//
//	go run ./cmd/klinelake-live
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"klinelake/internal/app"
	"klinelake/internal/gather/binance"
	"klinelake/internal/store"
)

func main() {
	env, err := app.Load()
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	cfg := env.Config

	src, err := env.Source()
	if err != nil {
		log.Fatalf("failed to create source: %v", err)
	}
	gatherer := binance.NewLiveGatherer(src, store.NewParquetStore(cfg.Storage.DataDir), binance.LiveOptions{
		Interval: env.Interval,
		Filter:   env.Filter(),
		Policy:   env.Policy(),
		Stream:   env.StreamOptions(),
		Logger:   env.Logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app.ServeMetrics(ctx, cfg.Metrics.Listen, env.Logger)
	env.Logger.Info("starting gatherer", "name", gatherer.Name())
	if err := gatherer.Run(ctx); err != nil {
		log.Fatalf("gatherer error: %v", err)
	}
}
