// Completes the lake from the REST API on a cron schedule.
//
// Usage:
//
//	go run ./cmd/klinelake-update [-once]
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"klinelake/internal/app"
	"klinelake/internal/fetch"
	"klinelake/internal/gather/binance"
	"klinelake/internal/store"
)

func main() {
	once := flag.Bool("once", false, "run a single update cycle and exit")
	flag.Parse()

	env, err := app.Load()
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	cfg := env.Config

	manifest, err := store.OpenManifest(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open manifest: %v", err)
	}
	defer manifest.Close()

	src, err := env.Source()
	if err != nil {
		log.Fatalf("failed to create source: %v", err)
	}
	sched := fetch.New(src, fetch.Options{
		BatchSize:       cfg.Fetch.BatchSize,
		WeightThreshold: cfg.Fetch.WeightThreshold,
		Policy:          env.Policy(),
		Cursors:         manifest,
		Logger:          env.Logger,
	})
	gatherer := binance.NewUpdateGatherer(src, sched, store.NewParquetStore(cfg.Storage.DataDir), manifest, binance.UpdateOptions{
		Interval:       env.Interval,
		Filter:         env.Filter(),
		Policy:         env.Policy(),
		BackfillTarget: cfg.Fetch.BackfillTarget,
		Cron:           cfg.Schedule.UpdateCron,
		Logger:         env.Logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *once {
		if _, err := gatherer.RunOnce(ctx); err != nil {
			log.Fatalf("update error: %v", err)
		}
		return
	}

	app.ServeMetrics(ctx, cfg.Metrics.Listen, env.Logger)
	env.Logger.Info("starting gatherer", "name", gatherer.Name())
	if err := gatherer.Run(ctx); err != nil {
		log.Fatalf("gatherer error: %v", err)
	}
}
