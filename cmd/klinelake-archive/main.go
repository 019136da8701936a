// Mirrors the bulk archive of the configured trade type and imports every
// new file into the archive region.
//
// Usage:
//
//	go run ./cmd/klinelake-archive
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"klinelake/internal/app"
	"klinelake/internal/archive"
	"klinelake/internal/gather/binance"
	"klinelake/internal/store"
)

func main() {
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

	lister, err := archive.NewLister(cfg.Archive.ListPrefix, cfg.Archive.HTTPProxy)
	if err != nil {
		log.Fatalf("failed to create lister: %v", err)
	}
	fetcher := &archive.Fetcher{
		Downloader: archive.Aria2{Exec: cfg.Archive.Aria2c, Proxy: cfg.Archive.HTTPProxy},
		BatchSize:  cfg.Archive.BatchSize,
		MaxTries:   cfg.Archive.MaxTries,
		Logger:     env.Logger,
	}

	gatherer := binance.NewArchiveGatherer(lister, fetcher, store.NewParquetStore(cfg.Storage.DataDir), manifest, binance.ArchiveOptions{
		TradeType:  env.TradeType,
		Interval:   env.Interval,
		Filter:     env.Filter(),
		DataPrefix: cfg.Archive.DataPrefix,
		RawDir:     env.RawDir(),
		Logger:     env.Logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env.Logger.Info("starting gatherer", "name", gatherer.Name())
	if err := gatherer.Run(ctx); err != nil {
		log.Fatalf("gatherer error: %v", err)
	}
}
