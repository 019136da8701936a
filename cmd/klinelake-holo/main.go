// Rebuilds the holo and resample regions from the archive and api regions.
//
// Usage:
//
//	go run ./cmd/klinelake-holo [-symbols BTCUSDT,ETHUSDT]
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"klinelake/internal/app"
	"klinelake/internal/holo"
	"klinelake/internal/store"
)

func main() {
	only := flag.String("symbols", "", "comma-separated symbols to build (default: all stored)")
	flag.Parse()

	env, err := app.Load()
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	opts, err := env.HoloOptions()
	if err != nil {
		log.Fatalf("invalid holo config: %v", err)
	}
	builder := holo.NewBuilder(store.NewParquetStore(env.Config.Storage.DataDir), opts)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var symbols []string
	if *only != "" {
		for _, s := range strings.Split(*only, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				symbols = append(symbols, s)
			}
		}
	} else if symbols, err = builder.Symbols(ctx); err != nil {
		log.Fatalf("listing symbols: %v", err)
	}

	start := time.Now()
	failed := builder.BuildAll(ctx, symbols)
	env.Logger.Info("holo build complete",
		"symbols", len(symbols),
		"failed", len(failed),
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	if len(failed) > 0 {
		log.Fatalf("%d symbols failed", len(failed))
	}
}
