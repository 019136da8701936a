// Package app wires configuration into the components shared by the
// klinelake daemons.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"klinelake/internal/config"
	"klinelake/internal/domain"
	"klinelake/internal/fetch"
	"klinelake/internal/holo"
	"klinelake/internal/source"
	"klinelake/internal/stream"
	"klinelake/internal/util"
)

// Env is the loaded configuration plus the parsed market settings.
type Env struct {
	Config    *config.Config
	Logger    *slog.Logger
	TradeType domain.TradeType
	Interval  domain.Interval
}

// Load reads the configuration from config.Path(), installs the default
// logger and validates the market section.
func Load() (*Env, error) {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return NewEnv(cfg)
}

// NewEnv validates cfg and builds its logger.
func NewEnv(cfg *config.Config) (*Env, error) {
	tt, err := domain.ParseTradeType(cfg.Market.TradeType)
	if err != nil {
		return nil, err
	}
	iv, err := domain.ParseInterval(cfg.Market.Interval)
	if err != nil {
		return nil, err
	}
	if iv.IsZero() {
		return nil, fmt.Errorf("market interval %q has zero width", cfg.Market.Interval)
	}

	logger := util.NewLogger(util.LogOptions{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	util.SetDefault(logger)
	return &Env{Config: cfg, Logger: logger, TradeType: tt, Interval: iv}, nil
}

// RawDir is the local mirror of the archive bucket.
func (e *Env) RawDir() string { return filepath.Join(e.Config.Storage.DataDir, "raw") }

// Filter returns the configured symbol filter.
func (e *Env) Filter() source.SymbolFilter {
	m := e.Config.Market
	return source.SymbolFilter{
		QuoteAsset:   m.QuoteAsset,
		ContractType: m.ContractType,
		Symbols:      m.Symbols,
		Exclude:      m.Exclude,
	}
}

// Policy returns the REST retry policy.
func (e *Env) Policy() fetch.Policy {
	f := e.Config.Fetch
	return fetch.Policy{MaxAttempts: f.MaxAttempts, BaseDelay: f.BaseDelay, Timeout: f.Timeout}
}

// Source creates the REST client of the configured trade type.
func (e *Env) Source() (*source.Client, error) {
	return source.NewClient(source.ClientOpts{
		TradeType:      e.TradeType,
		Timeout:        e.Config.Fetch.Timeout,
		RequestsPerMin: e.Config.Fetch.RequestsPerMin,
	})
}

// StreamOptions returns the shard manager options.
func (e *Env) StreamOptions() stream.ManagerOptions {
	s := e.Config.Stream
	return stream.ManagerOptions{
		Base:         e.TradeType.Profile().StreamBase,
		Interval:     e.Interval,
		Shards:       s.Shards,
		RestartDelay: s.RestartDelay,
		Logger:       e.Logger,
		Client: stream.Options{
			MaxReconnects:       s.MaxReconnects,
			MaxReconnectSeconds: s.MaxReconnectSeconds,
			IdleTimeout:         s.IdleTimeout,
			QueueSize:           s.QueueSize,
			HandshakeTimeout:    s.HandshakeTimeout,
			Logger:              e.Logger,
		},
	}
}

// HoloOptions returns the builder options.
func (e *Env) HoloOptions() (holo.BuilderOptions, error) {
	h := e.Config.Holo
	specs := make([]holo.ResampleSpec, 0, len(h.Resample))
	for _, r := range h.Resample {
		width, err := domain.ParseInterval(r.Interval)
		if err != nil {
			return holo.BuilderOptions{}, fmt.Errorf("resample interval: %w", err)
		}
		base, err := domain.ParseInterval(r.BaseOffset)
		if err != nil {
			return holo.BuilderOptions{}, fmt.Errorf("resample base offset: %w", err)
		}
		if base.IsZero() {
			return holo.BuilderOptions{}, fmt.Errorf("resample %s: %w", r.Interval, holo.ErrZeroOffset)
		}
		specs = append(specs, holo.ResampleSpec{Width: width, BaseOffset: base})
	}
	gap := holo.GapOptions{MinGap: h.MinGap, MinPriceChange: holo.DefaultMinPriceChange}
	if h.MinPriceChange != nil {
		gap.MinPriceChange = *h.MinPriceChange
	}
	return holo.BuilderOptions{
		TradeType:   e.TradeType,
		Interval:    e.Interval,
		Gap:         gap,
		SplitPrefix: h.SplitPrefix,
		TradedOnly:  h.TradedOnly,
		Workers:     h.Workers,
		Resample:    specs,
		Logger:      e.Logger,
	}, nil
}

// ServeMetrics exposes the Prometheus registry on addr until ctx is
// cancelled. An empty addr disables the endpoint.
func ServeMetrics(ctx context.Context, addr string, log *slog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
