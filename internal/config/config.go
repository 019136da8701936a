package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the klinelake daemons.
type Config struct {
	Storage  Storage       `yaml:"storage"`
	Logging  Logging       `yaml:"logging"`
	Market   Market        `yaml:"market"`
	Fetch    FetchConfig   `yaml:"fetch"`
	Stream   StreamConfig  `yaml:"stream"`
	Archive  ArchiveConfig `yaml:"archive"`
	Holo     HoloConfig    `yaml:"holo"`
	Schedule Schedule      `yaml:"schedule"`
	Metrics  Metrics       `yaml:"metrics"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Logging configures the application logger.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Market selects the trade type, the native interval and the symbol universe.
type Market struct {
	TradeType    string   `yaml:"trade_type"`
	Interval     string   `yaml:"interval"`
	QuoteAsset   string   `yaml:"quote_asset"`
	ContractType string   `yaml:"contract_type"`
	Symbols      []string `yaml:"symbols"` // whitelist; empty keeps all
	Exclude      []string `yaml:"exclude"`
}

// FetchConfig controls the REST fetch scheduler.
type FetchConfig struct {
	BatchSize       int           `yaml:"batch_size"`
	WeightThreshold float64       `yaml:"weight_threshold"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	Timeout         time.Duration `yaml:"timeout"`
	RequestsPerMin  int           `yaml:"requests_per_min"`
	BackfillTarget  int           `yaml:"backfill_target"`
}

// StreamConfig controls the reconnecting streaming clients.
type StreamConfig struct {
	Shards              int           `yaml:"shards"`
	MaxReconnects       int           `yaml:"max_reconnects"`
	MaxReconnectSeconds int           `yaml:"max_reconnect_seconds"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	QueueSize           int           `yaml:"queue_size"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	RestartDelay        time.Duration `yaml:"restart_delay"`
}

// ArchiveConfig controls listing and downloading of bulk archive files.
type ArchiveConfig struct {
	ListPrefix string `yaml:"list_prefix"`
	DataPrefix string `yaml:"data_prefix"`
	HTTPProxy  string `yaml:"http_proxy"`
	Aria2c     string `yaml:"aria2c"`
	MaxTries   int    `yaml:"max_tries"`
	BatchSize  int    `yaml:"batch_size"`
}

// HoloConfig controls merging, gap splitting and resampling.
type HoloConfig struct {
	MinGap         time.Duration    `yaml:"min_gap"`
	MinPriceChange *float64         `yaml:"min_price_change"` // nil takes the default; 0 splits on time alone
	SplitPrefix    string           `yaml:"split_prefix"`
	Workers        int              `yaml:"workers"`
	TradedOnly     bool             `yaml:"traded_only"`
	Resample       []ResampleConfig `yaml:"resample"`
}

// ResampleConfig names one higher-timeframe output.
type ResampleConfig struct {
	Interval   string `yaml:"interval"`
	BaseOffset string `yaml:"base_offset"`
}

// Schedule holds cron expressions for periodic jobs.
type Schedule struct {
	UpdateCron string `yaml:"update_cron"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Listen string `yaml:"listen"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, fills defaults, and then applies environment variable
// overrides. A .env file next to the configuration is loaded first when it
// exists.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	// The manifest lives inside the data directory unless placed explicitly.
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.Storage.DataDir, "manifest.db")
	}

	return cfg, nil
}

// applyDefaults fills zero-valued fields with production defaults.
func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Market.TradeType == "" {
		cfg.Market.TradeType = "um_futures"
	}
	if cfg.Market.Interval == "" {
		cfg.Market.Interval = "1m"
	}

	f := &cfg.Fetch
	if f.BatchSize == 0 {
		f.BatchSize = 40
	}
	if f.WeightThreshold == 0 {
		f.WeightThreshold = 0.9
	}
	if f.MaxAttempts == 0 {
		f.MaxAttempts = 5
	}
	if f.BaseDelay == 0 {
		f.BaseDelay = time.Second
	}
	if f.Timeout == 0 {
		f.Timeout = 15 * time.Second
	}
	if f.BackfillTarget == 0 {
		f.BackfillTarget = 1500
	}

	s := &cfg.Stream
	if s.Shards == 0 {
		s.Shards = 8
	}
	if s.MaxReconnects == 0 {
		s.MaxReconnects = 5
	}
	if s.MaxReconnectSeconds == 0 {
		s.MaxReconnectSeconds = 60
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 60 * time.Second
	}
	if s.QueueSize == 0 {
		s.QueueSize = 100
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = 10 * time.Second
	}
	if s.RestartDelay == 0 {
		s.RestartDelay = 5 * time.Second
	}

	a := &cfg.Archive
	if a.ListPrefix == "" {
		a.ListPrefix = "https://s3-ap-northeast-1.amazonaws.com/data.binance.vision"
	}
	if a.DataPrefix == "" {
		a.DataPrefix = "https://data.binance.vision"
	}
	if a.Aria2c == "" {
		a.Aria2c = "aria2c"
	}
	if a.MaxTries == 0 {
		a.MaxTries = 3
	}
	if a.BatchSize == 0 {
		a.BatchSize = 4096
	}

	h := &cfg.Holo
	if h.MinGap == 0 {
		h.MinGap = 24 * time.Hour
	}
	if h.MinPriceChange == nil {
		v := 0.1
		h.MinPriceChange = &v
	}
	if h.SplitPrefix == "" {
		h.SplitPrefix = "SP"
	}
	if h.Workers == 0 {
		h.Workers = runtime.NumCPU()
	}

	if cfg.Schedule.UpdateCron == "" {
		cfg.Schedule.UpdateCron = "30 */5 * * * *"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("TRADE_TYPE"); v != "" {
		cfg.Market.TradeType = v
	}

	if v := os.Getenv("HTTP_PROXY"); v != "" {
		cfg.Archive.HTTPProxy = v
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
}

// Path returns the configuration file path from KLINELAKE_CONFIG, falling
// back to config/klinelake.yaml.
func Path() string {
	if p := os.Getenv("KLINELAKE_CONFIG"); p != "" {
		return p
	}
	return "config/klinelake.yaml"
}
