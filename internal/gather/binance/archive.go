package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"klinelake/internal/archive"
	"klinelake/internal/domain"
	"klinelake/internal/gather"
	"klinelake/internal/source"
	"klinelake/internal/store"
)

var _ gather.Gatherer = (*ArchiveGatherer)(nil)

// ParsedIndex remembers which archive files were already imported.
type ParsedIndex interface {
	IsParsed(ctx context.Context, path, digest string) (bool, error)
	MarkParsed(ctx context.Context, path, digest string) error
}

// Lister enumerates the archive bucket.
type Lister interface {
	ListSymbols(ctx context.Context, d archive.Dir) ([]string, error)
	ListFiles(ctx context.Context, d archive.Dir, symbol string) ([]string, error)
}

// ArchiveOptions configures an ArchiveGatherer.
type ArchiveOptions struct {
	TradeType  domain.TradeType
	Interval   domain.Interval
	Filter     source.SymbolFilter
	DataPrefix string // download base, e.g. https://data.binance.vision
	RawDir     string // local mirror of the bucket
	Workers    int    // concurrent symbols during listing and import
	Logger     *slog.Logger
}

// ArchiveGatherer mirrors the bulk archive files of one trade type, verifies
// them and imports every file not imported before into the archive region.
type ArchiveGatherer struct {
	lister  Lister
	fetcher *archive.Fetcher
	store   Store
	parsed  ParsedIndex
	opts    ArchiveOptions
	log     *slog.Logger
}

// NewArchiveGatherer creates an ArchiveGatherer.
func NewArchiveGatherer(l Lister, f *archive.Fetcher, s Store, parsed ParsedIndex, opts ArchiveOptions) *ArchiveGatherer {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	opts.DataPrefix = strings.TrimRight(opts.DataPrefix, "/")
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveGatherer{
		lister:  l,
		fetcher: f,
		store:   s,
		parsed:  parsed,
		opts:    opts,
		log:     logger.With("gatherer", "archive", "trade_type", string(opts.TradeType)),
	}
}

// Name returns the gatherer identifier.
func (g *ArchiveGatherer) Name() string { return "archive-" + string(g.opts.TradeType) }

// Dirs returns the bucket directories this gatherer mirrors. Monthly files
// come before daily ones so that daily rows win on overlap.
func (g *ArchiveGatherer) Dirs() []archive.Dir {
	types := []archive.DataType{archive.Klines}
	if g.opts.TradeType.Profile().HasFunding {
		types = append(types, archive.FundingRate)
	}
	var dirs []archive.Dir
	for _, dt := range types {
		for _, freq := range []archive.Frequency{archive.Monthly, archive.Daily} {
			if dt == archive.FundingRate && freq == archive.Daily {
				continue // funding is published monthly only
			}
			dirs = append(dirs, archive.Dir{TradeType: g.opts.TradeType, Freq: freq, Type: dt, Interval: g.opts.Interval})
		}
	}
	return dirs
}

// Run mirrors and imports every directory once.
func (g *ArchiveGatherer) Run(ctx context.Context) error {
	for _, d := range g.Dirs() {
		if err := g.SyncDir(ctx, d); err != nil {
			return fmt.Errorf("syncing %s: %w", d.Base(), err)
		}
	}
	return nil
}

type archiveFile struct {
	key  string // bucket key
	path string // local mirror path
}

type symbolFiles struct {
	symbol string
	files  []archiveFile // zip files in key order
}

// SyncDir lists d, downloads missing files and imports new ones. Failures
// of single files or symbols are logged and skipped.
func (g *ArchiveGatherer) SyncDir(ctx context.Context, d archive.Dir) error {
	log := g.log.With("dir", d.Base())

	// 1. List symbols.
	all, err := g.lister.ListSymbols(ctx, d)
	if err != nil {
		return err
	}
	var symbols []string
	for _, sym := range all {
		if g.opts.Filter.MatchName(sym) {
			symbols = append(symbols, sym)
		}
	}
	log.Info("listed symbols", "total", len(all), "selected", len(symbols))

	// 2. List the files of every symbol.
	files := make([]symbolFiles, len(symbols))
	var lg errgroup.Group
	lg.SetLimit(g.opts.Workers)
	for i, sym := range symbols {
		lg.Go(func() error {
			keys, err := g.lister.ListFiles(ctx, d, sym)
			if err != nil {
				log.Warn("listing files failed", "symbol", sym, "error", err)
				return nil
			}
			files[i] = symbolFiles{symbol: sym}
			for _, key := range keys {
				if strings.HasSuffix(key, ".zip") {
					files[i].files = append(files[i].files, archiveFile{key: key, path: archive.LocalPath(g.opts.RawDir, key)})
				}
			}
			return nil
		})
	}
	_ = lg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	// 3. Download what is not mirrored yet.
	var jobs []archive.Job
	for _, sf := range files {
		for _, f := range sf.files {
			if archive.IsVerified(f.path) {
				continue
			}
			jobs = append(jobs,
				archive.Job{URL: g.opts.DataPrefix + "/" + f.key, Path: f.path},
				archive.Job{URL: g.opts.DataPrefix + "/" + f.key + ".CHECKSUM", Path: archive.ChecksumPath(f.path)},
			)
		}
	}
	missing, err := g.fetcher.FetchMissing(ctx, jobs)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		log.Warn("archive files unavailable", "files", len(missing))
	}

	// 4. Verify and import, one goroutine per symbol.
	var imported, skipped atomic.Int64
	var ig errgroup.Group
	ig.SetLimit(g.opts.Workers)
	for _, sf := range files {
		if sf.symbol == "" {
			continue
		}
		ig.Go(func() error {
			for _, f := range sf.files {
				if ctx.Err() != nil {
					return nil
				}
				ok, err := g.importFile(ctx, d, sf.symbol, f.path)
				switch {
				case err != nil:
					log.Warn("archive import failed", "symbol", sf.symbol, "file", f.key, "error", err)
				case ok:
					imported.Add(1)
				default:
					skipped.Add(1)
				}
			}
			return nil
		})
	}
	_ = ig.Wait()

	log.Info("archive sync done", "imported", imported.Load(), "skipped", skipped.Load())
	return ctx.Err()
}

// importFile verifies and parses one zip. It reports false when the file is
// absent or was imported before.
func (g *ArchiveGatherer) importFile(ctx context.Context, d archive.Dir, symbol, path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}
	digest, err := archive.Verify(path)
	if err != nil {
		return false, err
	}
	done, err := g.parsed.IsParsed(ctx, path, digest)
	if err != nil || done {
		return false, err
	}

	key := store.SeriesKey{Region: store.RegionArchive, TradeType: g.opts.TradeType, Symbol: symbol}
	switch d.Type {
	case archive.Klines:
		candles, err := archive.ParseKlineZip(path)
		if err != nil {
			return false, g.corrupt(path, err)
		}
		key.Interval = g.opts.Interval.String()
		if err := g.store.WriteCandles(ctx, key, candles); err != nil {
			return false, err
		}
	case archive.FundingRate:
		records, err := archive.ParseFundingZip(path)
		if err != nil {
			return false, g.corrupt(path, err)
		}
		key.Interval = store.FundingInterval
		if err := g.store.WriteFunding(ctx, key, records); err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("unknown data type %q", d.Type)
	}

	return true, g.parsed.MarkParsed(ctx, path, digest)
}

// corrupt deletes a file that verified but failed to parse so that the next
// run downloads it again.
func (g *ArchiveGatherer) corrupt(path string, cause error) error {
	for _, p := range []string{path, archive.VerifiedPath(path), archive.ChecksumPath(path)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Join(cause, err)
		}
	}
	return fmt.Errorf("%w: %w", store.ErrCorrupt, cause)
}
