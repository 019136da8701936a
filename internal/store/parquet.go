package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"klinelake/internal/domain"
	"klinelake/internal/util"
)

// Compile-time interface checks.
var _ CandleStore = (*ParquetStore)(nil)
var _ FundingStore = (*ParquetStore)(nil)
var _ HoloStore = (*ParquetStore)(nil)

const partitionExt = ".parquet"

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// CandleRecord is the Parquet schema for raw candles.
type CandleRecord struct {
	BeginTime           int64   `parquet:"candle_begin_time,timestamp(millisecond)"` // Unix ms
	Open                float64 `parquet:"open"`
	High                float64 `parquet:"high"`
	Low                 float64 `parquet:"low"`
	Close               float64 `parquet:"close"`
	Volume              float64 `parquet:"volume"`
	QuoteVolume         float64 `parquet:"quote_volume"`
	TradeCount          int64   `parquet:"trade_num"`
	TakerBuyBaseVolume  float64 `parquet:"taker_buy_base_asset_volume"`
	TakerBuyQuoteVolume float64 `parquet:"taker_buy_quote_asset_volume"`
}

// HoloRecord is the Parquet schema for merged candles.
type HoloRecord struct {
	BeginTime           int64   `parquet:"candle_begin_time,timestamp(millisecond)"`
	Open                float64 `parquet:"open"`
	High                float64 `parquet:"high"`
	Low                 float64 `parquet:"low"`
	Close               float64 `parquet:"close"`
	Volume              float64 `parquet:"volume"`
	QuoteVolume         float64 `parquet:"quote_volume"`
	TradeCount          int64   `parquet:"trade_num"`
	TakerBuyBaseVolume  float64 `parquet:"taker_buy_base_asset_volume"`
	TakerBuyQuoteVolume float64 `parquet:"taker_buy_quote_asset_volume"`
	VWAP                float64 `parquet:"vwap_1m"`
	FundingRate         float64 `parquet:"funding_rate"`
}

// ResampledRecord is the Parquet schema for higher-timeframe candles.
type ResampledRecord struct {
	BeginTime           int64   `parquet:"candle_begin_time,timestamp(millisecond)"`
	Open                float64 `parquet:"open"`
	High                float64 `parquet:"high"`
	Low                 float64 `parquet:"low"`
	Close               float64 `parquet:"close"`
	Volume              float64 `parquet:"volume"`
	QuoteVolume         float64 `parquet:"quote_volume"`
	TradeCount          int64   `parquet:"trade_num"`
	TakerBuyBaseVolume  float64 `parquet:"taker_buy_base_asset_volume"`
	TakerBuyQuoteVolume float64 `parquet:"taker_buy_quote_asset_volume"`
	VWAP1mOpen          float64 `parquet:"vwap_1m_open"`
	FundingRate         float64 `parquet:"funding_rate"`
	FundingPrice        float64 `parquet:"funding_price"`
	FundingTime         int64   `parquet:"funding_time,timestamp(millisecond)"` // 0 when absent
}

// FundingRow is the Parquet schema for funding records.
type FundingRow struct {
	BeginTime   int64   `parquet:"candle_begin_time,timestamp(millisecond)"`
	FundingTime int64   `parquet:"funding_time,timestamp(millisecond)"`
	FundingRate float64 `parquet:"funding_rate"`
}

// ---------------------------------------------------------------------------
// Table: one partitioned series
// ---------------------------------------------------------------------------

// Table is a single series stored as one Parquet file per partition:
//
//	<dir>/<partition_id>.parquet
//
// Every record is keyed by its begin time in Unix milliseconds.
type Table[R any] struct {
	dir  string
	freq Frequency
	key  func(R) int64
	log  *slog.Logger
}

// NewTable creates a Table rooted at dir.
func NewTable[R any](dir string, freq Frequency, key func(R) int64) *Table[R] {
	return &Table[R]{
		dir:  dir,
		freq: freq,
		key:  key,
		log:  slog.Default().With("component", "store", "dir", dir),
	}
}

// Path returns the file path of partition id.
func (t *Table[R]) Path(id string) string {
	return filepath.Join(t.dir, id+partitionExt)
}

// ReadPartition returns the records of partition id. A missing partition
// yields no records. A partition that fails to decode is deleted and also
// yields no records; it is re-derived from upstream on the next write cycle.
func (t *Table[R]) ReadPartition(id string) ([]R, error) {
	path := t.Path(id)
	records, err := readParquetFile[R](path)
	switch {
	case err == nil:
		return records, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case errors.Is(err, ErrCorrupt):
		t.log.Warn("deleting corrupt partition", "partition", id, "err", err)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("removing corrupt partition %s: %w", id, rmErr)
		}
		return nil, nil
	default:
		return nil, err
	}
}

// UpsertPartition merges records into partition id. Existing rows come first
// so that on a duplicate begin time the incoming record wins. An empty
// result removes the partition file.
func (t *Table[R]) UpsertPartition(id string, records []R) error {
	existing, err := t.ReadPartition(id)
	if err != nil {
		return err
	}
	merged := util.DedupLast(append(existing, records...), t.key)
	return t.writePartition(id, merged)
}

// UpsertSeries splits records by partition window and upserts every
// partition that receives at least one record.
func (t *Table[R]) UpsertSeries(records []R) error {
	if len(records) == 0 {
		return nil
	}

	lo, hi := t.key(records[0]), t.key(records[0])
	for _, r := range records[1:] {
		k := t.key(r)
		lo, hi = min(lo, k), max(hi, k)
	}

	for _, id := range t.freq.PartitionIDs(time.UnixMilli(lo), time.UnixMilli(hi)) {
		start, end, err := t.freq.Bounds(id)
		if err != nil {
			return err
		}
		in := filterWindow(records, t.key, start.UnixMilli(), end.UnixMilli())
		if len(in) == 0 {
			continue
		}
		if err := t.UpsertPartition(id, in); err != nil {
			return fmt.Errorf("upserting partition %s: %w", id, err)
		}
	}
	return nil
}

// ReadAll concatenates every partition, deduplicated and sorted.
func (t *Table[R]) ReadAll() ([]R, error) {
	ids, err := t.Partitions()
	if err != nil {
		return nil, err
	}
	var all []R
	for _, id := range ids {
		records, err := t.ReadPartition(id)
		if err != nil {
			return nil, fmt.Errorf("reading partition %s: %w", id, err)
		}
		all = append(all, records...)
	}
	return util.DedupLast(all, t.key), nil
}

// Trim drops records outside [start, end) from every partition.
func (t *Table[R]) Trim(start, end time.Time) error {
	ids, err := t.Partitions()
	if err != nil {
		return err
	}
	for _, id := range ids {
		records, err := t.ReadPartition(id)
		if err != nil {
			return err
		}
		kept := filterWindow(records, t.key, start.UnixMilli(), end.UnixMilli())
		if len(kept) == len(records) {
			continue
		}
		if err := t.writePartition(id, kept); err != nil {
			return fmt.Errorf("trimming partition %s: %w", id, err)
		}
	}
	return nil
}

// Partitions lists the partition ids on disk in ascending order.
func (t *Table[R]) Partitions() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, partitionExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, partitionExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes the whole series directory.
func (t *Table[R]) Remove() error {
	return os.RemoveAll(t.dir)
}

func (t *Table[R]) writePartition(id string, records []R) error {
	path := t.Path(id)
	if len(records) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return writeParquetFile(path, records)
}

func filterWindow[R any](records []R, key func(R) int64, start, end int64) []R {
	var out []R
	for _, r := range records {
		if k := key(r); k >= start && k < end {
			out = append(out, r)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// ParquetStore: typed series over the lake
// ---------------------------------------------------------------------------

// ParquetStore implements CandleStore, FundingStore and HoloStore using
// Parquet files on disk.
type ParquetStore struct {
	DataDir string
	freqs   map[Region]Frequency
}

// NewParquetStore creates a new ParquetStore rooted at the given data
// directory. Archive series are partitioned monthly, API series daily and
// derived series yearly until overridden with SetFrequency.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{
		DataDir: dataDir,
		freqs: map[Region]Frequency{
			RegionArchive:  Monthly,
			RegionAPI:      Daily,
			RegionHolo:     Yearly,
			RegionResample: Yearly,
		},
	}
}

// SetFrequency overrides the partition frequency of a region.
func (s *ParquetStore) SetFrequency(region Region, freq Frequency) {
	s.freqs[region] = freq
}

// Frequency returns the partition frequency of a region.
func (s *ParquetStore) Frequency(region Region) Frequency {
	if f, ok := s.freqs[region]; ok {
		return f
	}
	return Yearly
}

func (s *ParquetStore) candleTable(key SeriesKey) *Table[CandleRecord] {
	return NewTable(key.Dir(s.DataDir), s.Frequency(key.Region), func(r CandleRecord) int64 { return r.BeginTime })
}

func (s *ParquetStore) holoTable(key SeriesKey) *Table[HoloRecord] {
	return NewTable(key.Dir(s.DataDir), s.Frequency(key.Region), func(r HoloRecord) int64 { return r.BeginTime })
}

func (s *ParquetStore) resampledTable(key SeriesKey) *Table[ResampledRecord] {
	return NewTable(key.Dir(s.DataDir), s.Frequency(key.Region), func(r ResampledRecord) int64 { return r.BeginTime })
}

func (s *ParquetStore) fundingTable(key SeriesKey) *Table[FundingRow] {
	key.Interval = FundingInterval
	return NewTable(key.Dir(s.DataDir), s.Frequency(key.Region), func(r FundingRow) int64 { return r.BeginTime })
}

// WriteCandles upserts candles into the partitions they fall into.
func (s *ParquetStore) WriteCandles(_ context.Context, key SeriesKey, candles []domain.Candle) error {
	records := make([]CandleRecord, len(candles))
	for i, c := range candles {
		records[i] = toCandleRecord(c)
	}
	if err := s.candleTable(key).UpsertSeries(records); err != nil {
		return fmt.Errorf("writing candles for %s/%s: %w", key.Symbol, key.Interval, err)
	}
	return nil
}

// ReadCandles returns every candle of the series.
func (s *ParquetStore) ReadCandles(_ context.Context, key SeriesKey) ([]domain.Candle, error) {
	records, err := s.candleTable(key).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading candles for %s/%s: %w", key.Symbol, key.Interval, err)
	}
	candles := make([]domain.Candle, len(records))
	for i, r := range records {
		candles[i] = fromCandleRecord(r)
	}
	return candles, nil
}

// LastBegin returns the begin time of the newest candle of the series. Only
// the newest non-empty partition is read.
func (s *ParquetStore) LastBegin(_ context.Context, key SeriesKey) (time.Time, bool, error) {
	t := s.candleTable(key)
	ids, err := t.Partitions()
	if err != nil {
		return time.Time{}, false, err
	}
	for i := len(ids) - 1; i >= 0; i-- {
		records, err := t.ReadPartition(ids[i])
		if err != nil {
			return time.Time{}, false, err
		}
		var last int64
		for _, r := range records {
			last = max(last, r.BeginTime)
		}
		if len(records) > 0 {
			return time.UnixMilli(last).UTC(), true, nil
		}
	}
	return time.Time{}, false, nil
}

// TrimCandles drops candles outside [start, end).
func (s *ParquetStore) TrimCandles(_ context.Context, key SeriesKey, start, end time.Time) error {
	return s.candleTable(key).Trim(start, end)
}

// Partitions returns the partition ids present for the series.
func (s *ParquetStore) Partitions(_ context.Context, key SeriesKey) ([]string, error) {
	return s.candleTable(key).Partitions()
}

// WriteFunding upserts funding records.
func (s *ParquetStore) WriteFunding(_ context.Context, key SeriesKey, records []domain.FundingRecord) error {
	rows := make([]FundingRow, len(records))
	for i, r := range records {
		rows[i] = FundingRow{
			BeginTime:   r.BeginTime.UnixMilli(),
			FundingTime: r.FundingTime.UnixMilli(),
			FundingRate: r.FundingRate,
		}
	}
	if err := s.fundingTable(key).UpsertSeries(rows); err != nil {
		return fmt.Errorf("writing funding for %s: %w", key.Symbol, err)
	}
	return nil
}

// ReadFunding returns every funding record of the series.
func (s *ParquetStore) ReadFunding(_ context.Context, key SeriesKey) ([]domain.FundingRecord, error) {
	rows, err := s.fundingTable(key).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading funding for %s: %w", key.Symbol, err)
	}
	records := make([]domain.FundingRecord, len(rows))
	for i, r := range rows {
		records[i] = domain.FundingRecord{
			BeginTime:   time.UnixMilli(r.BeginTime).UTC(),
			FundingTime: time.UnixMilli(r.FundingTime).UTC(),
			FundingRate: r.FundingRate,
		}
	}
	return records, nil
}

// WriteHolo upserts holo candles.
func (s *ParquetStore) WriteHolo(_ context.Context, key SeriesKey, candles []domain.HoloCandle) error {
	records := make([]HoloRecord, len(candles))
	for i, c := range candles {
		cr := toCandleRecord(c.Candle)
		records[i] = HoloRecord{
			BeginTime:           cr.BeginTime,
			Open:                cr.Open,
			High:                cr.High,
			Low:                 cr.Low,
			Close:               cr.Close,
			Volume:              cr.Volume,
			QuoteVolume:         cr.QuoteVolume,
			TradeCount:          cr.TradeCount,
			TakerBuyBaseVolume:  cr.TakerBuyBaseVolume,
			TakerBuyQuoteVolume: cr.TakerBuyQuoteVolume,
			VWAP:                c.VWAP,
			FundingRate:         c.FundingRate,
		}
	}
	if err := s.holoTable(key).UpsertSeries(records); err != nil {
		return fmt.Errorf("writing holo for %s/%s: %w", key.Symbol, key.Interval, err)
	}
	return nil
}

// ReadHolo returns every holo candle of the series.
func (s *ParquetStore) ReadHolo(_ context.Context, key SeriesKey) ([]domain.HoloCandle, error) {
	records, err := s.holoTable(key).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading holo for %s/%s: %w", key.Symbol, key.Interval, err)
	}
	candles := make([]domain.HoloCandle, len(records))
	for i, r := range records {
		candles[i] = domain.HoloCandle{
			Candle: fromCandleRecord(CandleRecord{
				BeginTime:           r.BeginTime,
				Open:                r.Open,
				High:                r.High,
				Low:                 r.Low,
				Close:               r.Close,
				Volume:              r.Volume,
				QuoteVolume:         r.QuoteVolume,
				TradeCount:          r.TradeCount,
				TakerBuyBaseVolume:  r.TakerBuyBaseVolume,
				TakerBuyQuoteVolume: r.TakerBuyQuoteVolume,
			}),
			VWAP:        r.VWAP,
			FundingRate: r.FundingRate,
		}
	}
	return candles, nil
}

// WriteResampled upserts resampled candles.
func (s *ParquetStore) WriteResampled(_ context.Context, key SeriesKey, candles []domain.ResampledCandle) error {
	records := make([]ResampledRecord, len(candles))
	for i, c := range candles {
		r := ResampledRecord{
			BeginTime:           c.BeginTime.UnixMilli(),
			Open:                c.Open,
			High:                c.High,
			Low:                 c.Low,
			Close:               c.Close,
			Volume:              c.Volume,
			QuoteVolume:         c.QuoteVolume,
			TradeCount:          c.TradeCount,
			TakerBuyBaseVolume:  c.TakerBuyBaseVolume,
			TakerBuyQuoteVolume: c.TakerBuyQuoteVolume,
			VWAP1mOpen:          c.VWAP1mOpen,
			FundingRate:         c.FundingRate,
			FundingPrice:        c.FundingPrice,
		}
		if !c.FundingTime.IsZero() {
			r.FundingTime = c.FundingTime.UnixMilli()
		}
		records[i] = r
	}
	if err := s.resampledTable(key).UpsertSeries(records); err != nil {
		return fmt.Errorf("writing resampled for %s/%s: %w", key.Symbol, key.Interval, err)
	}
	return nil
}

// RemoveSeries deletes every partition of the series.
func (s *ParquetStore) RemoveSeries(_ context.Context, key SeriesKey) error {
	return s.candleTable(key).Remove()
}

// ListSymbols lists all symbols that have data in the given region.
func (s *ParquetStore) ListSymbols(_ context.Context, region Region, tradeType domain.TradeType) ([]string, error) {
	dir := filepath.Join(s.DataDir, string(region), string(tradeType))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func toCandleRecord(c domain.Candle) CandleRecord {
	return CandleRecord{
		BeginTime:           c.BeginTime.UnixMilli(),
		Open:                c.Open,
		High:                c.High,
		Low:                 c.Low,
		Close:               c.Close,
		Volume:              c.Volume,
		QuoteVolume:         c.QuoteVolume,
		TradeCount:          c.TradeCount,
		TakerBuyBaseVolume:  c.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: c.TakerBuyQuoteVolume,
	}
}

func fromCandleRecord(r CandleRecord) domain.Candle {
	return domain.Candle{
		BeginTime:           time.UnixMilli(r.BeginTime).UTC(),
		Open:                r.Open,
		High:                r.High,
		Low:                 r.Low,
		Close:               r.Close,
		Volume:              r.Volume,
		QuoteVolume:         r.QuoteVolume,
		TradeCount:          r.TradeCount,
		TakerBuyBaseVolume:  r.TakerBuyBaseVolume,
		TakerBuyQuoteVolume: r.TakerBuyQuoteVolume,
	}
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// writeParquetFile writes records to a sibling temp file and renames it into
// place so readers never observe a partial partition.
func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return rows, nil
}
