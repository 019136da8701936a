package archive

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"klinelake/internal/domain"
)

// Header prefixes of the archive CSV files.
const (
	klineHeaderPrefix   = "open_time"
	fundingHeaderPrefix = "calc_time"
)

// Timestamps at or above this value are microseconds.
const microsThreshold = 1_000_000_000_000_000

// ParseKlineZip reads the candles of a kline archive file.
func ParseKlineZip(path string) ([]domain.Candle, error) {
	var candles []domain.Candle
	err := readZipCSV(path, klineHeaderPrefix, func(rec []string) error {
		c, err := parseKlineRecord(rec)
		if err != nil {
			return err
		}
		candles = append(candles, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return candles, nil
}

// ParseFundingZip reads the funding records of a fundingRate archive file.
func ParseFundingZip(path string) ([]domain.FundingRecord, error) {
	var records []domain.FundingRecord
	err := readZipCSV(path, fundingHeaderPrefix, func(rec []string) error {
		if len(rec) < 3 {
			return fmt.Errorf("funding row has %d fields, want 3", len(rec))
		}
		ts, err := parseTimestamp(rec[0])
		if err != nil {
			return fmt.Errorf("calc_time: %w", err)
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
		if err != nil {
			return fmt.Errorf("last_funding_rate: %w", err)
		}
		records = append(records, domain.NewFundingRecord(ts, rate))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// readZipCSV calls fn for every data row of the first file inside the zip.
// A first row starting with headerPrefix is skipped.
func readZipCSV(path, headerPrefix string, fn func([]string) error) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer zr.Close()
	if len(zr.File) == 0 {
		return fmt.Errorf("%s: empty zip", path)
	}

	f, err := zr.File[0].Open()
	if err != nil {
		return fmt.Errorf("opening %s in %s: %w", zr.File[0].Name, path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s line %d: %w", path, line, err)
		}
		if line == 1 && len(rec) > 0 && strings.HasPrefix(strings.TrimSpace(rec[0]), headerPrefix) {
			continue
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("%s line %d: %w", path, line, err)
		}
	}
}

func parseKlineRecord(rec []string) (domain.Candle, error) {
	if len(rec) < 11 {
		return domain.Candle{}, fmt.Errorf("kline row has %d fields, want at least 11", len(rec))
	}
	var c domain.Candle
	ts, err := parseTimestamp(rec[0])
	if err != nil {
		return c, fmt.Errorf("open_time: %w", err)
	}
	c.BeginTime = ts

	floats := []struct {
		idx int
		dst *float64
	}{
		{1, &c.Open}, {2, &c.High}, {3, &c.Low}, {4, &c.Close}, {5, &c.Volume},
		{7, &c.QuoteVolume}, {9, &c.TakerBuyBaseVolume}, {10, &c.TakerBuyQuoteVolume},
	}
	for _, f := range floats {
		if *f.dst, err = strconv.ParseFloat(strings.TrimSpace(rec[f.idx]), 64); err != nil {
			return c, fmt.Errorf("column %d: %w", f.idx, err)
		}
	}
	if c.TradeCount, err = strconv.ParseInt(strings.TrimSpace(rec[8]), 10, 64); err != nil {
		return c, fmt.Errorf("count: %w", err)
	}
	return c, nil
}

// parseTimestamp reads a millisecond or microsecond epoch.
func parseTimestamp(s string) (time.Time, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if v >= microsThreshold {
		return time.UnixMicro(v).UTC(), nil
	}
	return time.UnixMilli(v).UTC(), nil
}
