// Package archive lists, downloads, verifies and parses the bulk history
// files of the data.binance.vision bucket.
package archive

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"klinelake/internal/domain"
)

// Frequency is the file granularity of the bucket.
type Frequency string

const (
	Daily   Frequency = "daily"
	Monthly Frequency = "monthly"
)

// DataType is the dataset of a bucket directory.
type DataType string

const (
	Klines      DataType = "klines"
	FundingRate DataType = "fundingRate"
)

// Dir is a bucket directory for one trade type, frequency and dataset.
type Dir struct {
	TradeType domain.TradeType
	Freq      Frequency
	Type      DataType
	Interval  domain.Interval // klines only
}

// Base returns data/{archive_dir}/{freq}/{type}.
func (d Dir) Base() string {
	return path.Join("data", d.TradeType.Profile().ArchiveDir, string(d.Freq), string(d.Type))
}

// Symbol returns the directory holding the files of symbol.
func (d Dir) Symbol(symbol string) string {
	p := path.Join(d.Base(), symbol)
	if d.Type == Klines {
		p = path.Join(p, d.Interval.String())
	}
	return p
}

// LocalPath maps a bucket key to a path under root.
func LocalPath(root, key string) string {
	return filepath.Join(root, filepath.FromSlash(key))
}

// FileDate returns the UTC day or month a data file covers, parsed from
// names like BTCUSDT-1m-2024-01-02.zip or BTCUSDT-fundingRate-2024-01.zip.
func FileDate(name string) (time.Time, Frequency, error) {
	base := strings.TrimSuffix(path.Base(name), ".zip")
	parts := strings.Split(base, "-")
	if len(parts) >= 3 {
		if t, err := time.Parse("2006-01-02", strings.Join(parts[len(parts)-3:], "-")); err == nil {
			return t, Daily, nil
		}
	}
	if len(parts) >= 2 {
		if t, err := time.Parse("2006-01", strings.Join(parts[len(parts)-2:], "-")); err == nil {
			return t, Monthly, nil
		}
	}
	return time.Time{}, "", fmt.Errorf("no date in archive file name %q", name)
}
