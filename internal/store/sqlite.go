package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Manifest is a small SQLite database recording ingestion progress:
// backfill cursors, API days known to hold no data, and archive files that
// have already been parsed into the lake.
type Manifest struct {
	db *sql.DB
}

// Cursor is the backward-pagination state of one series.
type Cursor struct {
	Oldest    time.Time // oldest begin time fetched so far
	Count     int       // rows fetched so far
	Exhausted bool      // the source returned a short page
}

const manifestSchema = `
CREATE TABLE IF NOT EXISTS cursors (
	trade_type TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	interval   TEXT NOT NULL,
	oldest_ms  INTEGER NOT NULL,
	count      INTEGER NOT NULL,
	exhausted  INTEGER NOT NULL,
	PRIMARY KEY (trade_type, symbol, interval)
);
CREATE TABLE IF NOT EXISTS no_data_days (
	trade_type TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	interval   TEXT NOT NULL,
	day        TEXT NOT NULL,
	PRIMARY KEY (trade_type, symbol, interval, day)
);
CREATE TABLE IF NOT EXISTS parsed_archives (
	path      TEXT PRIMARY KEY,
	digest    TEXT NOT NULL,
	parsed_at INTEGER NOT NULL
);
`

// OpenManifest opens (or creates) a SQLite database at dbPath and ensures
// its tables exist.
func OpenManifest(dbPath string) (*Manifest, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; serialise access through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(manifestSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating manifest tables: %w", err)
	}
	return &Manifest{db: db}, nil
}

// Close closes the underlying database connection.
func (m *Manifest) Close() error {
	return m.db.Close()
}

// ---------------------------------------------------------------------------
// Backfill cursors
// ---------------------------------------------------------------------------

// Cursor returns the stored cursor of a series; ok is false when none exists.
func (m *Manifest) Cursor(ctx context.Context, tradeType, symbol, interval string) (c Cursor, ok bool, err error) {
	var oldest int64
	var exhausted int
	err = m.db.QueryRowContext(ctx,
		`SELECT oldest_ms, count, exhausted FROM cursors WHERE trade_type = ? AND symbol = ? AND interval = ?`,
		tradeType, symbol, interval,
	).Scan(&oldest, &c.Count, &exhausted)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	c.Oldest = time.UnixMilli(oldest).UTC()
	c.Exhausted = exhausted != 0
	return c, true, nil
}

// SaveCursor inserts or replaces the cursor of a series.
func (m *Manifest) SaveCursor(ctx context.Context, tradeType, symbol, interval string, c Cursor) error {
	exhausted := 0
	if c.Exhausted {
		exhausted = 1
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO cursors (trade_type, symbol, interval, oldest_ms, count, exhausted)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (trade_type, symbol, interval)
		 DO UPDATE SET oldest_ms = excluded.oldest_ms, count = excluded.count, exhausted = excluded.exhausted`,
		tradeType, symbol, interval, c.Oldest.UnixMilli(), c.Count, exhausted,
	)
	return err
}

// ---------------------------------------------------------------------------
// No-data days
// ---------------------------------------------------------------------------

// MarkNoData records that the source has no data for symbol on day.
func (m *Manifest) MarkNoData(ctx context.Context, tradeType, symbol, interval string, day time.Time) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO no_data_days (trade_type, symbol, interval, day) VALUES (?, ?, ?, ?)`,
		tradeType, symbol, interval, day.UTC().Format("2006-01-02"),
	)
	return err
}

// NoDataDays returns the set of days (YYYY-MM-DD) known to hold no data.
func (m *Manifest) NoDataDays(ctx context.Context, tradeType, symbol, interval string) (map[string]struct{}, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT day FROM no_data_days WHERE trade_type = ? AND symbol = ? AND interval = ?`,
		tradeType, symbol, interval,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	days := make(map[string]struct{})
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		days[day] = struct{}{}
	}
	return days, rows.Err()
}

// ---------------------------------------------------------------------------
// Parsed archives
// ---------------------------------------------------------------------------

// IsParsed reports whether the archive file at path was parsed with the
// given checksum digest.
func (m *Manifest) IsParsed(ctx context.Context, path, digest string) (bool, error) {
	var stored string
	err := m.db.QueryRowContext(ctx, `SELECT digest FROM parsed_archives WHERE path = ?`, path).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored == digest, nil
}

// MarkParsed records that the archive file at path has been parsed.
func (m *Manifest) MarkParsed(ctx context.Context, path, digest string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO parsed_archives (path, digest, parsed_at) VALUES (?, ?, ?)
		 ON CONFLICT (path) DO UPDATE SET digest = excluded.digest, parsed_at = excluded.parsed_at`,
		path, digest, time.Now().UnixMilli(),
	)
	return err
}
