package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := OpenManifest(filepath.Join(t.TempDir(), "db", "manifest.db"))
	if err != nil {
		t.Fatalf("OpenManifest: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManifestCursor(t *testing.T) {
	m := openTestManifest(t)
	ctx := context.Background()

	if _, ok, err := m.Cursor(ctx, "spot", "BTCUSDT", "1m"); err != nil || ok {
		t.Fatalf("Cursor on empty manifest = ok %v, err %v; want not found", ok, err)
	}

	oldest := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := m.SaveCursor(ctx, "spot", "BTCUSDT", "1m", Cursor{Oldest: oldest, Count: 1000}); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	if err := m.SaveCursor(ctx, "spot", "BTCUSDT", "1m", Cursor{Oldest: oldest.Add(-time.Hour), Count: 1060, Exhausted: true}); err != nil {
		t.Fatalf("SaveCursor update: %v", err)
	}

	c, ok, err := m.Cursor(ctx, "spot", "BTCUSDT", "1m")
	if err != nil || !ok {
		t.Fatalf("Cursor = ok %v, err %v", ok, err)
	}
	if !c.Oldest.Equal(oldest.Add(-time.Hour)) || c.Count != 1060 || !c.Exhausted {
		t.Errorf("Cursor = %+v, want updated values", c)
	}
}

func TestManifestNoData(t *testing.T) {
	m := openTestManifest(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if err := m.MarkNoData(ctx, "um_futures", "XUSDT", "1m", day); err != nil {
			t.Fatalf("MarkNoData: %v", err)
		}
	}
	days, err := m.NoDataDays(ctx, "um_futures", "XUSDT", "1m")
	if err != nil {
		t.Fatalf("NoDataDays: %v", err)
	}
	if len(days) != 1 {
		t.Errorf("NoDataDays returned %d days, want 1", len(days))
	}
	if _, ok := days["2024-03-05"]; !ok {
		t.Errorf("NoDataDays = %v, want 2024-03-05", days)
	}
}

func TestManifestParsed(t *testing.T) {
	m := openTestManifest(t)
	ctx := context.Background()
	path := "data/futures/um/daily/klines/BTCUSDT/1m/BTCUSDT-1m-2024-01-01.zip"

	if ok, err := m.IsParsed(ctx, path, "abc"); err != nil || ok {
		t.Fatalf("IsParsed before mark = %v, %v", ok, err)
	}
	if err := m.MarkParsed(ctx, path, "abc"); err != nil {
		t.Fatalf("MarkParsed: %v", err)
	}
	if ok, _ := m.IsParsed(ctx, path, "abc"); !ok {
		t.Error("IsParsed should be true after MarkParsed")
	}
	if ok, _ := m.IsParsed(ctx, path, "def"); ok {
		t.Error("IsParsed should be false when the digest changed")
	}
}
