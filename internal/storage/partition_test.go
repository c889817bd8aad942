package storage

import (
	"testing"
	"time"
)

func TestPartitionDDL(t *testing.T) {
	day := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	got := partitionDDL("orderbook_deltas", day)
	want := `CREATE TABLE IF NOT EXISTS orderbook_deltas_20260830 PARTITION OF orderbook_deltas FOR VALUES FROM ('2026-08-30') TO ('2026-08-31')`
	if got != want {
		t.Errorf("partitionDDL() =\n%s\nwant\n%s", got, want)
	}
}

func TestPartitionDDL_MonthBoundary(t *testing.T) {
	day := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	got := partitionDDL("trades", day)
	want := `CREATE TABLE IF NOT EXISTS trades_20260131 PARTITION OF trades FOR VALUES FROM ('2026-01-31') TO ('2026-02-01')`
	if got != want {
		t.Errorf("partitionDDL() =\n%s\nwant\n%s", got, want)
	}
}

func TestPartitionManager_EnsuredStartsEmpty(t *testing.T) {
	p := NewPartitionManager(DefaultPartitionConfig(), nil, nil)

	if p.Ensured(time.Now()) {
		t.Error("Ensured() = true for a fresh manager, want false")
	}
}
