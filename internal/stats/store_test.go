package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestBumpAccumulatesCountPerQueue(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close() //nolint:errcheck

	now := time.Now().UTC()
	if err := store.BumpContext(ctx, "rzhd-by-operations", "rzhd_by_operations_report", 120, now); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if err := store.BumpContext(ctx, "rzhd-by-operations", "rzhd_by_operations_report", 30, now.Add(time.Minute)); err != nil {
		t.Fatalf("bump again: %v", err)
	}

	recs, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 queue record, got %d", len(recs))
	}
	if recs[0].RunningCount != 150 {
		t.Fatalf("expected accumulated count 150, got %d", recs[0].RunningCount)
	}
	if recs[0].LastProcessedTable != "rzhd_by_operations_report" {
		t.Fatalf("unexpected last processed table: %s", recs[0].LastProcessedTable)
	}
}

func TestClearZeroesCountsButKeepsRows(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close() //nolint:errcheck

	if err := store.BumpContext(ctx, "q1", "t1", 10, time.Now().UTC()); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	recs, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected row to survive clear, got %d rows", len(recs))
	}
	if recs[0].RunningCount != 0 {
		t.Fatalf("expected count reset to 0, got %d", recs[0].RunningCount)
	}
}
