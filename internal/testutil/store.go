// Package testutil provides shared test fixtures: a temp-file-backed
// stats store and the little helpers the package tests repeat.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/g960059/rmqcol/internal/stats"
)

// NewStatsStore opens a stats store on a t.TempDir-backed file with
// migrations applied, closed automatically at test end.
func NewStatsStore(t *testing.T) (*stats.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := stats.Open(ctx, filepath.Join(t.TempDir(), "processed_messages.db"))
	if err != nil {
		t.Fatalf("open stats store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st, ctx
}
