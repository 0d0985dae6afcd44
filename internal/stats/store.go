// Package stats is the Stats Aggregator (C8): an embedded single-file
// store of per-queue daily ingestion counters, persisted with
// modernc.org/sqlite (pure-Go, no cgo).
package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/rmqcol/internal/model"
)

// Store is the embedded stats database, one instance per process.
type Store struct {
	db *sql.DB
}

// Open prepares the database file and directory, applies pending
// migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create stats db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod stats db path: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Bump adds count processed messages to queue's running counter and
// overwrites its last timestamp and last processed table with at and
// table.
func (s *Store) Bump(queue, table string, count int64, at time.Time) error {
	return s.BumpContext(context.Background(), queue, table, count, at)
}

// BumpContext is Bump with an explicit context.
func (s *Store) BumpContext(ctx context.Context, queue, table string, count int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stats(queue_name, timestamp, count, processed_table)
VALUES (?, ?, ?, ?)
ON CONFLICT(queue_name) DO UPDATE SET
	timestamp=excluded.timestamp,
	count=stats.count + excluded.count,
	processed_table=excluded.processed_table
`, queue, at.UTC().Format(time.RFC3339), count, table)
	if err != nil {
		return fmt.Errorf("bump stats for queue %s: %w", queue, err)
	}
	return nil
}

// LoadAll returns every queue's current counters, used by the
// day-boundary rollup and the rollup-stats CLI subcommand.
func (s *Store) LoadAll(ctx context.Context) ([]model.StatsRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT queue_name, timestamp, count, processed_table FROM stats ORDER BY queue_name`)
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	defer rows.Close()

	var out []model.StatsRecord
	for rows.Next() {
		var rec model.StatsRecord
		var ts string
		if err := rows.Scan(&rec.Queue, &ts, &rec.RunningCount, &rec.LastProcessedTable); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parse stats timestamp for queue %s: %w", rec.Queue, err)
		}
		rec.LastTimestamp = parsed
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats rows: %w", err)
	}
	return out, nil
}

// Clear zeroes every queue's running counter at the day boundary,
// keeping the row (and its last_processed_table) for continuity.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE stats SET count = 0`); err != nil {
		return fmt.Errorf("clear stats: %w", err)
	}
	return nil
}
