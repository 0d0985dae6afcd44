// Package store is the Store Gateway (C2): a thin wrapper over the
// columnar store driver that hides connection/batch details from
// callers. It never reorders the columns a caller presents.
package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ErrRetriable marks a store error the caller may retry.
var ErrRetriable = errors.New("store: retriable")

// Result is the shape returned by Query.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Gateway is the C2 contract.
type Gateway struct {
	conn clickhouse.Conn
}

// Open dials the columnar store using the given DSN.
func Open(ctx context.Context, dsn string) (*Gateway, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, "SET allow_experimental_lightweight_delete=1"); err != nil {
		return nil, fmt.Errorf("enable lightweight delete: %w", err)
	}
	return &Gateway{conn: conn}, nil
}

func (g *Gateway) Close() error {
	if g == nil || g.conn == nil {
		return nil
	}
	return g.conn.Close()
}

// Describe returns the ordered column set of database.table, minus the
// store-generated uuid column.
func (g *Gateway) Describe(ctx context.Context, database, table string) ([]string, error) {
	result, err := g.Query(ctx, fmt.Sprintf("DESCRIBE TABLE %s.%s", database, table))
	if err != nil {
		return nil, fmt.Errorf("describe %s.%s: %w", database, table, err)
	}
	columns := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) == 0 {
			continue
		}
		name, ok := row[0].(string)
		if !ok || name == "uuid" {
			continue
		}
		columns = append(columns, name)
	}
	return columns, nil
}

// Insert appends rows (rectangular, aligned to columns) into
// database.table. It blocks locally until the store has accepted the
// batch: the insert runs with async_insert=1 and
// wait_for_async_insert=1, so a returned nil error means the store has
// accepted the batch.
func (g *Gateway) Insert(ctx context.Context, database, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s.%s (%s)",
		database, table, strings.Join(columns, ", "),
	)
	syncCtx := clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":          1,
		"wait_for_async_insert": 1,
	}))
	batch, err := g.conn.PrepareBatch(syncCtx, insertSQL)
	if err != nil {
		return fmt.Errorf("%w: prepare batch for %s.%s: %v", ErrRetriable, database, table, err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("%w: append row to %s.%s: %v", ErrRetriable, database, table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("%w: send batch to %s.%s: %v", ErrRetriable, database, table, err)
	}
	return nil
}

// Query runs a read-only statement and returns the column names and
// rows in store order.
func (g *Gateway) Query(ctx context.Context, sql string) (Result, error) {
	rows, err := g.conn.Query(ctx, sql)
	if err != nil {
		return Result{}, fmt.Errorf("%w: query: %v", ErrRetriable, err)
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	result := Result{Columns: rows.Columns()}
	for rows.Next() {
		dest := make([]any, len(columnTypes))
		for i, ct := range columnTypes {
			dest[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(dest...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		values := make([]any, len(dest))
		for i, d := range dest {
			values[i] = reflect.ValueOf(d).Elem().Interface()
		}
		result.Rows = append(result.Rows, values)
	}
	return result, rows.Err()
}

// Exec runs a DDL/DML statement (e.g. a lightweight DELETE).
func (g *Gateway) Exec(ctx context.Context, sql string) error {
	if err := g.conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("%w: exec: %v", ErrRetriable, err)
	}
	return nil
}

// DeleteAll wipes every row of database.table matching predicate,
// using lightweight-delete semantics.
func (g *Gateway) DeleteAll(ctx context.Context, database, table, predicate string) error {
	sql := fmt.Sprintf("DELETE FROM %s.%s WHERE %s", database, table, predicate)
	return g.Exec(ctx, sql)
}
