package store

import "context"

// Interface is the subset of *Gateway that callers depend on, so tests
// can substitute a fake store without dialing a real cluster.
type Interface interface {
	Describe(ctx context.Context, database, table string) ([]string, error)
	Insert(ctx context.Context, database, table string, columns []string, rows [][]any) error
	Query(ctx context.Context, sql string) (Result, error)
	Exec(ctx context.Context, sql string) error
	DeleteAll(ctx context.Context, database, table, predicate string) error
}

var _ Interface = (*Gateway)(nil)
