package dialect

import (
	"context"
	"database/sql"
)

// Dialect names.
const (
	MySQL  = "mysql"
	SQLite = "sqlite"
)

// Row is a single fetched row keyed by column label. In nested mode the
// value stored under an alias is itself a Row.
type Row = map[string]any

// Result is an alias to sql.Result.
type Result = sql.Result

// ExecQuerier wraps the two statement methods every component relies on.
type ExecQuerier interface {
	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, query string, args []any) (Result, error)
	// Query executes a statement and returns all fetched rows.
	Query(ctx context.Context, query string, args []any) ([]Row, error)
}

// Driver is an ExecQuerier bound to a known dialect.
type Driver interface {
	ExecQuerier
	// Dialect returns the dialect name of the underlying database.
	Dialect() string
}

// nestKey is the context key holding the nested-row separator.
type nestKey struct{}

// WithNestTables returns a context that asks the driver to group result
// columns by the alias found before sep.
func WithNestTables(ctx context.Context, sep string) context.Context {
	return context.WithValue(ctx, nestKey{}, sep)
}

// NestTablesFromContext returns the nested-row separator, if any.
func NestTablesFromContext(ctx context.Context) (string, bool) {
	sep, ok := ctx.Value(nestKey{}).(string)
	return sep, ok && sep != ""
}
