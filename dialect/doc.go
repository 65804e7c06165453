// Package dialect defines the connection contract shared by the dbop packages.
//
// Every component above the driver (the schema catalog, the query builder, the
// DML facade and the SQL file runner) talks to the database through the
// ExecQuerier interface declared here, so that connection management, pooling
// and the wire protocol stay the concern of the caller.
//
// # Supported Dialects
//
//   - MySQL: MySQL/MariaDB database (DESC based introspection)
//   - SQLite: SQLite database (PRAGMA table_info based introspection)
//
// Both accept `?` placeholders, backtick quoted identifiers and the
// `LIMIT offset,count` form emitted by the query builder.
//
// # ExecQuerier Interface
//
//	type ExecQuerier interface {
//	    Exec(ctx context.Context, query string, args []any) (Result, error)
//	    Query(ctx context.Context, query string, args []any) ([]Row, error)
//	}
//
// # Nested rows
//
// A query issued with a context returned by WithNestTables groups every
// column whose label contains the separator into a per-alias sub-row:
//
//	ctx = dialect.WithNestTables(ctx, ".")
//	rows, err := drv.Query(ctx, "SELECT u.`id` AS `u.id`, count(*) AS n FROM `users` u", nil)
//	// rows[0] = Row{"u": Row{"id": 1}, ".n": 3}
//
// Labels without the separator keep a leading separator, the same way the
// MySQL protocol reports expressions that do not originate from a table.
package dialect
