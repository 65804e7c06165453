package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/MacLaurinGroup/dbop/dialect"
)

// Driver is a dialect.Driver implementation for SQL based databases.
type Driver struct {
	Conn
}

// NewDriver creates a new Driver with the given Conn.
func NewDriver(c Conn) *Driver {
	return &Driver{Conn: c}
}

// Open wraps the database/sql.Open method and returns a dialect.Driver.
// MySQL sources are normalized so that temporal columns scan as time.Time.
func Open(name, source string) (*Driver, error) {
	driverName := name
	switch name {
	case dialect.MySQL:
		dsn, err := NormalizeMySQLDSN(source)
		if err != nil {
			return nil, err
		}
		source = dsn
	case dialect.SQLite:
		// modernc.org/sqlite registers itself as "sqlite".
		driverName = "sqlite"
	}
	db, err := sql.Open(driverName, source)
	if err != nil {
		return nil, err
	}
	return OpenDB(name, db), nil
}

// OpenDB wraps the given database/sql.DB with a Driver.
func OpenDB(name string, db *sql.DB) *Driver {
	return NewDriver(Conn{ExecQuerier: db, dialect: name})
}

// NormalizeMySQLDSN parses a MySQL DSN and forces parseTime, so DATE and
// DATETIME values come back as time.Time instead of raw bytes.
func NormalizeMySQLDSN(source string) (string, error) {
	cfg, err := mysql.ParseDSN(source)
	if err != nil {
		return "", fmt.Errorf("dialect/sql: parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// DB returns the underlying *sql.DB instance.
func (d Driver) DB() *sql.DB {
	return d.ExecQuerier.(*sql.DB)
}

// Close closes the underlying connection.
func (d *Driver) Close() error { return d.DB().Close() }

// ExecQuerier wraps the standard Exec and Query methods.
type ExecQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn implements dialect.ExecQuerier given ExecQuerier.
type Conn struct {
	ExecQuerier
	dialect string
}

// Dialect implements the dialect.Driver method.
func (c Conn) Dialect() string {
	// Driver names may carry a suffix when wrapped (e.g. "mysql-debug").
	for _, name := range []string{dialect.MySQL, dialect.SQLite} {
		if strings.HasPrefix(c.dialect, name) {
			return name
		}
	}
	return c.dialect
}

// Exec implements the dialect.Exec method.
func (c Conn) Exec(ctx context.Context, query string, args []any) (dialect.Result, error) {
	res, err := c.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, &ExecError{Op: "exec", Query: query, Err: err}
	}
	return res, nil
}

// Query implements the dialect.Query method. Rows are fully read and closed
// before returning.
func (c Conn) Query(ctx context.Context, query string, args []any) ([]dialect.Row, error) {
	rows, err := c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ExecError{Op: "query", Query: query, Err: err}
	}
	sep, _ := dialect.NestTablesFromContext(ctx)
	out, err := ScanRows(rows, sep)
	if err != nil {
		return nil, &ExecError{Op: "query", Query: query, Err: err}
	}
	return out, nil
}

var _ dialect.Driver = (*Driver)(nil)

// ColumnScanner is the interface that wraps the standard
// sql.Rows methods used for scanning database rows.
type ColumnScanner interface {
	Close() error
	Columns() ([]string, error)
	Err() error
	Next() bool
	Scan(dest ...any) error
}

// ScanRows reads every row of rs into a Row and closes rs. A non-empty sep
// enables nested-row decoding: a label "a.col" is stored as row["a"]["col"]
// and a label without the separator is stored as sep+label.
func ScanRows(rs ColumnScanner, sep string) (rows []dialect.Row, err error) {
	defer func() { err = errors.Join(err, rs.Close()) }()
	columns, err := rs.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rs.Next() {
		if err := rs.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(dialect.Row, len(columns))
		for i, label := range columns {
			v := convertValue(values[i])
			if sep == "" {
				row[label] = v
				continue
			}
			alias, col, ok := strings.Cut(label, sep)
			if !ok {
				row[sep+label] = v
				continue
			}
			sub, _ := row[alias].(dialect.Row)
			if sub == nil {
				sub = make(dialect.Row)
				row[alias] = sub
			}
			sub[col] = v
		}
		rows = append(rows, row)
	}
	return rows, rs.Err()
}

// convertValue turns driver byte slices into strings.
func convertValue(v any) any {
	switch v := v.(type) {
	case []byte:
		return string(v)
	default:
		return v
	}
}
