package sql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// Builder misuse errors.
var (
	// ErrNotInitialized is returned when a QueryBuilder is rendered before Init.
	ErrNotInitialized = errors.New("dialect/sql: query builder not initialized")

	// ErrAlreadyInitialized is returned when Init is called on a builder twice.
	ErrAlreadyInitialized = errors.New("dialect/sql: query builder already initialized")

	// ErrDuplicateAlias is returned when one alias names two different tables.
	ErrDuplicateAlias = errors.New("dialect/sql: duplicate alias")

	// ErrUnknownAlias is returned when a left join anchor alias is not in the FROM list.
	ErrUnknownAlias = errors.New("dialect/sql: unknown alias")

	// ErrBadReference is returned for a join reference that is not "table.alias[.column]".
	ErrBadReference = errors.New("dialect/sql: malformed table reference")

	// ErrPlaceholderMismatch is returned when the WHERE placeholders and the
	// bound values disagree in number.
	ErrPlaceholderMismatch = errors.New("dialect/sql: placeholder count does not match bound values")
)

// ExecError wraps a statement failure reported by the connection. The driver
// error is kept as is and reachable through errors.As/Is.
type ExecError struct {
	Op    string // "query" or "exec"
	Query string
	Err   error
}

// Error returns the error string.
func (e *ExecError) Error() string {
	return fmt.Sprintf("dialect/sql: %s: %v", e.Op, e.Err)
}

// Unwrap returns the driver error.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsExecError returns true if the error came from statement execution.
func IsExecError(err error) bool {
	var e *ExecError
	return errors.As(err, &e)
}

// MySQL error numbers for constraint violations.
const (
	mysqlDuplicateEntry         = 1062
	mysqlForeignKeyParent       = 1451 // Cannot delete or update a parent row
	mysqlForeignKeyChild        = 1452 // Cannot add or update a child row
	mysqlCheckConstraintViolate = 3819
	mysqlNoSuchTable            = 1146
)

// mysqlNumber extracts the server error number, if err carries one.
func mysqlNumber(err error) (uint16, bool) {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number, true
	}
	return 0, false
}

// IsDuplicateEntry reports if the error resulted from a uniqueness violation.
func IsDuplicateEntry(err error) bool {
	if err == nil {
		return false
	}
	if n, ok := mysqlNumber(err); ok {
		return n == mysqlDuplicateEntry
	}
	return containsAny(err.Error(),
		"Error 1062",               // MySQL (string fallback)
		"UNIQUE constraint failed", // SQLite
	)
}

// IsForeignKeyError reports if the error resulted from a foreign-key violation.
func IsForeignKeyError(err error) bool {
	if err == nil {
		return false
	}
	if n, ok := mysqlNumber(err); ok {
		return n == mysqlForeignKeyParent || n == mysqlForeignKeyChild
	}
	return containsAny(err.Error(),
		"Error 1451",
		"Error 1452",
		"FOREIGN KEY constraint failed",
	)
}

// IsConstraintError reports if the error resulted from any constraint violation.
func IsConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if IsDuplicateEntry(err) || IsForeignKeyError(err) {
		return true
	}
	if n, ok := mysqlNumber(err); ok {
		return n == mysqlCheckConstraintViolate
	}
	return containsAny(err.Error(), "Error 3819", "CHECK constraint failed")
}

// IsNoSuchTable reports if the error says the table does not exist.
func IsNoSuchTable(err error) bool {
	if err == nil {
		return false
	}
	if n, ok := mysqlNumber(err); ok {
		return n == mysqlNoSuchTable
	}
	return containsAny(err.Error(), "Error 1146", "no such table")
}

// containsAny returns true if s contains any of the substrings.
func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
