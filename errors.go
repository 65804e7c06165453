package dbop

import (
	"errors"
	"fmt"

	"github.com/MacLaurinGroup/dbop/dialect/sql"
	"github.com/MacLaurinGroup/dbop/dialect/sql/schema"
)

// Standard sentinel errors.
var (
	// ErrMissingPrimaryKey is matched by every MissingPrimaryKeyError.
	ErrMissingPrimaryKey = errors.New("dbop: missing primary key")

	// ErrNoPrimaryKey is returned when Update or SelectOne targets a table
	// without a primary key.
	ErrNoPrimaryKey = errors.New("dbop: table has no primary key")
)

// MissingPrimaryKeyError is returned when Update or SelectOne data lacks a
// primary key column. No statement has been issued.
type MissingPrimaryKeyError struct {
	Table  string
	Column string // data key, alias qualified when the table was
}

// Error returns the error string.
func (e *MissingPrimaryKeyError) Error() string {
	return fmt.Sprintf("dbop: missing primary key %q for table %q", e.Column, e.Table)
}

// Is reports whether the target error matches MissingPrimaryKeyError.
// This allows errors.Is(err, ErrMissingPrimaryKey) to return true.
func (e *MissingPrimaryKeyError) Is(err error) bool {
	return err == ErrMissingPrimaryKey
}

// IsMissingPrimaryKey returns true if the error is a MissingPrimaryKeyError.
func IsMissingPrimaryKey(err error) bool {
	if err == nil {
		return false
	}
	var e *MissingPrimaryKeyError
	return errors.As(err, &e)
}

// IsValidationError returns true if data was rejected before any statement
// was built.
func IsValidationError(err error) bool {
	return err != nil && schema.IsValidationError(err)
}

// IsIntrospectionError returns true if a table could not be described.
func IsIntrospectionError(err error) bool {
	return err != nil && schema.IsIntrospectionError(err)
}

// IsDriverError returns true if the connection failed to execute a
// statement.
func IsDriverError(err error) bool {
	return err != nil && sql.IsExecError(err)
}

// IsConstraintError returns true if a statement violated a constraint.
func IsConstraintError(err error) bool {
	return sql.IsConstraintError(err)
}
