// Package schema introspects table structure from a live database, caches
// it, and validates row data against it before it is written.
package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Type is the base column type, without size or value list.
type Type string

// Column base types recognized by the validator. Anything else is TypeOther
// and passes validation untouched.
const (
	TypeText     Type = "text"
	TypeVarchar  Type = "varchar"
	TypeEnum     Type = "enum"
	TypeInt      Type = "int"
	TypeTinyInt  Type = "tinyint"
	TypeSmallInt Type = "smallint"
	TypeDate     Type = "date"
	TypeDateTime Type = "datetime"
	TypeOther    Type = "other"
)

// IsInteger reports whether t belongs to the int family.
func (t Type) IsInteger() bool {
	return t == TypeInt || t == TypeTinyInt || t == TypeSmallInt
}

// IsTemporal reports whether t is date or datetime.
func (t Type) IsTemporal() bool {
	return t == TypeDate || t == TypeDateTime
}

// Column describes one column of a table. It is derived once from a single
// introspection row and never mutated afterwards.
type Column struct {
	Name          string
	Type          Type
	RawType       string   // type string as reported, e.g. "varchar(255)"
	MaxLength     int      // 0 when the type carries no length
	EnumValues    []string // ordered enum members
	KeyType       string   // PRI, MUL, UNI or empty
	PrimaryKey    bool
	AutoGenerated bool
	Nullable      bool
}

// Table describes a table: its ordered columns and primary key.
type Table struct {
	Name        string
	Columns     []*Column
	PrimaryKeys []string
	index       map[string]*Column
}

// NewTable builds a Table from its columns. Primary keys follow column order.
func NewTable(name string, columns ...*Column) *Table {
	t := &Table{
		Name:    name,
		Columns: columns,
		index:   make(map[string]*Column, len(columns)),
	}
	for _, c := range columns {
		t.index[c.Name] = c
		if c.PrimaryKey {
			t.PrimaryKeys = append(t.PrimaryKeys, c.Name)
		}
	}
	return t
}

// Column returns the named column.
func (t *Table) Column(name string) (*Column, bool) {
	c, ok := t.index[name]
	return c, ok
}

// HasColumn reports whether the table has the named column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// ColumnNames returns the column names in table order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ErrNoColumns is returned when introspection yields no columns at all,
// which is how SQLite reports an unknown table.
var ErrNoColumns = errors.New("table has no columns")

// IntrospectionError is returned when a table cannot be described. Err is
// the driver error, unchanged.
type IntrospectionError struct {
	Table string
	Err   error
}

// Error returns the error string.
func (e *IntrospectionError) Error() string {
	return fmt.Sprintf("schema: describe %q: %v", e.Table, e.Err)
}

// Unwrap returns the underlying error.
func (e *IntrospectionError) Unwrap() error {
	return e.Err
}

// IsIntrospectionError returns true if the error is an IntrospectionError.
func IsIntrospectionError(err error) bool {
	var e *IntrospectionError
	return errors.As(err, &e)
}

// ColumnInfo is one row of a "describe table" response.
type ColumnInfo struct {
	Field string
	Type  string
	Null  string // YES or NO
	Key   string // PRI, MUL, UNI or empty
	Extra string // e.g. auto_increment
}

// ParseColumn derives a Column from a describe row.
func ParseColumn(info ColumnInfo) *Column {
	raw := strings.ToLower(strings.TrimSpace(info.Type))
	c := &Column{
		Name:          info.Field,
		RawType:       raw,
		KeyType:       strings.ToUpper(info.Key),
		Nullable:      strings.EqualFold(info.Null, "YES"),
		AutoGenerated: strings.Contains(strings.ToLower(info.Extra), "auto_increment"),
	}
	c.PrimaryKey = c.KeyType == "PRI"

	base, args := raw, ""
	if open := strings.IndexByte(raw, '('); open > 0 {
		base = raw[:open]
		if end := strings.LastIndexByte(raw, ')'); end > open {
			args = raw[open+1 : end]
		}
	} else if sp := strings.IndexByte(raw, ' '); sp > 0 {
		base = raw[:sp]
	}

	t := Type(strings.TrimSpace(base))
	if t == "integer" {
		// SQLite spelling, also the type of a rowid key.
		t = TypeInt
	}
	switch t {
	case TypeText, TypeDate, TypeDateTime:
		c.Type = t
	case TypeVarchar, TypeInt, TypeTinyInt, TypeSmallInt:
		c.Type = t
		if n, err := strconv.Atoi(strings.TrimSpace(args)); err == nil {
			c.MaxLength = n
		}
	case TypeEnum:
		c.Type = t
		// Values come from the original type string to keep their case.
		orig := strings.TrimSpace(info.Type)
		if open, end := strings.IndexByte(orig, '('), strings.LastIndexByte(orig, ')'); open > 0 && end > open {
			c.EnumValues = parseEnumValues(orig[open+1 : end])
		}
	default:
		c.Type = TypeOther
	}
	return c
}

// parseEnumValues splits a quoted value list such as 'a','b c','it''s'.
func parseEnumValues(list string) []string {
	var (
		values []string
		cur    strings.Builder
		quoted bool
	)
	for i := 0; i < len(list); i++ {
		ch := list[i]
		switch {
		case ch == '\'' && quoted && i+1 < len(list) && list[i+1] == '\'':
			cur.WriteByte('\'')
			i++
		case ch == '\'':
			quoted = !quoted
		case ch == ',' && !quoted:
			values = append(values, cur.String())
			cur.Reset()
		case ch == ' ' && !quoted:
		default:
			cur.WriteByte(ch)
		}
	}
	return append(values, cur.String())
}
