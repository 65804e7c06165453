package sql

import (
	"strings"
	"time"

	"github.com/MacLaurinGroup/dbop/dialect"
)

// DateTimeLayout is the wall-clock layout time values are rendered in after
// timezone normalization.
const DateTimeLayout = "2006-01-02 15:04:05"

// RowOptions configures the post-processing of fetched rows. The zero value
// leaves rows unchanged.
type RowOptions struct {
	// Location, when set, converts every time.Time (top level and nested)
	// into the location and renders it with DateTimeLayout.
	Location *time.Location
	// StripPrefix removes a leading separator from top-level keys, undoing
	// the prefix nested decoding gives to labels without an alias.
	StripPrefix bool
	// DropNulls deletes keys holding nil.
	DropNulls bool
}

func (o RowOptions) enabled() bool {
	return o.Location != nil || o.StripPrefix || o.DropNulls
}

// Process applies the options to rows in place and returns them. sep is the
// nest separator the rows were decoded with, empty for flat rows.
func (o RowOptions) Process(rows []dialect.Row, sep string) []dialect.Row {
	if !o.enabled() {
		return rows
	}
	for _, row := range rows {
		o.processRow(row)
		if o.StripPrefix && sep != "" {
			var prefixed []string
			for k := range row {
				if strings.HasPrefix(k, sep) && len(k) > len(sep) {
					prefixed = append(prefixed, k)
				}
			}
			for _, k := range prefixed {
				row[k[len(sep):]] = row[k]
				delete(row, k)
			}
		}
	}
	return rows
}

func (o RowOptions) processRow(row dialect.Row) {
	for k, v := range row {
		switch v := v.(type) {
		case nil:
			if o.DropNulls {
				delete(row, k)
			}
		case time.Time:
			if o.Location != nil {
				row[k] = v.In(o.Location).Format(DateTimeLayout)
			}
		case dialect.Row:
			o.processRow(v)
		}
	}
}
