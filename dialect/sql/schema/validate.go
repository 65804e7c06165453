package schema

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Kind classifies a validation failure.
type Kind int

// Validation failure kinds.
const (
	KindNull      Kind = iota + 1 // null given for a NOT NULL column
	KindType                      // value of an unusable type
	KindLength                    // string longer than the column
	KindEnum                      // value outside the enum members
	KindNumber                    // not a number
	KindRange                     // number or date part out of range
	KindFormat                    // malformed date or time
	KindNoColumns                 // no key matched a column
	KindMissing                   // required field absent
	KindEmpty                     // required field present but empty
)

var kindNames = map[Kind]string{
	KindNull:      "null",
	KindType:      "type",
	KindLength:    "length",
	KindEnum:      "enum",
	KindNumber:    "number",
	KindRange:     "range",
	KindFormat:    "format",
	KindNoColumns: "no columns",
	KindMissing:   "missing",
	KindEmpty:     "empty",
}

// String returns the kind name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ValidationError reports the first invalid field of a row.
type ValidationError struct {
	Table   string
	Column  string // data key as supplied by the caller
	Kind    Kind
	Message string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Column != "" && e.Table != "":
		return fmt.Sprintf("%s.%s: %s", e.Table, e.Column, e.Message)
	case e.Column != "":
		return fmt.Sprintf("%s: %s", e.Column, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Table, e.Message)
	}
}

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// NowSentinels are date values passed through for the database to evaluate.
var NowSentinels = []string{"now()", "NOW()"}

// IsNow reports whether v is one of the now() sentinels.
func IsNow(v any) bool {
	s, ok := v.(string)
	return ok && slices.Contains(NowSentinels, s)
}

// ValidateOption configures data validation.
type ValidateOption func(*validateConfig)

type validateConfig struct {
	loc *time.Location
}

// InLocation sets the location parsed dates are built in. Default is time.Local.
func InLocation(loc *time.Location) ValidateOption {
	return func(c *validateConfig) {
		if loc != nil {
			c.loc = loc
		}
	}
}

// ValidateData checks and coerces data against t, in place. Keys are
// expected as prefix+column; keys without the prefix or naming no column are
// ignored. Keys are visited in sorted order and the first violation is
// returned. Validation fails when no key names a column.
//
// Day numbers are checked against [0,31] only, not against the length of
// the month: 2024-02-30 is accepted and normalizes to 2024-03-01.
func ValidateData(t *Table, prefix string, data map[string]any, opts ...ValidateOption) error {
	cfg := &validateConfig{loc: time.Local}
	for _, opt := range opts {
		opt(cfg)
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	matched := 0
	for _, key := range keys {
		name, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		col, ok := t.Column(name)
		if !ok {
			continue
		}
		matched++
		v, err := validateValue(col, data[key], cfg)
		if err != nil {
			err.Table, err.Column = t.Name, key
			return err
		}
		data[key] = v
	}
	if matched == 0 {
		return &ValidationError{Table: t.Name, Kind: KindNoColumns, Message: "no valid columns supplied"}
	}
	return nil
}

func invalid(kind Kind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func validateValue(c *Column, v any, cfg *validateConfig) (any, *ValidationError) {
	switch c.Type {
	case TypeText:
		if v == nil {
			return nullable(c)
		}
		s, ok := v.(string)
		if !ok {
			return nil, invalid(KindType, "expected a string, got %T", v)
		}
		return strings.TrimSpace(s), nil
	case TypeVarchar:
		if v == nil {
			return nullable(c)
		}
		s := strings.TrimSpace(toString(v))
		if c.MaxLength > 0 && utf8.RuneCountInString(s) > c.MaxLength {
			return nil, invalid(KindLength, "longer than %d", c.MaxLength)
		}
		return s, nil
	case TypeEnum:
		if v == nil {
			return nullable(c)
		}
		if !slices.Contains(c.EnumValues, toString(v)) {
			return nil, invalid(KindEnum, "invalid value=%v", v)
		}
		return v, nil
	case TypeInt, TypeTinyInt, TypeSmallInt:
		if v == nil {
			return nullable(c)
		}
		d, ok := toDecimal(v)
		if !ok {
			return nil, invalid(KindNumber, "not a number")
		}
		if c.MaxLength > 0 && len(d.String()) > c.MaxLength {
			return nil, invalid(KindRange, "too big to store")
		}
		if d.IsInteger() && d.GreaterThanOrEqual(minInt64) && d.LessThanOrEqual(maxInt64) {
			return d.IntPart(), nil
		}
		return d.InexactFloat64(), nil
	case TypeDate, TypeDateTime:
		return validateTemporal(c, v, cfg)
	default:
		return v, nil
	}
}

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

func nullable(c *Column) (any, *ValidationError) {
	if c.Nullable {
		return nil, nil
	}
	return nil, invalid(KindNull, "null not allowed")
}

func validateTemporal(c *Column, v any, cfg *validateConfig) (any, *ValidationError) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v, nil
	case string:
		if IsNow(v) {
			return v, nil
		}
		if v == "" {
			return nil, nil
		}
		if c.Type == TypeDate {
			parts := strings.Split(v, "-")
			if len(parts) != 3 {
				return nil, invalid(KindFormat, "invalid date format (yyyy-mm-dd)")
			}
			y, m, d, err := parseDate(parts)
			if err != nil {
				return nil, err
			}
			return time.Date(y, time.Month(m), d, 0, 0, 0, 0, cfg.loc), nil
		}
		dateTime := strings.Split(v, " ")
		if len(dateTime) != 2 {
			return nil, invalid(KindFormat, "invalid date format (yyyy-mm-dd hh:mm:ss)")
		}
		parts := strings.Split(dateTime[0], "-")
		if len(parts) != 3 {
			return nil, invalid(KindFormat, "invalid date format (yyyy-mm-dd)")
		}
		y, m, d, err := parseDate(parts)
		if err != nil {
			return nil, err
		}
		parts = strings.Split(dateTime[1], ":")
		if len(parts) != 3 {
			return nil, invalid(KindFormat, "invalid time format (hh:mm:ss)")
		}
		hh, mm, ss, err := parseTime(parts)
		if err != nil {
			return nil, err
		}
		return time.Date(y, time.Month(m), d, hh, mm, ss, 0, cfg.loc), nil
	default:
		return nil, invalid(KindType, "expected a date string, got %T", v)
	}
}

// datePart is one bounded component of a date or time.
type datePart struct {
	name     string
	min, max int
}

var (
	dateParts = [3]datePart{{"year", 0, 2100}, {"month", 1, 12}, {"day", 0, 31}}
	timeParts = [3]datePart{{"hour", 0, 23}, {"minute", 0, 59}, {"seconds", 0, 59}}
)

func parseParts(layout [3]datePart, parts []string) (out [3]int, err *ValidationError) {
	for i, p := range layout {
		n, perr := strconv.Atoi(strings.TrimSpace(parts[i]))
		if perr != nil || n < p.min || n > p.max {
			return out, invalid(KindRange, "invalid %s=%s", p.name, parts[i])
		}
		out[i] = n
	}
	return out, nil
}

func parseDate(parts []string) (int, int, int, *ValidationError) {
	v, err := parseParts(dateParts, parts)
	return v[0], v[1], v[2], err
}

func parseTime(parts []string) (int, int, int, *ValidationError) {
	v, err := parseParts(timeParts, parts)
	return v[0], v[1], v[2], err
}

// toDecimal coerces numbers and numeric strings.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch v := v.(type) {
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int8:
		return decimal.NewFromInt(int64(v)), true
	case int16:
		return decimal.NewFromInt(int64(v)), true
	case int32:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(v)), 0), true
	case uint8:
		return decimal.NewFromInt(int64(v)), true
	case uint16:
		return decimal.NewFromInt(int64(v)), true
	case uint32:
		return decimal.NewFromInt(int64(v)), true
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0), true
	case float32:
		return fromFloat(float64(v))
	case float64:
		return fromFloat(v)
	case decimal.Decimal:
		return v, true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	case fmt.Stringer:
		d, err := decimal.NewFromString(strings.TrimSpace(v.String()))
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func fromFloat(f float64) (decimal.Decimal, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Decimal{}, false
	}
	return decimal.NewFromFloat(f), true
}

func toString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	default:
		return fmt.Sprint(v)
	}
}

// CheckForEmptyFields fails when one of fields is present in data but nil
// or the empty string.
func CheckForEmptyFields(data map[string]any, fields ...string) error {
	for _, f := range fields {
		v, ok := data[f]
		if !ok {
			continue
		}
		if v == nil || v == "" {
			return &ValidationError{Column: f, Kind: KindEmpty, Message: "was empty"}
		}
	}
	return nil
}

// CheckForMissingFields fails when one of fields is absent from data.
func CheckForMissingFields(data map[string]any, fields ...string) error {
	for _, f := range fields {
		if _, ok := data[f]; !ok {
			return &ValidationError{Column: f, Kind: KindMissing, Message: "was missing"}
		}
	}
	return nil
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// SanitizeFields trims the named string fields and replaces every character
// outside [a-zA-Z0-9] with '-'.
func SanitizeFields(data map[string]any, fields ...string) {
	for _, f := range fields {
		s, ok := data[f].(string)
		if !ok {
			continue
		}
		data[f] = nonAlnum.ReplaceAllString(strings.TrimSpace(s), "-")
	}
}
