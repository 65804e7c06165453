package sql

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/MacLaurinGroup/dbop/dialect"
)

// FlexBool is a bool that also decodes from the strings "true" and "false",
// as DataTables sends them in form encoded requests.
type FlexBool bool

// UnmarshalJSON implements json.Unmarshaler.
func (b *FlexBool) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "" || s == "null" {
		*b = false
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("dialect/sql: invalid bool %s", data)
	}
	*b = FlexBool(v)
	return nil
}

// FlexInt is an int that also decodes from a numeric string.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (n *FlexInt) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("dialect/sql: invalid int %s", data)
	}
	*n = FlexInt(v)
	return nil
}

// DataTableSearch is the global search of a request.
type DataTableSearch struct {
	Value string   `json:"value"`
	Regex FlexBool `json:"regex"`
}

// DataTableColumn is one column of a request. Data holds the column name,
// with "\." standing for a literal dot.
type DataTableColumn struct {
	Data       string   `json:"data"`
	Name       string   `json:"name"`
	Searchable FlexBool `json:"searchable"`
	Orderable  FlexBool `json:"orderable"`
}

// DataTableOrder is one sort instruction; Column indexes Columns.
type DataTableOrder struct {
	Column FlexInt `json:"column"`
	Dir    string  `json:"dir"`
}

// DataTableRequest is a DataTables server-side processing request. Params
// holds every request key outside the protocol; they are matched against
// table columns as exact-match filters.
type DataTableRequest struct {
	Draw          FlexInt           `json:"draw"`
	Search        DataTableSearch   `json:"search"`
	Columns       []DataTableColumn `json:"columns"`
	Order         []DataTableOrder  `json:"order"`
	Start         FlexInt           `json:"start"`
	Length        FlexInt           `json:"length"`
	SelectColumns string            `json:"selectcolumns"`
	Fields        string            `json:"fields"`
	Params        map[string]any    `json:"-"`
}

var protocolKeys = []string{"draw", "search", "columns", "order", "start", "length", "selectcolumns", "fields"}

// UnmarshalJSON implements json.Unmarshaler.
func (r *DataTableRequest) UnmarshalJSON(data []byte) error {
	type plain DataTableRequest
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*r = DataTableRequest(p)
	for k, v := range all {
		if slices.Contains(protocolKeys, k) {
			continue
		}
		if r.Params == nil {
			r.Params = make(map[string]any)
		}
		r.Params[k] = v
	}
	return nil
}

// MaxDataTableIndex bounds the column and order indexes ParseDataTableQuery
// accepts.
const MaxDataTableIndex = 1000

var bracketKey = regexp.MustCompile(`^(columns|order)\[(\d+)\]\[(\w+)\](?:\[(\w+)\])?$`)

// ParseDataTableQuery decodes the bracketed query string form of a request,
// e.g. columns[0][data]=name&order[0][dir]=asc&search[value]=bob.
func ParseDataTableQuery(q url.Values) (*DataTableRequest, error) {
	req := &DataTableRequest{}
	atoi := func(key string) (FlexInt, error) {
		s := q.Get(key)
		if s == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("dialect/sql: %s: invalid int %q", key, s)
		}
		return FlexInt(n), nil
	}
	var err error
	if req.Draw, err = atoi("draw"); err != nil {
		return nil, err
	}
	if req.Start, err = atoi("start"); err != nil {
		return nil, err
	}
	if req.Length, err = atoi("length"); err != nil {
		return nil, err
	}
	req.Search.Value = q.Get("search[value]")
	req.Search.Regex = q.Get("search[regex]") == "true"
	req.SelectColumns = q.Get("selectcolumns")
	req.Fields = q.Get("fields")

	for key, values := range q {
		m := bracketKey.FindStringSubmatch(key)
		if m == nil {
			if !isProtocolQueryKey(key) {
				if req.Params == nil {
					req.Params = make(map[string]any)
				}
				req.Params[key] = values[0]
			}
			continue
		}
		// Per-column search (columns[i][search][value]) is not supported.
		if m[4] != "" {
			continue
		}
		i, err := strconv.Atoi(m[2])
		if err != nil || i >= MaxDataTableIndex {
			return nil, fmt.Errorf("dialect/sql: %s: index out of range (max %d)", key, MaxDataTableIndex-1)
		}
		v := values[0]
		switch m[1] {
		case "columns":
			for len(req.Columns) <= i {
				req.Columns = append(req.Columns, DataTableColumn{})
			}
			c := &req.Columns[i]
			switch m[3] {
			case "data":
				c.Data = v
			case "name":
				c.Name = v
			case "searchable":
				c.Searchable = v == "true"
			case "orderable":
				c.Orderable = v == "true"
			}
		case "order":
			for len(req.Order) <= i {
				req.Order = append(req.Order, DataTableOrder{})
			}
			o := &req.Order[i]
			switch m[3] {
			case "column":
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, fmt.Errorf("dialect/sql: %s: invalid int %q", key, v)
				}
				o.Column = FlexInt(n)
			case "dir":
				o.Dir = v
			}
		}
	}
	return req, nil
}

func isProtocolQueryKey(key string) bool {
	return slices.Contains(protocolKeys, key) || strings.HasPrefix(key, "search[")
}

// DataTableResult is the response of DataTableExecute. RecordsFiltered
// always equals RecordsTotal.
type DataTableResult struct {
	Draw            int           `json:"draw"`
	Data            []dialect.Row `json:"data"`
	RecordsTotal    int64         `json:"recordsTotal"`
	RecordsFiltered int64         `json:"recordsFiltered"`
}

var (
	columnName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
	identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// transformColumn unescapes a request column name.
func transformColumn(name string) string {
	return strings.ReplaceAll(name, `\.`, ".")
}

// jsonPath rewrites "alias.prefix.subkey" into a JSON extraction on the
// column mapped to prefix.
func (b *QueryBuilder) jsonPath(name string) (string, bool) {
	if len(b.jsonCol) == 0 {
		return "", false
	}
	parts := strings.SplitN(name, ".", 3)
	if len(parts) != 3 {
		return "", false
	}
	col, ok := b.jsonCol[parts[1]]
	if !ok || !identifier.MatchString(col) || !identifier.MatchString(parts[2]) {
		return "", false
	}
	if _, ok := b.aliases[parts[0]]; !ok {
		return "", false
	}
	return parts[0] + "." + col + "->>'$." + parts[2] + "'", true
}

// requestColumn resolves a request column name to a SQL expression. Names
// that are neither a JSON path nor a plain (optionally alias qualified)
// identifier are refused.
func (b *QueryBuilder) requestColumn(ctx context.Context, raw string) (string, bool) {
	name := transformColumn(raw)
	if expr, ok := b.jsonPath(name); ok {
		return expr, true
	}
	if columnName.MatchString(name) {
		return name, true
	}
	b.log.WarnContext(ctx, "skipping request column", "builder", b.id, "column", raw)
	return "", false
}

// ApplyFilterOrder translates a DataTables request into builder calls:
// exact-match filters from Params, the global search, a single sort key,
// the page window and an optional select override.
func (b *QueryBuilder) ApplyFilterOrder(ctx context.Context, req *DataTableRequest) *QueryBuilder {
	b.draw = int(req.Draw)
	consumed := make(map[string]bool)
	used := make(map[string]bool)
	for _, t := range b.allTables() {
		for _, c := range t.desc.Columns {
			qualified := t.alias + "." + c.Name
			key := qualified
			v, ok := req.Params[key]
			if !ok || used[key] {
				key = c.Name
				if v, ok = req.Params[key]; !ok || used[key] {
					continue
				}
			}
			used[key] = true
			consumed[qualified], consumed[c.Name] = true, true
			b.Where(qualified+"=?", v)
		}
	}
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if used[k] {
			continue
		}
		if expr, ok := b.jsonPath(k); ok {
			consumed[k] = true
			b.Where(expr+" = ?", req.Params[k])
		}
	}

	if term := req.Search.Value; utf8.RuneCountInString(term) > 2 {
		var (
			conds []string
			args  []any
		)
		for _, c := range req.Columns {
			if !bool(c.Searchable) || consumed[transformColumn(c.Data)] {
				continue
			}
			expr, ok := b.requestColumn(ctx, c.Data)
			if !ok {
				continue
			}
			conds = append(conds, expr+" LIKE ?")
			args = append(args, "%"+term+"%")
		}
		if len(conds) > 0 {
			b.Where("("+strings.Join(conds, " OR ")+")", args...)
		}
	}

	if req.SelectColumns != "" {
		b.Select(req.SelectColumns)
	} else if req.Fields != "" {
		b.Select(req.Fields)
	}

	if len(req.Order) > 0 {
		if i := int(req.Order[0].Column); i >= 0 && i < len(req.Columns) {
			if expr, ok := b.requestColumn(ctx, req.Columns[i].Data); ok {
				dir := "desc"
				if req.Order[0].Dir == "asc" {
					dir = "asc"
				}
				b.OrderBy(expr + " " + dir)
			}
		}
	}

	if req.Length > 0 {
		b.limitRaw(int(req.Start), int(req.Length))
	}
	return b
}

// DataTableExecute runs the builder and its count and returns them in the
// DataTables response shape.
func (b *QueryBuilder) DataTableExecute(ctx context.Context) (*DataTableResult, error) {
	rows, err := b.Run(ctx)
	if err != nil {
		return nil, err
	}
	total, err := b.Count(ctx)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []dialect.Row{}
	}
	return &DataTableResult{
		Draw:            b.draw,
		Data:            rows,
		RecordsTotal:    total,
		RecordsFiltered: total,
	}, nil
}
