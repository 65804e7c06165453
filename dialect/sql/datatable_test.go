package sql

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacLaurinGroup/dbop/dialect"
	"github.com/MacLaurinGroup/dbop/dialect/sql/schema"
)

func TestDataTableRequestJSON(t *testing.T) {
	body := `{
		"draw": "3",
		"start": 10,
		"length": "25",
		"search": {"value": "bob", "regex": "false"},
		"columns": [
			{"data": "u.name", "name": "", "searchable": "true", "orderable": true},
			{"data": "u.email", "searchable": false}
		],
		"order": [{"column": "1", "dir": "asc"}],
		"selectcolumns": "u.name, u.email",
		"u.status": "active",
		"limit": 5
	}`
	var req DataTableRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, FlexInt(3), req.Draw)
	assert.Equal(t, FlexInt(10), req.Start)
	assert.Equal(t, FlexInt(25), req.Length)
	assert.Equal(t, DataTableSearch{Value: "bob"}, req.Search)
	assert.Equal(t, []DataTableColumn{
		{Data: "u.name", Searchable: true, Orderable: true},
		{Data: "u.email"},
	}, req.Columns)
	assert.Equal(t, []DataTableOrder{{Column: 1, Dir: "asc"}}, req.Order)
	assert.Equal(t, "u.name, u.email", req.SelectColumns)
	assert.Equal(t, map[string]any{"u.status": "active", "limit": float64(5)}, req.Params)

	require.Error(t, json.Unmarshal([]byte(`{"draw": "x"}`), &req))
	require.Error(t, json.Unmarshal([]byte(`{"columns": [{"searchable": "maybe"}]}`), &req))
}

func TestParseDataTableQuery(t *testing.T) {
	q := url.Values{
		"draw":                       {"2"},
		"start":                      {"20"},
		"length":                     {"10"},
		"search[value]":              {"ali"},
		"search[regex]":              {"false"},
		"columns[0][data]":           {"u.name"},
		"columns[0][searchable]":     {"true"},
		"columns[0][orderable]":      {"true"},
		"columns[0][search][value]":  {"ignored"},
		"columns[1][data]":           {"u.email"},
		"columns[1][searchable]":     {"false"},
		"order[0][column]":           {"1"},
		"order[0][dir]":              {"desc"},
		"fields":                     {"u.id"},
		"u.status":                   {"active"},
	}
	req, err := ParseDataTableQuery(q)
	require.NoError(t, err)
	assert.Equal(t, FlexInt(2), req.Draw)
	assert.Equal(t, FlexInt(20), req.Start)
	assert.Equal(t, FlexInt(10), req.Length)
	assert.Equal(t, "ali", req.Search.Value)
	assert.Equal(t, []DataTableColumn{
		{Data: "u.name", Searchable: true, Orderable: true},
		{Data: "u.email"},
	}, req.Columns)
	assert.Equal(t, []DataTableOrder{{Column: 1, Dir: "desc"}}, req.Order)
	assert.Equal(t, "u.id", req.Fields)
	assert.Equal(t, map[string]any{"u.status": "active"}, req.Params)

	_, err = ParseDataTableQuery(url.Values{"length": {"ten"}})
	require.Error(t, err)
	_, err = ParseDataTableQuery(url.Values{"order[0][column]": {"first"}})
	require.Error(t, err)
}

func TestParseDataTableQueryIndexLimit(t *testing.T) {
	req, err := ParseDataTableQuery(url.Values{"columns[999][data]": {"u.name"}})
	require.NoError(t, err)
	assert.Len(t, req.Columns, MaxDataTableIndex)

	for _, key := range []string{
		"columns[5000000][data]",
		"order[1000][dir]",
		"columns[99999999999999999999999][data]",
	} {
		req, err := ParseDataTableQuery(url.Values{key: {"x"}})
		require.Error(t, err, key)
		assert.Nil(t, req)
		assert.Contains(t, err.Error(), "index out of range")
	}
}

func TestApplyFilterOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("filters_search_order_limit", func(t *testing.T) {
		b := newBuilder(t, newFakeDriver(), Tables("users.u"))
		req := &DataTableRequest{
			Search: DataTableSearch{Value: "bob"},
			Columns: []DataTableColumn{
				{Data: "u.name", Searchable: true},
				{Data: "u.email", Searchable: true},
				{Data: "u.status", Searchable: true},
				{Data: "u.id"},
			},
			Order:  []DataTableOrder{{Column: 1, Dir: "ASC"}},
			Start:  10,
			Length: 5,
			Params: map[string]any{"u.status": "active", "unrelated": "x"},
		}
		query, args := b.Select("u.id").ApplyFilterOrder(ctx, req).SQL()
		assert.Equal(t, "SELECT u.id FROM `users` u"+
			" WHERE u.status=? AND (u.name LIKE ? OR u.email LIKE ?)"+
			" ORDER BY u.email desc LIMIT 10,5", query)
		assert.Equal(t, []any{"active", "%bob%", "%bob%"}, args)
	})

	t.Run("bare_column_key", func(t *testing.T) {
		b := newBuilder(t, newFakeDriver(), []Join{On("users.u.id", "orders.o.user_id")})
		req := &DataTableRequest{Params: map[string]any{"total": 30, "name": "bob"}}
		query, args := b.Select("u.id").ApplyFilterOrder(ctx, req).SQL()
		assert.Equal(t, "SELECT u.id FROM `users` u, `orders` o"+
			" WHERE u.id=o.user_id AND u.name=? AND o.total=?", query)
		assert.Equal(t, []any{"bob", 30}, args)
	})

	t.Run("bare_key_used_once", func(t *testing.T) {
		b := newBuilder(t, newFakeDriver(), []Join{On("users.u.id", "orders.o.user_id")})
		req := &DataTableRequest{Params: map[string]any{"id": 4}}
		query, _ := b.Select("u.id").ApplyFilterOrder(ctx, req).SQL()
		assert.Equal(t, "SELECT u.id FROM `users` u, `orders` o WHERE u.id=o.user_id AND u.id=?", query)
	})

	t.Run("short_search", func(t *testing.T) {
		b := newBuilder(t, newFakeDriver(), Tables("users.u"))
		req := &DataTableRequest{
			Search:  DataTableSearch{Value: "bo"},
			Columns: []DataTableColumn{{Data: "u.name", Searchable: true}},
		}
		query, _ := b.Select("*").ApplyFilterOrder(ctx, req).SQL()
		assert.Equal(t, "SELECT * FROM `users` u", query)
	})

	t.Run("escaped_column", func(t *testing.T) {
		b := newBuilder(t, newFakeDriver(), Tables("users.u"))
		req := &DataTableRequest{
			Search:  DataTableSearch{Value: "abc"},
			Columns: []DataTableColumn{{Data: `u\.name`, Searchable: true}},
			Order:   []DataTableOrder{{Column: 0, Dir: "asc"}},
		}
		query, _ := b.Select("*").ApplyFilterOrder(ctx, req).SQL()
		assert.Equal(t, "SELECT * FROM `users` u WHERE (u.name LIKE ?) ORDER BY u.name asc", query)
	})

	t.Run("unsafe_column", func(t *testing.T) {
		var buf bytes.Buffer
		b := NewQueryBuilder(newFakeDriver(), schema.NewCatalog(), WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
		require.NoError(t, b.Init(ctx, Tables("users.u")))
		req := &DataTableRequest{
			Search: DataTableSearch{Value: "abc"},
			Columns: []DataTableColumn{
				{Data: "u.name; DROP TABLE users", Searchable: true},
				{Data: "u.email", Searchable: true},
			},
			Order: []DataTableOrder{{Column: 0, Dir: "asc"}},
		}
		query, _ := b.Select("*").ApplyFilterOrder(ctx, req).SQL()
		assert.Equal(t, "SELECT * FROM `users` u WHERE (u.email LIKE ?)", query)
		assert.Contains(t, buf.String(), "skipping request column")
	})

	t.Run("order_out_of_range", func(t *testing.T) {
		b := newBuilder(t, newFakeDriver(), Tables("users.u"))
		req := &DataTableRequest{
			Columns: []DataTableColumn{{Data: "u.name"}},
			Order:   []DataTableOrder{{Column: 3, Dir: "asc"}},
		}
		query, _ := b.Select("*").ApplyFilterOrder(ctx, req).SQL()
		assert.Equal(t, "SELECT * FROM `users` u", query)
	})

	t.Run("json_columns", func(t *testing.T) {
		b := NewQueryBuilder(newFakeDriver(), schema.NewCatalog(), WithJSONColumns(map[string]string{"attr": "attributes"}))
		require.NoError(t, b.Init(ctx, Tables("users.u")))
		req := &DataTableRequest{
			Search: DataTableSearch{Value: "large"},
			Columns: []DataTableColumn{
				{Data: "u.attr.size", Searchable: true},
				{Data: "u.attr.color", Searchable: true},
			},
			Params: map[string]any{"u.attr.color": "red", "x.attr.color": "blue"},
		}
		query, args := b.Select("*").ApplyFilterOrder(ctx, req).SQL()
		assert.Equal(t, "SELECT * FROM `users` u"+
			" WHERE u.attributes->>'$.color' = ? AND (u.attributes->>'$.size' LIKE ?)", query)
		assert.Equal(t, []any{"red", "%large%"}, args)
	})

	t.Run("select_override", func(t *testing.T) {
		b := newBuilder(t, newFakeDriver(), Tables("users.u"))
		query, _ := b.ApplyFilterOrder(ctx, &DataTableRequest{Fields: "u.id, u.name"}).SQL()
		assert.True(t, strings.HasPrefix(query, "SELECT u.id, u.name FROM"), query)

		query, _ = b.ApplyFilterOrder(ctx, &DataTableRequest{SelectColumns: "u.email", Fields: "u.id"}).SQL()
		assert.True(t, strings.HasPrefix(query, "SELECT u.email FROM"), query)
	})

	t.Run("no_length", func(t *testing.T) {
		b := newBuilder(t, newFakeDriver(), Tables("users.u"))
		query, _ := b.Select("*").ApplyFilterOrder(ctx, &DataTableRequest{Start: 10}).SQL()
		assert.Equal(t, "SELECT * FROM `users` u", query)
	})
}

func TestDataTableExecute(t *testing.T) {
	ctx := context.Background()
	drv := newFakeDriver()
	drv.onQuery = func(query string, _ []any) ([]dialect.Row, error) {
		if strings.Contains(query, "count(*)") {
			return []dialect.Row{{"t": int64(2)}}, nil
		}
		return []dialect.Row{{"id": int64(1)}, {"id": int64(2)}}, nil
	}
	b := newBuilder(t, drv, Tables("users.u"))
	res, err := b.Select("u.id").
		ApplyFilterOrder(ctx, &DataTableRequest{Draw: 4, Params: map[string]any{"status": "active"}, Length: 10}).
		DataTableExecute(ctx)
	require.NoError(t, err)
	assert.Equal(t, &DataTableResult{
		Draw:            4,
		Data:            []dialect.Row{{"id": int64(1)}, {"id": int64(2)}},
		RecordsTotal:    2,
		RecordsFiltered: 2,
	}, res)

	out, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"draw":4,"data":[{"id":1},{"id":2}],"recordsTotal":2,"recordsFiltered":2}`, string(out))

	t.Run("empty", func(t *testing.T) {
		drv := newFakeDriver()
		b := newBuilder(t, drv, Tables("users.u"))
		res, err := b.DataTableExecute(ctx)
		require.NoError(t, err)
		assert.NotNil(t, res.Data)
		assert.Empty(t, res.Data)
		assert.Zero(t, res.RecordsTotal)
	})
}
