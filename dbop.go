// Package dbop builds, validates and runs SQL against MySQL and SQLite
// using table structure read from the live database.
//
// A Client owns a schema catalog shared by every builder and write it
// issues:
//
//	client, err := dbop.Open(cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	b, err := client.Builder(ctx, []sql.Join{
//		sql.On("users.u.id", "orders.o.user_id"),
//	})
//	rows, err := b.Where("o.total > ?", 100).OrderBy("o.id desc").Run(ctx)
//
//	id, err := client.Insert(ctx, "users", map[string]any{"name": "bob", "created": "now()"})
package dbop

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/MacLaurinGroup/dbop/dialect"
	"github.com/MacLaurinGroup/dbop/dialect/sql"
	"github.com/MacLaurinGroup/dbop/dialect/sql/schema"
)

// DefaultControlFields are ignored by Insert and Update when present in data.
var DefaultControlFields = []string{"dtMod", "dtCreate", "rec_mod_dt", "rec_create_dt"}

// Client issues queries and writes through one driver and schema catalog.
// It is safe for concurrent use; builders it returns are not.
type Client struct {
	drv      dialect.Driver
	catalog  *schema.Catalog
	log      *slog.Logger
	loc      *time.Location
	rowOpts  sql.RowOptions
	jsonCols map[string]string
	control  map[string]bool
	closer   io.Closer

	mu   sync.Mutex
	last dialect.Result
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger of the client and of its builders.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithCatalog shares an existing catalog instead of creating one.
func WithCatalog(cat *schema.Catalog) Option {
	return func(c *Client) {
		c.catalog = cat
	}
}

// WithLocation sets the location date values are parsed in. Default is
// time.Local.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) {
		c.loc = loc
	}
}

// WithRowOptions sets the post-processing applied to builder rows.
func WithRowOptions(o sql.RowOptions) Option {
	return func(c *Client) {
		c.rowOpts = o
	}
}

// WithJSONColumns sets the JSON column mapping used by ApplyFilterOrder.
func WithJSONColumns(m map[string]string) Option {
	return func(c *Client) {
		c.jsonCols = m
	}
}

// WithControlFields replaces DefaultControlFields.
func WithControlFields(fields ...string) Option {
	return func(c *Client) {
		c.control = make(map[string]bool, len(fields))
		for _, f := range fields {
			c.control[f] = true
		}
	}
}

// NewClient returns a Client issuing statements through drv.
func NewClient(drv dialect.Driver, opts ...Option) *Client {
	c := &Client{
		drv: drv,
		log: slog.Default(),
		loc: time.Local,
	}
	WithControlFields(DefaultControlFields...)(c)
	for _, opt := range opts {
		opt(c)
	}
	if c.catalog == nil {
		c.catalog = schema.NewCatalog(schema.WithLogger(c.log))
	}
	return c
}

// Driver returns the driver statements are issued through.
func (c *Client) Driver() dialect.Driver { return c.drv }

// Catalog returns the schema catalog of the client.
func (c *Client) Catalog() *schema.Catalog { return c.catalog }

// QueryStats returns the statistics of the driver, or nil when the client
// does not collect them.
func (c *Client) QueryStats() *sql.QueryStats {
	var drv any = c.drv
	for {
		switch d := drv.(type) {
		case *sql.StatsDriver:
			return d.QueryStats()
		case *sql.DebugDriver:
			drv = d.Driver
		default:
			return nil
		}
	}
}

// Close closes the connection opened by Open. It is a no-op for clients
// built with NewClient.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// ClearCache discards every cached table descriptor.
func (c *Client) ClearCache() {
	c.catalog.Clear()
}

// LastResult returns the result of the last Insert or Update.
func (c *Client) LastResult() dialect.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Client) setLast(r dialect.Result) {
	c.mu.Lock()
	c.last = r
	c.mu.Unlock()
}

// Builder returns a QueryBuilder initialized with the given joins.
func (c *Client) Builder(ctx context.Context, joins []sql.Join, lefts ...sql.LeftJoin) (*sql.QueryBuilder, error) {
	b := sql.NewQueryBuilder(c.drv, c.catalog,
		sql.WithLogger(c.log),
		sql.WithRowOptions(c.rowOpts),
		sql.WithJSONColumns(c.jsonCols),
	)
	if err := b.Init(ctx, joins, lefts...); err != nil {
		return nil, err
	}
	return b, nil
}

// InsertOption configures Insert.
type InsertOption func(*insertConfig)

type insertConfig struct {
	ignore bool
}

// Ignore skips rows that would violate a unique key: INSERT IGNORE on MySQL,
// INSERT OR IGNORE on SQLite. Insert then returns 0 for a skipped row.
func Ignore() InsertOption {
	return func(c *insertConfig) {
		c.ignore = true
	}
}

// Insert validates data against the table and inserts one row. table may be
// qualified as "alias.table", in which case data keys are "alias.column".
// Auto-generated columns and control fields are skipped. It returns the id
// generated by the database.
func (c *Client) Insert(ctx context.Context, table string, data map[string]any, opts ...InsertOption) (int64, error) {
	cfg := &insertConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	t, prefix, err := c.prepare(ctx, table, data)
	if err != nil {
		return 0, err
	}
	var (
		columns []string
		values  []any
	)
	for _, key := range sortedKeys(data) {
		col, ok := c.writable(t, prefix, key)
		if !ok {
			continue
		}
		columns = append(columns, schema.QuoteIdent(col.Name))
		values = append(values, c.value(col, data[key]))
	}
	if len(columns) == 0 {
		return 0, noColumns(t)
	}
	ins := sq.Insert(schema.QuoteIdent(t.Name)).Columns(columns...).Values(values...)
	if cfg.ignore {
		if c.drv.Dialect() == dialect.SQLite {
			ins = ins.Options("OR IGNORE")
		} else {
			ins = ins.Options("IGNORE")
		}
	}
	query, args, err := ins.ToSql()
	if err != nil {
		return 0, err
	}
	res, err := c.drv.Exec(ctx, query, args)
	if err != nil {
		return 0, err
	}
	c.setLast(res)
	if cfg.ignore {
		// SQLite keeps reporting the previous rowid when nothing was inserted.
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return 0, nil
		}
	}
	return res.LastInsertId()
}

// Update validates data against the table and updates the row identified by
// its primary key, which must be fully present in data. It returns the
// number of rows affected.
func (c *Client) Update(ctx context.Context, table string, data map[string]any) (int64, error) {
	t, prefix, err := c.prepare(ctx, table, data)
	if err != nil {
		return 0, err
	}
	where, err := primaryKey(t, prefix, data)
	if err != nil {
		return 0, err
	}
	upd := sq.Update(schema.QuoteIdent(t.Name))
	set := 0
	for _, key := range sortedKeys(data) {
		col, ok := c.writable(t, prefix, key)
		if !ok || col.PrimaryKey {
			continue
		}
		upd = upd.Set(schema.QuoteIdent(col.Name), c.value(col, data[key]))
		set++
	}
	if set == 0 {
		return 0, noColumns(t)
	}
	query, args, err := upd.Where(where).ToSql()
	if err != nil {
		return 0, err
	}
	res, err := c.drv.Exec(ctx, query, args)
	if err != nil {
		return 0, err
	}
	c.setLast(res)
	return res.RowsAffected()
}

// SelectOne returns the row whose primary key is given in data, restricted
// to columns when any are named. It returns nil when no single row matches.
func (c *Client) SelectOne(ctx context.Context, table string, data map[string]any, columns ...string) (dialect.Row, error) {
	name, prefix := splitTable(table)
	t, err := c.catalog.Describe(ctx, c.drv, name)
	if err != nil {
		return nil, err
	}
	where, err := primaryKey(t, prefix, data)
	if err != nil {
		return nil, err
	}
	var selected []string
	for _, col := range t.Columns {
		if len(columns) == 0 || slices.Contains(columns, col.Name) {
			selected = append(selected, schema.QuoteIdent(col.Name))
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("dbop: %s: none of %v are columns", t.Name, columns)
	}
	query, args, err := sq.Select(selected...).From(schema.QuoteIdent(t.Name)).Where(where).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := c.drv.Query(ctx, query, args)
	if err != nil || len(rows) != 1 {
		return nil, err
	}
	return rows[0], nil
}

// prepare describes the table and validates data against it.
func (c *Client) prepare(ctx context.Context, table string, data map[string]any) (*schema.Table, string, error) {
	name, prefix := splitTable(table)
	t, err := c.catalog.Describe(ctx, c.drv, name)
	if err != nil {
		return nil, "", err
	}
	if err := schema.ValidateData(t, prefix, data, schema.InLocation(c.loc)); err != nil {
		return nil, "", err
	}
	return t, prefix, nil
}

func (c *Client) writable(t *schema.Table, prefix, key string) (*schema.Column, bool) {
	name, ok := strings.CutPrefix(key, prefix)
	if !ok || c.control[name] {
		return nil, false
	}
	col, ok := t.Column(name)
	if !ok || col.AutoGenerated {
		return nil, false
	}
	return col, true
}

// value renders the now() sentinel as a database expression.
func (c *Client) value(col *schema.Column, v any) any {
	if !col.Type.IsTemporal() || !schema.IsNow(v) {
		return v
	}
	if c.drv.Dialect() == dialect.SQLite {
		return sq.Expr("CURRENT_TIMESTAMP")
	}
	return sq.Expr("NOW()")
}

// primaryKey builds the WHERE condition matching the table's primary key.
func primaryKey(t *schema.Table, prefix string, data map[string]any) (sq.Eq, error) {
	if len(t.PrimaryKeys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPrimaryKey, t.Name)
	}
	eq := make(sq.Eq, len(t.PrimaryKeys))
	for _, pk := range t.PrimaryKeys {
		v, ok := data[prefix+pk]
		if !ok {
			return nil, &MissingPrimaryKeyError{Table: t.Name, Column: prefix + pk}
		}
		eq[schema.QuoteIdent(pk)] = v
	}
	return eq, nil
}

// splitTable splits "alias.table" into the table name and the data key
// prefix "alias.".
func splitTable(table string) (name, prefix string) {
	if alias, t, ok := strings.Cut(table, "."); ok {
		return t, alias + "."
	}
	return table, ""
}

func noColumns(t *schema.Table) error {
	return &schema.ValidationError{Table: t.Name, Kind: schema.KindNoColumns, Message: "no writable columns supplied"}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
