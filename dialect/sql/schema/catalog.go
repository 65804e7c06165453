package schema

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MacLaurinGroup/dbop/dialect"
)

// Catalog caches table descriptors per table name. It is safe for concurrent
// use: a miss is resolved by one introspection call per table name, and
// concurrent callers for the same name share its result.
//
// Entries are append-only until Clear; a descriptor is published only once
// it is complete.
type Catalog struct {
	mu     sync.RWMutex
	tables map[string]*Table
	gen    uint64 // bumped by Clear
	group  singleflight.Group
	log    *slog.Logger
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the logger used for introspection records.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		c.log = l
	}
}

// NewCatalog returns an empty Catalog.
func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{
		tables: make(map[string]*Table),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Describe returns the descriptor of the named table, introspecting it
// through drv on first reference. Failures are returned as
// *IntrospectionError and are not cached. A caller whose ctx ends first gets
// its context error while the introspection carries on for the others.
func (c *Catalog) Describe(ctx context.Context, drv dialect.Driver, name string) (*Table, error) {
	if t, ok := c.lookup(name); ok {
		return t, nil
	}
	// The flight ignores cancellation; callers wait on their own ctx.
	ch := c.group.DoChan(name, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		c.mu.RLock()
		t, ok := c.tables[name]
		gen := c.gen
		c.mu.RUnlock()
		if ok {
			return t, nil
		}
		c.log.DebugContext(ctx, "describe table", "table", name, "dialect", drv.Dialect())
		t, err := introspect(ctx, drv, name)
		if err != nil {
			return nil, &IntrospectionError{Table: name, Err: err}
		}
		c.mu.Lock()
		// A Clear during introspection discards this result for later
		// callers; the flight's own callers still receive it.
		if c.gen == gen {
			c.tables[name] = t
		}
		c.mu.Unlock()
		return t, nil
	})
	select {
	case <-ctx.Done():
		return nil, &IntrospectionError{Table: name, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Table), nil
	}
}

// DescribeAll describes several tables concurrently and returns their
// descriptors in input order.
func (c *Catalog) DescribeAll(ctx context.Context, drv dialect.Driver, names ...string) ([]*Table, error) {
	tables := make([]*Table, len(names))
	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			t, err := c.Describe(ctx, drv, name)
			if err != nil {
				return err
			}
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tables, nil
}

// Clear discards every cached descriptor.
func (c *Catalog) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables = make(map[string]*Table)
	c.gen++
}

// Tables returns the sorted names of the cached tables.
func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c *Catalog) lookup(name string) (*Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	return t, ok
}

// introspect issues the dialect's describe statement and builds the Table.
func introspect(ctx context.Context, drv dialect.Driver, name string) (*Table, error) {
	var (
		infos []ColumnInfo
		keys  []string
		err   error
	)
	switch drv.Dialect() {
	case dialect.SQLite:
		infos, keys, err = describeSQLite(ctx, drv, name)
	default:
		infos, err = describeMySQL(ctx, drv, name)
	}
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, ErrNoColumns
	}
	columns := make([]*Column, len(infos))
	for i, info := range infos {
		columns[i] = ParseColumn(info)
	}
	t := NewTable(name, columns...)
	if keys != nil {
		t.PrimaryKeys = keys
	}
	return t, nil
}

func describeMySQL(ctx context.Context, drv dialect.ExecQuerier, name string) ([]ColumnInfo, error) {
	rows, err := drv.Query(ctx, "DESC "+QuoteIdent(name), nil)
	if err != nil {
		return nil, err
	}
	infos := make([]ColumnInfo, len(rows))
	for i, r := range rows {
		infos[i] = ColumnInfo{
			Field: str(r["Field"]),
			Type:  str(r["Type"]),
			Null:  str(r["Null"]),
			Key:   str(r["Key"]),
			Extra: str(r["Extra"]),
		}
	}
	return infos, nil
}

// describeSQLite maps PRAGMA table_info rows (cid, name, type, notnull,
// dflt_value, pk) onto the describe shape, and returns the primary key
// columns in key order. A lone INTEGER primary key aliases the rowid and is
// therefore generated by the database.
func describeSQLite(ctx context.Context, drv dialect.ExecQuerier, name string) ([]ColumnInfo, []string, error) {
	rows, err := drv.Query(ctx, "PRAGMA table_info("+QuoteIdent(name)+")", nil)
	if err != nil {
		return nil, nil, err
	}
	var (
		infos = make([]ColumnInfo, len(rows))
		pos   = make(map[string]int64)
		keys  []string
	)
	for i, r := range rows {
		infos[i] = ColumnInfo{
			Field: str(r["name"]),
			Type:  str(r["type"]),
			Null:  "YES",
		}
		if num(r["notnull"]) != 0 {
			infos[i].Null = "NO"
		}
		if p := num(r["pk"]); p > 0 {
			infos[i].Key = "PRI"
			pos[infos[i].Field] = p
			keys = append(keys, infos[i].Field)
		}
	}
	slices.SortFunc(keys, func(a, b string) int { return int(pos[a] - pos[b]) })
	if len(keys) == 1 {
		for i := range infos {
			if infos[i].Key == "PRI" && strings.EqualFold(infos[i].Type, "integer") {
				infos[i].Extra = "auto_increment"
			}
		}
	}
	return infos, keys, nil
}

// QuoteIdent quotes a table or column name with backticks.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func str(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func num(v any) int64 {
	switch v := v.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}
