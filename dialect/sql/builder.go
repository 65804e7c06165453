package sql

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/MacLaurinGroup/dbop/dialect"
	"github.com/MacLaurinGroup/dbop/dialect/sql/schema"
)

// NestSeparator separates the alias from the column in SelectAll labels.
const NestSeparator = "."

// Join is one entry of a join list. Left and Right are
// "table.alias.column" references; an empty Right declares Left as a plain
// table reference ("table.alias" is enough in that case).
type Join struct {
	Left  string
	Right string
}

// Tables returns a join list of plain table references.
func Tables(refs ...string) []Join {
	joins := make([]Join, len(refs))
	for i, ref := range refs {
		joins[i] = Join{Left: ref}
	}
	return joins
}

// On returns an inner join edge left.column = right.column.
func On(left, right string) Join {
	return Join{Left: left, Right: right}
}

// LeftJoin attaches Join ("table.alias.column") to the FROM entry of the
// already declared Anchor ("table.alias.column") with a LEFT JOIN. Columns,
// when set, replaces the full column expansion of the joined table.
type LeftJoin struct {
	Anchor  string
	Join    string
	Columns []string
}

// ref is a parsed "table.alias.column" reference.
type ref struct {
	table, alias, column string
}

func parseRef(s string, needColumn bool) (ref, error) {
	parts := strings.Split(s, ".")
	var r ref
	switch len(parts) {
	case 1:
		r = ref{table: parts[0], alias: parts[0]}
	case 2:
		r = ref{table: parts[0], alias: parts[1]}
	case 3:
		r = ref{table: parts[0], alias: parts[1], column: parts[2]}
	default:
		return r, fmt.Errorf("%w: %q", ErrBadReference, s)
	}
	if r.table == "" || r.alias == "" || (needColumn && r.column == "") {
		return r, fmt.Errorf("%w: %q", ErrBadReference, s)
	}
	return r, nil
}

// tableRef is a table registered in the query under an alias.
type tableRef struct {
	alias   string
	desc    *schema.Table
	columns []string // explicit column subset of a left join
}

// fromEntry is one comma separated FROM item with its LEFT JOINs.
type fromEntry struct {
	alias  string
	clause string
	joins  []string
}

// whereClause accumulates the WHERE text and its bound values. The number of
// placeholders in text must equal len(args) at execution time.
type whereClause struct {
	text string
	args []any
}

func (w *whereClause) add(op, expr string, args []any) {
	if w.text == "" {
		w.text = expr
	} else {
		w.text += " " + op + " " + expr
	}
	w.args = append(w.args, args...)
}

func (w *whereClause) check() error {
	if n := countPlaceholders(w.text); n != len(w.args) {
		return fmt.Errorf("%w: %d placeholders, %d values", ErrPlaceholderMismatch, n, len(w.args))
	}
	return nil
}

// countPlaceholders counts the ? marks outside quoted strings and
// identifiers. A backslash inside quotes escapes the next byte.
func countPlaceholders(s string) int {
	var (
		n     int
		quote byte
	)
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; {
		case quote != 0 && ch == '\\':
			i++
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"' || ch == '`':
			quote = ch
		case ch == '?':
			n++
		}
	}
	return n
}

// QueryBuilder accumulates the clauses of a multi-table SELECT and executes
// it. WHERE conditions are appended in call order; SELECT, GROUP BY, ORDER BY
// and LIMIT are replaced by each call. A builder is owned by one caller at a
// time and may be executed any number of times.
type QueryBuilder struct {
	id      string
	drv     dialect.Driver
	catalog *schema.Catalog
	log     *slog.Logger
	console bool
	rowOpts RowOptions
	jsonCol map[string]string

	initialized bool
	tables      map[string]*tableRef // by table name
	inner       []*tableRef          // registration order
	left        []*tableRef
	aliases     map[string]string // alias -> table name
	from        []*fromEntry
	joinCond    string

	selectSQL string
	nested    bool
	where     whereClause
	groupBy   string
	orderBy   string
	limit     string
	draw      int
}

// BuilderOption configures a QueryBuilder.
type BuilderOption func(*QueryBuilder)

// WithLogger sets the logger used by SetConsole.
func WithLogger(l *slog.Logger) BuilderOption {
	return func(b *QueryBuilder) {
		b.log = l
	}
}

// WithRowOptions sets the post-processing applied to fetched rows.
func WithRowOptions(o RowOptions) BuilderOption {
	return func(b *QueryBuilder) {
		b.rowOpts = o
	}
}

// WithJSONColumns maps logical column prefixes to the JSON column holding
// them, e.g. {"attr": "attributes"} turns "u.attr.color" into
// u.attributes->>'$.color'.
func WithJSONColumns(m map[string]string) BuilderOption {
	return func(b *QueryBuilder) {
		b.jsonCol = m
	}
}

// NewQueryBuilder returns an uninitialized builder. Init must be called
// before the builder renders or executes.
func NewQueryBuilder(drv dialect.Driver, catalog *schema.Catalog, opts ...BuilderOption) *QueryBuilder {
	b := &QueryBuilder{
		id:      uuid.NewString(),
		drv:     drv,
		catalog: catalog,
		log:     slog.Default(),
		tables:  make(map[string]*tableRef),
		aliases: make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID returns the builder identifier attached to its log records.
func (b *QueryBuilder) ID() string { return b.id }

// Init resolves the join list: every table is described through
// the catalog and listed once in FROM, each inner edge adds
// "left.col=right.col" to WHERE, and each left join is attached to the FROM
// entry of its anchor. A builder is initialized once; a second call, even
// after a failed one, returns ErrAlreadyInitialized.
func (b *QueryBuilder) Init(ctx context.Context, joins []Join, lefts ...LeftJoin) error {
	if b.initialized || len(b.aliases) > 0 {
		return ErrAlreadyInitialized
	}
	if len(joins) == 0 {
		return fmt.Errorf("%w: empty join list", ErrBadReference)
	}
	type edge struct{ l, r ref }
	var (
		edges  []edge
		plain  []ref
		names  []string
		seen   = make(map[string]bool)
		record = func(r ref) {
			if !seen[r.table] {
				seen[r.table] = true
				names = append(names, r.table)
			}
		}
	)
	for _, j := range joins {
		l, err := parseRef(j.Left, j.Right != "")
		if err != nil {
			return err
		}
		record(l)
		if j.Right == "" {
			plain = append(plain, l)
			edges = append(edges, edge{l: l})
			continue
		}
		r, err := parseRef(j.Right, true)
		if err != nil {
			return err
		}
		record(r)
		edges = append(edges, edge{l: l, r: r})
	}
	type leftEdge struct {
		anchor, join ref
		columns      []string
	}
	leftEdges := make([]leftEdge, 0, len(lefts))
	for _, lj := range lefts {
		a, err := parseRef(lj.Anchor, true)
		if err != nil {
			return err
		}
		j, err := parseRef(lj.Join, true)
		if err != nil {
			return err
		}
		record(j)
		leftEdges = append(leftEdges, leftEdge{anchor: a, join: j, columns: lj.Columns})
	}

	descs, err := b.catalog.DescribeAll(ctx, b.drv, names...)
	if err != nil {
		return err
	}
	byName := make(map[string]*schema.Table, len(descs))
	for _, d := range descs {
		byName[d.Name] = d
	}

	var conds []string
	for _, e := range edges {
		if err := b.register(e.l, byName[e.l.table]); err != nil {
			return err
		}
		if e.r.table == "" {
			continue
		}
		if err := b.register(e.r, byName[e.r.table]); err != nil {
			return err
		}
		conds = append(conds, e.l.alias+"."+e.l.column+"="+e.r.alias+"."+e.r.column)
	}
	for _, le := range leftEdges {
		entry := b.fromEntry(le.anchor.alias)
		if entry == nil {
			return fmt.Errorf("%w: %q", ErrUnknownAlias, le.anchor.alias)
		}
		if err := b.claimAlias(le.join.alias, le.join.table); err != nil {
			return err
		}
		b.left = append(b.left, &tableRef{alias: le.join.alias, desc: byName[le.join.table], columns: le.columns})
		entry.joins = append(entry.joins, fmt.Sprintf("LEFT JOIN %s %s ON %s.%s=%s.%s",
			schema.QuoteIdent(le.join.table), le.join.alias,
			le.anchor.alias, le.anchor.column, le.join.alias, le.join.column))
	}
	b.joinCond = strings.Join(conds, " AND ")
	b.where = whereClause{text: b.joinCond}
	b.initialized = true
	return nil
}

// register lists a table in FROM unless it is already there; the first
// alias seen for a table is kept.
func (b *QueryBuilder) register(r ref, desc *schema.Table) error {
	if _, ok := b.tables[r.table]; ok {
		return nil
	}
	if err := b.claimAlias(r.alias, r.table); err != nil {
		return err
	}
	t := &tableRef{alias: r.alias, desc: desc}
	b.tables[r.table] = t
	b.inner = append(b.inner, t)
	b.from = append(b.from, &fromEntry{
		alias:  r.alias,
		clause: schema.QuoteIdent(r.table) + " " + r.alias,
	})
	return nil
}

func (b *QueryBuilder) claimAlias(alias, table string) error {
	if other, ok := b.aliases[alias]; ok && other != table {
		return fmt.Errorf("%w: %q used for %q and %q", ErrDuplicateAlias, alias, other, table)
	}
	b.aliases[alias] = table
	return nil
}

// allTables returns the inner tables followed by the left joined ones.
func (b *QueryBuilder) allTables() []*tableRef {
	return append(append([]*tableRef(nil), b.inner...), b.left...)
}

func (b *QueryBuilder) fromEntry(alias string) *fromEntry {
	for _, e := range b.from {
		if e.alias == alias {
			return e
		}
	}
	return nil
}

// Select replaces the select clause verbatim.
func (b *QueryBuilder) Select(expr string) *QueryBuilder {
	b.selectSQL = expr
	b.nested = false
	return b
}

// SelectAll selects every column of every table, labelled "alias.column",
// and switches the builder to nested-row decoding. Left joined tables with
// an explicit column list contribute only those columns.
func (b *QueryBuilder) SelectAll() *QueryBuilder {
	var cols []string
	add := func(alias, col string) {
		cols = append(cols, alias+"."+schema.QuoteIdent(col)+" AS "+schema.QuoteIdent(alias+NestSeparator+col))
	}
	for _, t := range b.inner {
		for _, c := range t.desc.Columns {
			add(t.alias, c.Name)
		}
	}
	for _, t := range b.left {
		names := t.columns
		if len(names) == 0 {
			names = t.desc.ColumnNames()
		}
		for _, c := range names {
			add(t.alias, c)
		}
	}
	b.selectSQL = strings.Join(cols, ",")
	b.nested = true
	return b
}

// Where appends expr to the WHERE clause with AND; the first condition
// opens the clause. args are bound to the placeholders of expr in order;
// a ? inside a quoted literal is not a placeholder.
func (b *QueryBuilder) Where(expr string, args ...any) *QueryBuilder {
	b.where.add("AND", expr, args)
	return b
}

// WhereOr appends expr with OR. No parentheses are added around what was
// accumulated before, so mixing Where and WhereOr follows SQL precedence.
func (b *QueryBuilder) WhereOr(expr string, args ...any) *QueryBuilder {
	b.where.add("OR", expr, args)
	return b
}

// GroupBy replaces the GROUP BY clause.
func (b *QueryBuilder) GroupBy(expr string) *QueryBuilder {
	b.groupBy = expr
	return b
}

// OrderBy replaces the ORDER BY clause.
func (b *QueryBuilder) OrderBy(expr string) *QueryBuilder {
	b.orderBy = expr
	return b
}

// Limit replaces the LIMIT clause with page number page (from 0) of
// pageSize rows.
func (b *QueryBuilder) Limit(page, pageSize int) *QueryBuilder {
	b.limit = strconv.Itoa(page*pageSize) + "," + strconv.Itoa(pageSize)
	return b
}

// limitRaw sets LIMIT offset,count without paging arithmetic.
func (b *QueryBuilder) limitRaw(offset, count int) {
	offset = max(offset, 0)
	b.limit = strconv.Itoa(offset) + "," + strconv.Itoa(count)
}

// WhereReset drops every condition added with Where or WhereOr, keeping the
// join conditions.
func (b *QueryBuilder) WhereReset() *QueryBuilder {
	b.where = whereClause{text: b.joinCond}
	return b
}

// OrderByReset clears ORDER BY.
func (b *QueryBuilder) OrderByReset() *QueryBuilder {
	b.orderBy = ""
	return b
}

// GroupByReset clears GROUP BY.
func (b *QueryBuilder) GroupByReset() *QueryBuilder {
	b.groupBy = ""
	return b
}

// LimitReset clears LIMIT.
func (b *QueryBuilder) LimitReset() *QueryBuilder {
	b.limit = ""
	return b
}

// SetConsole turns statement logging on or off.
func (b *QueryBuilder) SetConsole(on bool) *QueryBuilder {
	b.console = on
	return b
}

// SQL renders the SELECT statement and its bound values. An empty select
// clause is expanded with SelectAll first.
func (b *QueryBuilder) SQL() (string, []any) {
	if b.selectSQL == "" {
		b.SelectAll()
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(b.selectSQL)
	b.writeFromWhere(&sb)
	if b.groupBy != "" {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(b.groupBy)
	}
	if b.orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(b.orderBy)
	}
	if b.limit != "" {
		sb.WriteString(" LIMIT ")
		sb.WriteString(b.limit)
	}
	return sb.String(), b.args()
}

func (b *QueryBuilder) writeFromWhere(sb *strings.Builder) {
	sb.WriteString(" FROM ")
	for i, e := range b.from {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(e.clause)
		for _, j := range e.joins {
			sb.WriteString(" ")
			sb.WriteString(j)
		}
	}
	if b.where.text != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(b.where.text)
	}
}

func (b *QueryBuilder) args() []any {
	return append([]any(nil), b.where.args...)
}

// Run executes the statement and returns the post-processed rows.
func (b *QueryBuilder) Run(ctx context.Context) ([]dialect.Row, error) {
	if !b.initialized {
		return nil, ErrNotInitialized
	}
	if err := b.where.check(); err != nil {
		return nil, err
	}
	query, args := b.SQL()
	b.trace(ctx, query, args)
	sep := ""
	if b.nested {
		sep = NestSeparator
		ctx = dialect.WithNestTables(ctx, sep)
	}
	rows, err := b.drv.Query(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return b.rowOpts.Process(rows, sep), nil
}

// RunFirstRow runs the statement and returns the row when exactly one was
// fetched, nil otherwise.
func (b *QueryBuilder) RunFirstRow(ctx context.Context) (dialect.Row, error) {
	rows, err := b.Run(ctx)
	if err != nil || len(rows) != 1 {
		return nil, err
	}
	return rows[0], nil
}

// Count returns count(*) over FROM and WHERE, ignoring GROUP BY, ORDER BY
// and LIMIT. DISTINCT is kept when the select clause starts with it.
func (b *QueryBuilder) Count(ctx context.Context) (int64, error) {
	if !b.initialized {
		return 0, ErrNotInitialized
	}
	if err := b.where.check(); err != nil {
		return 0, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	if sel := strings.TrimSpace(b.selectSQL); len(sel) >= 8 && strings.EqualFold(sel[:8], "DISTINCT") {
		sb.WriteString("DISTINCT ")
	}
	sb.WriteString("count(*) AS t")
	b.writeFromWhere(&sb)
	query, args := sb.String(), b.args()
	b.trace(ctx, query, args)
	rows, err := b.drv.Query(ctx, query, args)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return toInt64(rows[0]["t"])
}

func (b *QueryBuilder) trace(ctx context.Context, query string, args []any) {
	if b.console {
		b.log.InfoContext(ctx, "sql", "builder", b.id, "query", query, "args", args)
	}
}

func toInt64(v any) (int64, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	default:
		return 0, fmt.Errorf("dialect/sql: unexpected count type %T", v)
	}
}
