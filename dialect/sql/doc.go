// Package sql implements the dialect contract on top of database/sql and
// provides the query builder that runs on it.
//
// # Drivers
//
// Open and OpenDB return a Driver for MySQL or SQLite. Query reads every
// row into a dialect.Row and closes the result set; failures are returned
// as *ExecError carrying the driver error unchanged.
//
//	drv, err := sql.Open(dialect.MySQL, "user:pw@tcp(localhost:3306)/shop")
//
// StatsDriver and DebugDriver wrap any dialect.Driver to count and log
// statements.
//
// # Query builder
//
// A QueryBuilder is initialized from a join list of
// "table.alias.column" references. Each table is described once through a
// schema.Catalog and listed once in FROM:
//
//	b := sql.NewQueryBuilder(drv, catalog)
//	err := b.Init(ctx, []sql.Join{
//		sql.On("users.u.id", "orders.o.user_id"),
//	}, sql.LeftJoin{Anchor: "users.u.id", Join: "addresses.a.user_id"})
//
//	rows, err := b.Where("o.total > ?", 100).
//		WhereOr("u.vip = ?", 1).
//		OrderBy("o.id desc").
//		Limit(0, 20).
//		Run(ctx)
//
// Where and WhereOr append to the WHERE clause in call order without adding
// parentheses. Select, OrderBy, GroupBy and Limit replace their clause.
// Without an explicit Select, every column is selected as "alias.column" and
// rows come back nested by alias:
//
//	rows[0]["u"].(dialect.Row)["name"]
//
// # DataTables
//
// ApplyFilterOrder translates a DataTables server-side request into filters,
// a search group, a sort key and a page window; DataTableExecute returns
// the rows together with the count.
package sql
