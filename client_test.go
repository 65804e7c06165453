package dbop_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacLaurinGroup/dbop"
	"github.com/MacLaurinGroup/dbop/dialect"
	"github.com/MacLaurinGroup/dbop/dialect/sql"
	"github.com/MacLaurinGroup/dbop/dialect/sql/schema"
)

var descColumns = []string{"Field", "Type", "Null", "Key", "Default", "Extra"}

func expectDescUsers(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta("DESC `users`")).
		WillReturnRows(sqlmock.NewRows(descColumns).
			AddRow("id", "int(11)", "NO", "PRI", nil, "auto_increment").
			AddRow("name", "varchar(50)", "NO", "", nil, "").
			AddRow("email", "varchar(100)", "YES", "UNI", nil, "").
			AddRow("created", "datetime", "YES", "", nil, "").
			AddRow("dtMod", "datetime", "YES", "", nil, ""))
}

func newMockClient(t *testing.T, opts ...dbop.Option) (*dbop.Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return dbop.NewClient(sql.OpenDB(dialect.MySQL, db), opts...), mock
}

func TestClientInsert(t *testing.T) {
	ctx := context.Background()

	t.Run("skips_generated_and_control_columns", func(t *testing.T) {
		client, mock := newMockClient(t)
		expectDescUsers(mock)
		mock.ExpectExec("INSERT INTO `users` \\(`created`,`email`,`name`\\) VALUES \\(NOW\\(\\),\\?,\\?\\)").
			WithArgs("b@x.io", "bob").
			WillReturnResult(sqlmock.NewResult(42, 1))

		id, err := client.Insert(ctx, "users", map[string]any{
			"id":      9,
			"name":    " bob ",
			"email":   "b@x.io",
			"created": "now()",
			"dtMod":   "now()",
			"unknown": "x",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(42), id)

		last := client.LastResult()
		require.NotNil(t, last)
		n, err := last.RowsAffected()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ignore", func(t *testing.T) {
		client, mock := newMockClient(t)
		expectDescUsers(mock)
		mock.ExpectExec("INSERT IGNORE INTO `users` \\(`name`\\) VALUES \\(\\?\\)").
			WithArgs("amy").
			WillReturnResult(sqlmock.NewResult(0, 0))

		id, err := client.Insert(ctx, "users", map[string]any{"name": "amy"}, dbop.Ignore())
		require.NoError(t, err)
		assert.Zero(t, id)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("alias_prefix", func(t *testing.T) {
		client, mock := newMockClient(t)
		expectDescUsers(mock)
		mock.ExpectExec("INSERT INTO `users` \\(`name`\\) VALUES \\(\\?\\)").
			WithArgs("amy").
			WillReturnResult(sqlmock.NewResult(3, 1))

		id, err := client.Insert(ctx, "u.users", map[string]any{
			"u.name": "amy",
			"name":   "ignored",
			"o.id":   7,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), id)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("custom_control_fields", func(t *testing.T) {
		client, mock := newMockClient(t, dbop.WithControlFields("created"))
		expectDescUsers(mock)
		mock.ExpectExec("INSERT INTO `users` \\(`dtMod`,`name`\\) VALUES \\(NOW\\(\\),\\?\\)").
			WithArgs("amy").
			WillReturnResult(sqlmock.NewResult(4, 1))

		_, err := client.Insert(ctx, "users", map[string]any{"name": "amy", "created": "now()", "dtMod": "NOW()"})
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("validation_error", func(t *testing.T) {
		client, mock := newMockClient(t)
		expectDescUsers(mock)

		_, err := client.Insert(ctx, "users", map[string]any{"name": "a name well beyond the fifty characters allowed here"})
		require.Error(t, err)
		assert.True(t, dbop.IsValidationError(err))
		var ve *schema.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, schema.KindLength, ve.Kind)
		assert.Equal(t, "name", ve.Column)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no_writable_columns", func(t *testing.T) {
		client, mock := newMockClient(t)
		expectDescUsers(mock)

		_, err := client.Insert(ctx, "users", map[string]any{"id": 5, "dtMod": "now()"})
		require.Error(t, err)
		var ve *schema.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, schema.KindNoColumns, ve.Kind)
		assert.Equal(t, "users: no writable columns supplied", err.Error())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("introspection_error", func(t *testing.T) {
		client, mock := newMockClient(t)
		mock.ExpectQuery(regexp.QuoteMeta("DESC `nope`")).
			WillReturnError(&mysql.MySQLError{Number: 1146, Message: "Table 'shop.nope' doesn't exist"})

		_, err := client.Insert(ctx, "nope", map[string]any{"name": "amy"})
		require.Error(t, err)
		assert.True(t, dbop.IsIntrospectionError(err))
		assert.True(t, dbop.IsDriverError(err))
		assert.False(t, dbop.IsValidationError(err))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate_entry", func(t *testing.T) {
		client, mock := newMockClient(t)
		expectDescUsers(mock)
		driverErr := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'b@x.io' for key 'email'"}
		mock.ExpectExec("INSERT INTO `users`").WillReturnError(driverErr)

		_, err := client.Insert(ctx, "users", map[string]any{"name": "bob", "email": "b@x.io"})
		require.Error(t, err)
		assert.True(t, dbop.IsConstraintError(err))
		assert.True(t, dbop.IsDriverError(err))
		assert.True(t, sql.IsDuplicateEntry(err))
		var me *mysql.MySQLError
		require.ErrorAs(t, err, &me)
		assert.Same(t, driverErr, me)
		assert.Nil(t, client.LastResult())
	})
}

func TestClientUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("by_primary_key", func(t *testing.T) {
		client, mock := newMockClient(t)
		expectDescUsers(mock)
		mock.ExpectExec("UPDATE `users` SET `email` = \\?, `name` = \\? WHERE `id` = \\?").
			WithArgs("c@x.io", "carl", int64(9)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		n, err := client.Update(ctx, "users", map[string]any{"id": "9", "name": "carl", "email": "c@x.io", "rec_mod_dt": "x"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("alias_prefix", func(t *testing.T) {
		client, mock := newMockClient(t)
		expectDescUsers(mock)
		mock.ExpectExec("UPDATE `users` SET `created` = NOW\\(\\) WHERE `id` = \\?").
			WithArgs(int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		n, err := client.Update(ctx, "u.users", map[string]any{"u.id": 2, "u.created": "now()", "id": 5})
		require.NoError(t, err)
		assert.Zero(t, n)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing_primary_key", func(t *testing.T) {
		client, mock := newMockClient(t)
		expectDescUsers(mock)

		_, err := client.Update(ctx, "users", map[string]any{"name": "carl"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, dbop.ErrMissingPrimaryKey))
		var pk *dbop.MissingPrimaryKeyError
		require.ErrorAs(t, err, &pk)
		assert.Equal(t, "users", pk.Table)
		assert.Equal(t, "id", pk.Column)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("only_primary_key", func(t *testing.T) {
		client, mock := newMockClient(t)
		expectDescUsers(mock)

		_, err := client.Update(ctx, "users", map[string]any{"id": 1})
		require.Error(t, err)
		assert.True(t, dbop.IsValidationError(err))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("table_without_primary_key", func(t *testing.T) {
		client, mock := newMockClient(t)
		mock.ExpectQuery(regexp.QuoteMeta("DESC `audit`")).
			WillReturnRows(sqlmock.NewRows(descColumns).
				AddRow("event", "varchar(20)", "NO", "", nil, ""))

		_, err := client.Update(ctx, "audit", map[string]any{"event": "login"})
		require.ErrorIs(t, err, dbop.ErrNoPrimaryKey)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestClientSelectOne(t *testing.T) {
	ctx := context.Background()
	client, mock := newMockClient(t)
	expectDescUsers(mock)

	mock.ExpectQuery("SELECT `id`, `name`, `email`, `created`, `dtMod` FROM `users` WHERE `id` = \\?").
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email", "created", "dtMod"}).
			AddRow(int64(9), []byte("bob"), nil, nil, nil))
	row, err := client.SelectOne(ctx, "users", map[string]any{"id": 9})
	require.NoError(t, err)
	assert.Equal(t, dialect.Row{"id": int64(9), "name": "bob", "email": nil, "created": nil, "dtMod": nil}, row)

	mock.ExpectQuery("SELECT `name` FROM `users` WHERE `id` = \\?").
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("bob"))
	row, err = client.SelectOne(ctx, "users", map[string]any{"id": 9}, "name")
	require.NoError(t, err)
	assert.Equal(t, dialect.Row{"name": "bob"}, row)

	mock.ExpectQuery("SELECT `name` FROM `users` WHERE `id` = \\?").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	row, err = client.SelectOne(ctx, "users", map[string]any{"id": 10}, "name")
	require.NoError(t, err)
	assert.Nil(t, row)

	_, err = client.SelectOne(ctx, "users", map[string]any{"name": "bob"})
	assert.True(t, dbop.IsMissingPrimaryKey(err))

	_, err = client.SelectOne(ctx, "users", map[string]any{"id": 9}, "nothing")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClientBuilder(t *testing.T) {
	ctx := context.Background()
	client, mock := newMockClient(t, dbop.WithRowOptions(sql.RowOptions{DropNulls: true}))
	expectDescUsers(mock)

	b, err := client.Builder(ctx, sql.Tables("users.u"))
	require.NoError(t, err)

	mock.ExpectQuery("SELECT u\\.`id` AS `u\\.id`,.* FROM `users` u WHERE u\\.id = \\?").
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"u.id", "u.name", "u.email", "u.created", "u.dtMod"}).
			AddRow(int64(9), "bob", nil, nil, nil))
	row, err := b.Where("u.id = ?", 9).RunFirstRow(ctx)
	require.NoError(t, err)
	assert.Equal(t, dialect.Row{"u": dialect.Row{"id": int64(9), "name": "bob"}}, row)

	// A second builder reuses the cached description.
	_, err = client.Builder(ctx, sql.Tables("users"))
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, client.Catalog().Tables())
	require.NoError(t, mock.ExpectationsWereMet())

	client.ClearCache()
	expectDescUsers(mock)
	_, err = client.Builder(ctx, sql.Tables("users.u"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = client.Builder(ctx, sql.Tables("a.b.c.d"))
	require.ErrorIs(t, err, sql.ErrBadReference)
}

func TestClientSharedCatalog(t *testing.T) {
	ctx := context.Background()
	cat := schema.NewCatalog()
	first, mock := newMockClient(t, dbop.WithCatalog(cat))
	expectDescUsers(mock)
	_, err := first.Builder(ctx, sql.Tables("users.u"))
	require.NoError(t, err)

	second := dbop.NewClient(first.Driver(), dbop.WithCatalog(cat))
	assert.Same(t, cat, second.Catalog())
	_, err = second.Builder(ctx, sql.Tables("users.u"))
	require.NoError(t, err)
	assert.Nil(t, second.QueryStats())
	require.NoError(t, second.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}
