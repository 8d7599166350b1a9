package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsPresent(t *testing.T) {
	m := NewManager(nil, Embedded())
	ups, err := m.collect(".up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	assert.Equal(t, "0001_kv.up.sql", ups[0])
}

func TestUpAppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (x int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("create table b (x int); insert into b values (1);")},
	}

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into b").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	applied, err := NewManager(db, fsys).Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0002_b.up.sql"}, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (x int);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
	}

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").
		WithArgs("0001_a.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))

	name, err := NewManager(db, fsys).Down(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0001_a.up.sql", name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSplitStatementsKeepsQuotedSemicolons(t *testing.T) {
	stmts := splitStatements("insert into t values ('a;b'); select 1;")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "'a;b'")
}
