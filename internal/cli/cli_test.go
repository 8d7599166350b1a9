package cli

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"c19x.org/internal/auth"
)

func executeCommand(env map[string]string, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root := NewRootCmd(func(k string) string { return env[k] })
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(nil, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "c19xctl version "+Version)
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := executeCommand(nil, "-o", "xml", "version")
	require.Error(t, err)
}

func TestUsersLifecycle(t *testing.T) {
	file := filepath.Join(t.TempDir(), "users.tsv")

	out, err := executeCommand(nil, "users", "add", "alice", "--file", file, "--hash", "h1")
	require.NoError(t, err)
	assert.Contains(t, out, `User "alice" added.`)

	_, err = executeCommand(nil, "users", "add", "bob", "--file", file, "--hash", "h2", "--permissions", "control,Audit", "--bcrypt")
	require.NoError(t, err)

	_, err = executeCommand(nil, "users", "add", "alice", "--file", file, "--hash", "h3")
	require.ErrorIs(t, err, auth.ErrAlreadyExists)

	out, err = executeCommand(nil, "users", "list", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "control,audit")
	assert.NotContains(t, out, "h1")

	users := auth.ParseCredentials(mustRead(t, file))
	require.Len(t, users, 2)
	assert.Equal(t, "h1", users["alice"].Hash)
	assert.True(t, strings.HasPrefix(users["bob"].Hash, "$2"))
	assert.True(t, auth.VerifyHash(users["bob"].Hash, "h2"))

	out, err = executeCommand(nil, "users", "rm", "alice", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, out, `User "alice" removed.`)

	_, err = executeCommand(nil, "users", "remove", "alice", "--file", file)
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestUsersFileFromEnvironment(t *testing.T) {
	file := filepath.Join(t.TempDir(), "users.tsv")
	env := map[string]string{"C19X_USERS_FILE": file}

	_, err := executeCommand(env, "users", "add", "carol", "--hash", "h")
	require.NoError(t, err)

	out, err := executeCommand(env, "-o", "json", "users", "list")
	require.NoError(t, err)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "carol", listed[0]["name"])
	assert.NotContains(t, out, `"h"`)
}

func TestUsersAddRequiresHash(t *testing.T) {
	_, err := executeCommand(nil, "users", "add", "dave", "--file", filepath.Join(t.TempDir(), "u"))
	require.Error(t, err)
}

func TestCodesKnownVector(t *testing.T) {
	out, err := executeCommand(nil, "-o", "json", "codes", "--secret", "AA==", "--day", "153")
	require.NoError(t, err)

	var reports []DayReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, 153, reports[0].Day)
	assert.Equal(t, "2020-06-02", reports[0].Date)
	assert.Equal(t, int64(-7760134536738241307), reports[0].DayCode)
	assert.Equal(t, int64(-6483623051771494729), reports[0].Seed)
	assert.Equal(t, "", reports[0].Human)
}

func TestCodesRangeYAML(t *testing.T) {
	out, err := executeCommand(nil, "-o", "yaml", "codes", "-s", "AA==", "-d", "153", "-n", "3")
	require.NoError(t, err)

	var reports []DayReport
	require.NoError(t, yaml.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 3)
	assert.Equal(t, []int{151, 152, 153}, []int{reports[0].Day, reports[1].Day, reports[2].Day})
	assert.Equal(t, int64(-7760134536738241307), reports[2].DayCode)
}

func TestCodesRejectsBadInput(t *testing.T) {
	_, err := executeCommand(nil, "codes", "--secret", "***", "--day", "1")
	require.Error(t, err)

	_, err = executeCommand(nil, "codes", "--secret", "AA==", "--day", "1", "--count", "5")
	require.Error(t, err, "range reaching before the epoch")

	_, err = executeCommand(nil, "codes", "--day", "1")
	require.Error(t, err, "secret is required")
}

func TestMigrateRequiresDSN(t *testing.T) {
	_, err := executeCommand(nil, "migrate", "status")
	require.ErrorContains(t, err, "missing DSN")
}

func TestMigrateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	var gotDSN string
	prev := openDB
	openDB = func(dsn string) (*sql.DB, error) {
		gotDSN = dsn
		return db, nil
	}
	t.Cleanup(func() { openDB = prev })

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_kv.up.sql").AddRow("0002_kv_namespace_idx.up.sql"))
	mock.ExpectClose()

	out, err := executeCommand(map[string]string{"C19X_PG_DSN": "postgres://env"}, "migrate", "status")
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", gotDSN)
	assert.Equal(t, "0001_kv.up.sql\n0002_kv_namespace_idx.up.sql\n", out)
	require.NoError(t, mock.ExpectationsWereMet())
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
