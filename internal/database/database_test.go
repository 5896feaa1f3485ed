package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEmptyURLFallsBackToSQLite(t *testing.T) {
	target, err := Resolve("", "", 20)
	require.NoError(t, err)

	assert.Equal(t, DialectSQLite, target.Dialect)
	assert.Equal(t, "sqlite", target.Driver)
	assert.Contains(t, target.DSN, "db.sqlite3")
	assert.Contains(t, target.DSN, "busy_timeout(20000)")
}

func TestResolveSQLitePathOverride(t *testing.T) {
	target, err := Resolve("", "/var/data/comercium.db", 10)
	require.NoError(t, err)
	assert.Contains(t, target.DSN, "file:/var/data/comercium.db?")

	// The override also fills in a bare sqlite:// URL.
	target, err = Resolve("sqlite://", "/var/data/comercium.db", 10)
	require.NoError(t, err)
	assert.Contains(t, target.DSN, "file:/var/data/comercium.db?")

	// An explicit path in the URL wins over the override.
	target, err = Resolve("sqlite:///explicit.db", "/var/data/comercium.db", 10)
	require.NoError(t, err)
	assert.Contains(t, target.DSN, "file:explicit.db?")
}

func TestResolvePostgresURL(t *testing.T) {
	for _, scheme := range []string{"postgres", "postgresql"} {
		t.Run(scheme, func(t *testing.T) {
			raw := scheme + "://comercium:secret@db.internal:5432/comercium"
			target, err := Resolve(raw, "", 20)
			require.NoError(t, err)

			assert.Equal(t, DialectPostgres, target.Dialect)
			assert.Equal(t, "postgres", target.Driver)
			assert.Equal(t, raw, target.DSN)
		})
	}
}

func TestResolveSQLitePaths(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"relative", "sqlite:///custom.db", "file:custom.db?"},
		{"absolute", "sqlite:////var/data/db.sqlite3", "file:/var/data/db.sqlite3?"},
		{"bare scheme", "sqlite://", "file:db.sqlite3?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := Resolve(tt.url, "", 5)
			require.NoError(t, err)
			assert.Contains(t, target.DSN, tt.want)
			assert.Contains(t, target.DSN, "busy_timeout(5000)")
		})
	}
}

func TestResolveRejectsUnknownScheme(t *testing.T) {
	_, err := Resolve("mysql://root@localhost/app", "", 20)
	assert.ErrorContains(t, err, `unsupported database scheme "mysql"`)
}

func TestTargetRedacted(t *testing.T) {
	target, err := Resolve("postgres://comercium:hunter2@db:5432/comercium", "", 20)
	require.NoError(t, err)

	red := target.Redacted()
	assert.NotContains(t, red, "hunter2")
	assert.Contains(t, red, "comercium:")
	assert.Equal(t, "postgres://comercium:****@db:5432/comercium", red,
		"mask must be the literal asterisks, not their percent-encoding")
}

func TestTargetRedactedWithoutPassword(t *testing.T) {
	target, err := Resolve("postgres://comercium@db:5432/comercium", "", 20)
	require.NoError(t, err)
	assert.Equal(t, "postgres://comercium@db:5432/comercium", target.Redacted())
}

func TestOpenSQLiteAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	target, err := Resolve("sqlite:///"+path, "", 5)
	require.NoError(t, err)

	ctx := context.Background()
	db, err := Open(ctx, target)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, `CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, db.Rebind(`INSERT INTO t (name) VALUES (?)`), "comercium")
	require.NoError(t, err)

	var name string
	require.NoError(t, db.GetContext(ctx, &name, `SELECT name FROM t WHERE id = 1`))
	assert.Equal(t, "comercium", name)
}

func TestRebindPerDialect(t *testing.T) {
	// Opening is lazy for both drivers, so no server is needed here.
	pg, err := OpenLazy(Target{Dialect: DialectPostgres, Driver: "postgres", DSN: "postgres://u@localhost/none"})
	require.NoError(t, err)
	defer pg.Close()
	assert.Equal(t, "SELECT $1, $2", pg.Rebind("SELECT ?, ?"))

	lite, err := OpenLazy(Target{Dialect: DialectSQLite, Driver: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	defer lite.Close()
	assert.Equal(t, "SELECT ?, ?", lite.Rebind("SELECT ?, ?"))
}

func TestWaitReadySQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ready.db")
	target, err := Resolve("sqlite:///"+path, "", 5)
	require.NoError(t, err)

	db, err := OpenLazy(target)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.WaitReady(context.Background(), 5*time.Second))
}
