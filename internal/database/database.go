// Package database opens and prepares the Comercium database connection.
//
// URL handling mirrors the application settings: DATABASE_URL selects
// PostgreSQL when present, anything else falls back to the local SQLite
// development database. Statements elsewhere are written with ? placeholders
// and passed through Rebind so the same SQL runs on both engines.
package database

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"
)

// Supported dialects.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const defaultSQLitePath = "db.sqlite3"

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know about.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Target is a resolved database destination.
type Target struct {
	Dialect string
	Driver  string
	DSN     string
}

// Redacted returns the DSN with any password masked, safe for logs. The
// mask is spliced in literally; url.UserPassword would percent-encode the
// asterisks.
func (t Target) Redacted() string {
	u, err := url.Parse(t.DSN)
	if err != nil || u.User == nil {
		return t.DSN
	}
	if _, has := u.User.Password(); !has {
		return t.DSN
	}

	username := url.User(u.User.Username()).String()
	u.User = nil
	return strings.Replace(u.String(), "://", "://"+username+":****@", 1)
}

// RebaseSQLite resolves a relative SQLite file path against dir. Other
// dialects and absolute paths are returned unchanged.
func (t Target) RebaseSQLite(dir string) Target {
	if t.Dialect != DialectSQLite || dir == "" {
		return t
	}
	path, params := splitSQLiteDSN(t.DSN)
	if path == "" || filepath.IsAbs(path) || strings.HasPrefix(path, ":") {
		return t
	}
	t.DSN = "file:" + filepath.Join(dir, path) + params
	return t
}

// SQLitePath returns the database file path for SQLite targets, empty
// otherwise.
func (t Target) SQLitePath() string {
	if t.Dialect != DialectSQLite {
		return ""
	}
	path, _ := splitSQLiteDSN(t.DSN)
	return path
}

func splitSQLiteDSN(dsn string) (path, params string) {
	path = strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i], path[i:]
	}
	return path, ""
}

// Resolve turns a DATABASE_URL into a concrete Target. An empty URL selects
// the SQLite fallback; sqlitePath overrides the fallback file (db.sqlite3)
// and sqliteTimeout is the busy timeout in seconds.
func Resolve(rawURL, sqlitePath string, sqliteTimeout int) (Target, error) {
	if sqlitePath == "" {
		sqlitePath = defaultSQLitePath
	}
	if rawURL == "" {
		return sqliteTarget(sqlitePath, sqliteTimeout), nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Target{}, fmt.Errorf("parse DATABASE_URL: %w", err)
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		return Target{Dialect: DialectPostgres, Driver: "postgres", DSN: rawURL}, nil
	case "sqlite":
		// sqlite:///name.db is relative, sqlite:////var/data/name.db absolute.
		path := strings.TrimPrefix(u.Path, "/")
		if strings.HasPrefix(u.Path, "//") {
			path = u.Path[1:]
		}
		if path == "" {
			path = sqlitePath
		}
		return sqliteTarget(path, sqliteTimeout), nil
	default:
		return Target{}, fmt.Errorf("unsupported database scheme %q", u.Scheme)
	}
}

func sqliteTarget(path string, timeoutSeconds int) Target {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 10
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, timeoutSeconds*1000)
	return Target{Dialect: DialectSQLite, Driver: "sqlite", DSN: dsn}
}

// DB is the shared database handle.
type DB struct {
	*sqlx.DB
	Target Target
}

// Open connects to the target and verifies the connection with a ping.
func Open(ctx context.Context, t Target) (*DB, error) {
	db, err := sqlx.Open(t.Driver, t.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", t.Dialect, err)
	}

	// The bootstrapper is short-lived; keep the pool small.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", t.Dialect, err)
	}

	return &DB{DB: db, Target: t}, nil
}

// OpenLazy connects without the initial ping. WaitReady or the first query
// surfaces connectivity problems instead.
func OpenLazy(t Target) (*DB, error) {
	db, err := sqlx.Open(t.Driver, t.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", t.Dialect, err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	return &DB{DB: db, Target: t}, nil
}

// WaitReady pings the database until it answers or the timeout elapses.
// Render brings the managed Postgres up in parallel with the build, so the
// first pipeline stages may run before the database accepts connections.
func (db *DB) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			if lastErr != nil {
				return fmt.Errorf("database not ready after %s: %w", timeout, lastErr)
			}
			return fmt.Errorf("database not ready after %s: %w", timeout, err)
		}

		pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
		lastErr = db.PingContext(pingCtx)
		cancelPing()
		if lastErr == nil {
			return nil
		}
	}
}
