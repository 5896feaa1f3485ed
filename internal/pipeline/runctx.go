package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/comercium/deployctl/internal/cli"
	"github.com/comercium/deployctl/internal/config"
	"github.com/comercium/deployctl/internal/database"
	"github.com/comercium/deployctl/pkg/logger"
)

// RunContext carries everything stages share during a single run. The
// database connection opens lazily on first use, so profiles without
// database stages never connect.
type RunContext struct {
	RunID   string
	Profile string
	WorkDir string

	Env     *config.Env
	Config  *config.Config
	Log     *logger.Logger
	Console *cli.Console
	Events  *Bus

	// DBWaitTimeout bounds how long the first database user waits for the
	// database to accept connections. Zero means 30 seconds.
	DBWaitTimeout time.Duration

	dbOnce sync.Once
	db     *database.DB
	dbErr  error
}

// NewRunContext builds a RunContext with a fresh run ID.
func NewRunContext(env *config.Env, cfg *config.Config, profile, workDir string, log *logger.Logger, console *cli.Console, events *Bus) *RunContext {
	if events == nil {
		events = NewBus()
	}
	return &RunContext{
		RunID:   uuid.NewString(),
		Profile: profile,
		WorkDir: workDir,
		Env:     env,
		Config:  cfg,
		Log:     log,
		Console: console,
		Events:  events,
	}
}

// DB returns the shared database handle, opening it on first call and
// waiting for the database to become reachable. Render brings the managed
// Postgres up in parallel with the build, so early stages may run before it
// accepts connections.
func (rc *RunContext) DB(ctx context.Context) (*database.DB, error) {
	rc.dbOnce.Do(func() {
		target, err := database.Resolve(rc.Env.DatabaseURL, rc.Env.SQLitePath, rc.Env.SQLiteTimeout)
		if err != nil {
			rc.dbErr = err
			return
		}
		// Relative SQLite paths resolve against the project root, not
		// wherever deployctl happens to be invoked from.
		target = target.RebaseSQLite(rc.WorkDir)

		db, err := database.OpenLazy(target)
		if err != nil {
			rc.dbErr = err
			return
		}

		timeout := rc.DBWaitTimeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		rc.Log.Info("waiting for database", "target", target.Redacted())
		if err := db.WaitReady(ctx, timeout); err != nil {
			db.Close()
			rc.dbErr = err
			return
		}
		rc.db = db
	})
	return rc.db, rc.dbErr
}

// Close releases the database handle if one was opened.
func (rc *RunContext) Close() error {
	if rc.db != nil {
		return rc.db.Close()
	}
	return nil
}
