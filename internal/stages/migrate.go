package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratelite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/comercium/deployctl/internal/database"
	"github.com/comercium/deployctl/internal/pipeline"
)

// Migrate applies pending schema migrations. Migrations are forward-only;
// rollback is a new forward migration, never a down run against production
// data. A failure here aborts the deploy.
type Migrate struct{}

func (*Migrate) Name() string { return "migrate" }

func (s *Migrate) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	dir := rc.Config.Stages.Migrate.Dir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(rc.WorkDir, dir)
	}
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("migrations directory %s: %w", rc.Config.Stages.Migrate.Dir, err)
	}

	// Ensure the database is reachable before opening the migrator's own
	// connection. The migrator gets a dedicated handle because closing it
	// tears the connection down, and later stages still need the shared one.
	shared, err := rc.DB(ctx)
	if err != nil {
		return "", err
	}

	own, err := database.OpenLazy(shared.Target)
	if err != nil {
		return "", err
	}

	var driver migratedb.Driver
	switch shared.Target.Dialect {
	case database.DialectPostgres:
		driver, err = migratepg.WithInstance(own.DB.DB, &migratepg.Config{})
	case database.DialectSQLite:
		driver, err = migratelite.WithInstance(own.DB.DB, &migratelite.Config{})
	default:
		own.Close()
		return "", fmt.Errorf("no migration driver for dialect %q", shared.Target.Dialect)
	}
	if err != nil {
		own.Close()
		return "", fmt.Errorf("init %s migration driver: %w", shared.Target.Dialect, err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, shared.Target.Dialect, driver)
	if err != nil {
		own.Close()
		return "", fmt.Errorf("open migration source %s: %w", dir, err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			rc.Log.Warn("close migration source", "error", srcErr.Error())
		}
		if dbErr != nil {
			rc.Log.Warn("close migration database", "error", dbErr.Error())
		}
	}()

	before, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return "", fmt.Errorf("read schema version: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return fmt.Sprintf("schema up to date at version %d", before), nil
		}
		return "", fmt.Errorf("apply migrations: %w", err)
	}

	after, _, err := m.Version()
	if err != nil {
		return "", fmt.Errorf("read schema version: %w", err)
	}
	if before == 0 {
		return fmt.Sprintf("migrated to version %d", after), nil
	}
	return fmt.Sprintf("migrated from version %d to %d", before, after), nil
}
