package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/tern/v2/migrate"
	"github.com/pscheid92/signpulse/internal/adapter/metrics"
)

const (
	applicationName = "signpulse"
	versionTable    = "public.signpulse_schema_version"

	// deviceLockID serialises device-schema migrations across broker
	// instances ("signpu" in ASCII hex).
	deviceLockID       = 0x7369676e7075
	lockReleaseTimeout = 5 * time.Second
)

// ErrSchemaBehind means the devices schema is older than this build needs.
var ErrSchemaBehind = errors.New("devices schema is behind this build")

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Connect opens the device-registry pool and verifies it with a ping. The
// connections identify themselves as signpulse in pg_stat_activity, and every
// query is traced into m when it is non-nil.
func Connect(ctx context.Context, databaseURL string, m *metrics.DBMetrics) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if _, set := poolCfg.ConnConfig.RuntimeParams["application_name"]; !set {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	if m != nil {
		poolCfg.ConnConfig.Tracer = NewMetricsTracer(m)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Device registry connected",
		"host", poolCfg.ConnConfig.Host,
		"database", poolCfg.ConnConfig.Database,
		"tls", poolCfg.ConnConfig.TLSConfig != nil,
		"max_conns", poolCfg.MaxConns)
	return pool, nil
}

// RunMigrationsWithLock brings the devices schema up to this build. Only one
// instance migrates at a time. A schema newer than this build is left alone,
// so an older instance in a rolling deploy never migrates it down.
func RunMigrationsWithLock(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for migration: %w", err)
	}
	defer conn.Release()

	unlock, err := advisoryLock(ctx, conn.Conn())
	if err != nil {
		return err
	}
	defer unlock()

	migrator, err := newMigrator(ctx, conn.Conn())
	if err != nil {
		return err
	}

	current, err := schemaVersion(ctx, conn.Conn(), migrator)
	if err != nil {
		return err
	}
	latest := int32(len(migrator.Migrations))

	switch {
	case current == latest:
		slog.Info("Devices schema up to date", "version", current)
		return nil
	case current > latest:
		slog.Warn("Devices schema is newer than this build, not migrating", "version", current, "known", latest)
		return nil
	}

	slog.Info("Migrating devices schema", "from", current, "to", latest)
	if err := migrator.MigrateTo(ctx, latest); err != nil {
		return fmt.Errorf("failed to migrate devices schema: %w", err)
	}
	return nil
}

// CheckSchema is the readiness check for the device registry: the database
// answers and its schema has every migration this build ships.
func CheckSchema(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	migrator, err := newMigrator(ctx, conn.Conn())
	if err != nil {
		return err
	}
	current, err := schemaVersion(ctx, conn.Conn(), migrator)
	if err != nil {
		return err
	}
	if latest := int32(len(migrator.Migrations)); current < latest {
		return fmt.Errorf("%w: at %d, need %d", ErrSchemaBehind, current, latest)
	}
	return nil
}

// schemaVersion is 0 on a database that has never been migrated.
func schemaVersion(ctx context.Context, conn *pgx.Conn, migrator *migrate.Migrator) (int32, error) {
	var exists bool
	if err := conn.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", versionTable).Scan(&exists); err != nil {
		return 0, fmt.Errorf("failed to look up schema version table: %w", err)
	}
	if !exists {
		return 0, nil
	}
	v, err := migrator.GetCurrentVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func newMigrator(ctx context.Context, conn *pgx.Conn) (*migrate.Migrator, error) {
	migrationFS, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	migrator, err := migrate.NewMigrator(ctx, conn, versionTable)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := migrator.LoadMigrations(migrationFS); err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	migrator.OnStart = func(sequence int32, name, direction, _ string) {
		slog.Info("Applying migration", "sequence", sequence, "name", strings.TrimSuffix(name, ".sql"), "direction", direction)
	}
	return migrator, nil
}

func advisoryLock(ctx context.Context, conn *pgx.Conn) (unlock func(), err error) {
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", deviceLockID); err != nil {
		return nil, fmt.Errorf("failed to acquire migration lock: %w", err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
		defer cancel()

		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", deviceLockID); err != nil {
			slog.Error("Failed to release migration lock", "error", err)
		}
	}, nil
}
