package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// migrationLockID serializes Up across instances starting at the same time.
const migrationLockID int64 = 0x636f6f7264 // "coord"

// dbtx is satisfied by both the pool and a single acquired connection.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// Migrator applies and rolls back migrations.
type Migrator struct {
	pool       *Pool
	migrations []Migration
}

// NewMigrator loads the coordination schema shipped with the binary.
func NewMigrator(pool *Pool) (*Migrator, error) {
	return NewMigratorFS(pool, schemaFS, "migrations")
}

// NewMigratorFS loads migrations named NNN_name.{up,down}.sql from dir.
func NewMigratorFS(pool *Pool, fsys fs.FS, dir string) (*Migrator, error) {
	migrations, err := loadMigrations(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	return NewMigratorWithMigrations(pool, migrations), nil
}

// NewMigratorWithMigrations creates a Migrator with provided migrations.
func NewMigratorWithMigrations(pool *Pool, migrations []Migration) *Migrator {
	return &Migrator{
		pool:       pool,
		migrations: migrations,
	}
}

// Migrations returns the known migrations ordered by version.
func (m *Migrator) Migrations() []Migration {
	return m.migrations
}

func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		// 001_create_coordination_tables.up.sql
		versionPart, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(versionPart)
		if err != nil {
			continue
		}
		base, direction, ok := strings.Cut(strings.TrimSuffix(rest, ".sql"), ".")
		if !ok || (direction != "up" && direction != "down") {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		mig, exists := byVersion[version]
		if !exists {
			mig = &Migration{Version: version, Name: base}
			byVersion[version] = mig
		}
		if direction == "up" {
			mig.UpSQL = string(content)
		} else {
			mig.DownSQL = string(content)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpSQL == "" {
			return nil, fmt.Errorf("migration %d (%s) has no up script", mig.Version, mig.Name)
		}
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// EnsureMigrationsTable creates schema_migrations if it does not exist.
func (m *Migrator) EnsureMigrationsTable(ctx context.Context) error {
	return ensureMigrationsTable(ctx, m.pool)
}

func ensureMigrationsTable(ctx context.Context, db dbtx) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	return err
}

// AppliedMigrations returns applied migrations ordered by version.
func (m *Migrator) AppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	return appliedMigrations(ctx, m.pool)
}

func appliedMigrations(ctx context.Context, db dbtx) ([]MigrationRecord, error) {
	rows, err := db.Query(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (MigrationRecord, error) {
		var r MigrationRecord
		err := row.Scan(&r.Version, &r.Name, &r.AppliedAt)
		return r, err
	})
}

// PendingMigrations returns migrations that have not been applied.
func (m *Migrator) PendingMigrations(ctx context.Context) ([]Migration, error) {
	return m.pendingMigrations(ctx, m.pool)
}

func (m *Migrator) pendingMigrations(ctx context.Context, db dbtx) ([]Migration, error) {
	applied, err := appliedMigrations(ctx, db)
	if err != nil {
		return nil, err
	}

	appliedSet := make(map[int]bool, len(applied))
	for _, r := range applied {
		appliedSet[r.Version] = true
	}

	var pending []Migration
	for _, migration := range m.migrations {
		if !appliedSet[migration.Version] {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

// Up applies all pending migrations and reports how many ran. It runs on a
// single connection holding a session advisory lock, so instances starting
// together apply each migration once.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return 0, fmt.Errorf("failed to take migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID)
	}()

	if err := ensureMigrationsTable(ctx, conn); err != nil {
		return 0, fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	pending, err := m.pendingMigrations(ctx, conn)
	if err != nil {
		return 0, err
	}

	for _, migration := range pending {
		if err := applyMigration(ctx, conn, migration); err != nil {
			return 0, fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}
	}
	return len(pending), nil
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	applied, err := m.AppliedMigrations(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return nil
	}

	last := applied[len(applied)-1]
	for _, migration := range m.migrations {
		if migration.Version == last.Version {
			return rollbackMigration(ctx, m.pool, migration)
		}
	}
	return fmt.Errorf("migration %d not found", last.Version)
}

// CurrentVersion returns the highest applied version, or 0.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	applied, err := m.AppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}
	if len(applied) == 0 {
		return 0, nil
	}
	return applied[len(applied)-1].Version, nil
}

func applyMigration(ctx context.Context, db dbtx, migration Migration) error {
	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, migration.UpSQL); err != nil {
			return fmt.Errorf("failed to execute up SQL: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
			migration.Version, migration.Name); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}

func rollbackMigration(ctx context.Context, db dbtx, migration Migration) error {
	return pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
		if migration.DownSQL != "" {
			if _, err := tx.Exec(ctx, migration.DownSQL); err != nil {
				return fmt.Errorf("failed to execute down SQL: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, migration.Version); err != nil {
			return fmt.Errorf("failed to remove migration record: %w", err)
		}
		return nil
	})
}
