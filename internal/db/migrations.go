package db

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaVersion is the schema version this build requires. It must equal the
// highest numbered migration file; db upgrade walks the gap between the
// installed version and this one.
const SchemaVersion = 10

var migrationNamePattern = regexp.MustCompile(`^(\d{4})_[a-z0-9_]+\.sql$`)

type migration struct {
	version int
	name    string
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := migrationNamePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			return nil, fmt.Errorf("migration file %q does not match NNNN_name.sql", entry.Name())
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, migration{version: version, name: entry.Name()})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	for i, m := range migrations {
		if m.version != i+1 {
			return nil, fmt.Errorf("migration versions must be contiguous from 1, found %s at position %d", m.name, i)
		}
	}
	return migrations, nil
}

func ensureSchemaMetadata(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_metadata (
		    version             INTEGER NOT NULL,
		    num_physical_shards SMALLINT NOT NULL DEFAULT 4
		                        CHECK (num_physical_shards BETWEEN 1 AND 100),
		    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		INSERT INTO schema_metadata (version)
		SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM schema_metadata);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure schema_metadata: %w", err)
	}
	return nil
}

// Version returns the installed schema version, 0 when the schema has never
// been installed.
func Version(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_tables WHERE schemaname = 'public' AND tablename = 'schema_metadata')`,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_metadata: %w", err)
	}
	if !exists {
		return 0, nil
	}
	var version int
	if err := pool.QueryRow(ctx, `SELECT version FROM schema_metadata`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// Upgrade applies every migration above the installed version, each in its
// own transaction so a failure leaves the version pointing at the last
// completed migration. Idempotent at any starting version.
func Upgrade(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) error {
	if err := ensureSchemaMetadata(ctx, pool); err != nil {
		return err
	}
	current, err := Version(ctx, pool)
	if err != nil {
		return err
	}
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + m.name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", m.name, err)
		}
		log.Info("applying migration", "file", m.name)
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			// Whole file in one Exec: the simple query protocol handles
			// multiple statements and dollar-quoted function bodies.
			if _, err := tx.Exec(ctx, string(content)); err != nil {
				return fmt.Errorf("migration %s: %w", m.name, err)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE schema_metadata SET version = $1, updated_at = now()`, m.version); err != nil {
				return fmt.Errorf("migration %s: failed to record version: %w", m.name, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		applied++
	}

	if applied > 0 {
		log.Info("schema migrations applied", "count", applied, "version", SchemaVersion)
	} else {
		log.Debug("schema already up to date", "version", current)
	}
	return nil
}
