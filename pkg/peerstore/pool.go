package peerstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const poolLogPrefix = "peerstore:pool"

// NewPool creates a pgx connection pool from the given database URL.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	slog.Info(fmt.Sprintf("%s - Connecting to database", poolLogPrefix))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse database URL: %w", poolLogPrefix, err)
	}
	config.MaxConns = 4
	config.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create pool: %w", poolLogPrefix, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s - failed to ping database: %w", poolLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Database connection established", poolLogPrefix))
	return pool, nil
}

// RunMigrations applies migrations in order. Each must be idempotent.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrations []Migration) error {
	slog.Info(fmt.Sprintf("%s - Running %d migrations", poolLogPrefix, len(migrations)))
	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("%s - migration %s failed: %w", poolLogPrefix, m.Name, err)
		}
		slog.Debug(fmt.Sprintf("%s - Applied %s", poolLogPrefix, m.Name))
	}
	slog.Info(fmt.Sprintf("%s - Migrations complete", poolLogPrefix))
	return nil
}

// MigrationStatus reports whether the known_peers table exists.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationPath string) (string, error) {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'known_peers')`).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("%s - failed to check schema: %w", poolLogPrefix, err)
	}
	files, err := LoadMigrations(migrationPath)
	if err != nil {
		return "", fmt.Errorf("%s - load migration list: %w", poolLogPrefix, err)
	}
	if exists {
		return fmt.Sprintf("applied (schema present, %d migration files in %s)", len(files), migrationPath), nil
	}
	return fmt.Sprintf("not applied (run 'mimic migrate up'), %d migration files in %s", len(files), migrationPath), nil
}
