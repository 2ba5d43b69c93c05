package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors shared by the repositories in this package.
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrNodeNotFound  = errors.New("node not found")
	ErrBlobNotFound  = errors.New("blob not found")
	ErrShareNotFound = errors.New("share not found")
	// ErrDuplicate reports a unique-constraint violation: a sibling with the
	// same name, a taken username, or a lost dedup finalize race.
	ErrDuplicate = errors.New("duplicate record")
)

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// migrations contains all database migrations in order.
// Each migration has a version key and SQL to execute.
var migrations = []struct {
	Version string
	SQL     string
}{
	{
		Version: "000001_create_users",
		SQL: `
			CREATE TABLE IF NOT EXISTS users (
				id            BIGSERIAL    PRIMARY KEY,
				name          VARCHAR(64)  NOT NULL UNIQUE,
				password_hash VARCHAR(255) NOT NULL,
				created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		Version: "000002_create_blobs",
		SQL: `
			CREATE TABLE IF NOT EXISTS blobs (
				id           BIGSERIAL   PRIMARY KEY,
				size         BIGINT      NOT NULL DEFAULT 0,
				received     BIGINT      NOT NULL DEFAULT 0,
				created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				checksum     VARCHAR(40) NOT NULL DEFAULT '',
				storage_path VARCHAR(4096) NOT NULL DEFAULT '',
				finished     BOOLEAN     NOT NULL DEFAULT FALSE,
				link_count   INTEGER     NOT NULL DEFAULT 0
			);
			-- Exactly one finished blob may exist per content hash. The
			-- partial index is what decides the dedup finalize race: the
			-- loser gets a unique violation and relinks to the winner.
			CREATE UNIQUE INDEX IF NOT EXISTS idx_blobs_checksum_finished
				ON blobs(checksum) WHERE finished;
			CREATE INDEX IF NOT EXISTS idx_blobs_unfinished
				ON blobs(created_at) WHERE NOT finished;
		`,
	},
	{
		Version: "000003_create_nodes",
		SQL: `
			CREATE TABLE IF NOT EXISTS nodes (
				id          BIGSERIAL    PRIMARY KEY,
				name        VARCHAR(256) NOT NULL,
				owner_id    BIGINT       NOT NULL REFERENCES users(id),
				parent_id   BIGINT       REFERENCES nodes(id),
				is_regular  BOOLEAN      NOT NULL,
				blob_id     BIGINT       REFERENCES blobs(id),
				child_count INTEGER      NOT NULL DEFAULT 0,
				created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
			);
			CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_sibling_name
				ON nodes(parent_id, name) WHERE parent_id IS NOT NULL;
			CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_home
				ON nodes(owner_id) WHERE parent_id IS NULL;
			CREATE INDEX IF NOT EXISTS idx_nodes_blob ON nodes(blob_id);
		`,
	},
	{
		Version: "000004_create_shares",
		SQL: `
			CREATE TABLE IF NOT EXISTS shares (
				id         BIGSERIAL   PRIMARY KEY,
				node_id    BIGINT      NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
				code       VARCHAR(8),
				expires_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_shares_node ON shares(node_id);
		`,
	},
}

// DB wraps a pgxpool connection pool and provides health checks and migrations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database")
	return &DB{Pool: pool}, nil
}

// RunMigrations applies all pending database migrations in order.
func (db *DB) RunMigrations(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)",
			m.Version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration status for %s: %w", m.Version, err)
		}
		if exists {
			continue
		}

		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}

		slog.Info("applied migration", "version", m.Version)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}
