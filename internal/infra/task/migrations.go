package task

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLockKey is the advisory lock taken while applying migrations so
// concurrent startups serialize instead of racing on DDL.
const migrationLockKey = 0x706c756d65 // "plume"

// migration is one forward-only schema step. Steps are applied in order and
// recorded in schema_version; never edit an applied step, append a new one.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS users (
    id         BIGSERIAL PRIMARY KEY,
    username   TEXT NOT NULL UNIQUE,
    role       TEXT NOT NULL DEFAULT 'operator',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
			`CREATE TABLE IF NOT EXISTS api_keys (
    id           BIGSERIAL PRIMARY KEY,
    user_id      BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    key_hash     TEXT NOT NULL UNIQUE,
    permissions  TEXT[] NOT NULL DEFAULT '{}',
    active       BOOLEAN NOT NULL DEFAULT true,
    last_used_at TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
			`CREATE TABLE IF NOT EXISTS projects (
    id          BIGSERIAL PRIMARY KEY,
    owner_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (owner_id, name)
)`,
			`CREATE TABLE IF NOT EXISTS content_sources (
    id           BIGSERIAL PRIMARY KEY,
    project_id   BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    path         TEXT NOT NULL,
    type         TEXT NOT NULL DEFAULT 'mixed_dir',
    enabled      BOOLEAN NOT NULL DEFAULT true,
    total_items  INTEGER NOT NULL DEFAULT 0,
    used_items   INTEGER NOT NULL DEFAULT 0,
    last_scanned TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
			`CREATE TABLE IF NOT EXISTS publishing_tasks (
    id               BIGSERIAL PRIMARY KEY,
    project_id       BIGINT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    source_id        BIGINT REFERENCES content_sources(id) ON DELETE CASCADE,
    media_path       TEXT NOT NULL,
    content_data     JSONB,
    status           TEXT NOT NULL DEFAULT 'pending',
    scheduled_at     TIMESTAMPTZ NOT NULL,
    priority         INTEGER NOT NULL DEFAULT 0,
    retry_count      INTEGER NOT NULL DEFAULT 0,
    version          BIGINT NOT NULL DEFAULT 1,
    claimed_by       TEXT NOT NULL DEFAULT '',
    lease_expires_at TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (project_id, media_path)
)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON publishing_tasks (status, scheduled_at, priority)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON publishing_tasks (project_id, status)`,
			`CREATE TABLE IF NOT EXISTS publishing_logs (
    id           BIGSERIAL PRIMARY KEY,
    task_id      BIGINT NOT NULL REFERENCES publishing_tasks(id) ON DELETE CASCADE,
    project_id   BIGINT NOT NULL,
    status       TEXT NOT NULL,
    platform_id  TEXT NOT NULL DEFAULT '',
    caption      TEXT NOT NULL DEFAULT '',
    error_text   TEXT NOT NULL DEFAULT '',
    duration_s   DOUBLE PRECISION NOT NULL DEFAULT 0,
    published_at TIMESTAMPTZ NOT NULL,
    rolled_up    BOOLEAN NOT NULL DEFAULT false
)`,
			`CREATE INDEX IF NOT EXISTS idx_logs_task ON publishing_logs (task_id, published_at)`,
			`CREATE INDEX IF NOT EXISTS idx_logs_unrolled ON publishing_logs (id) WHERE NOT rolled_up`,
			`CREATE TABLE IF NOT EXISTS analytics_hourly (
    hour_ts          TIMESTAMPTZ NOT NULL,
    project_id       BIGINT NOT NULL,
    successful_tasks INTEGER NOT NULL DEFAULT 0,
    failed_tasks     INTEGER NOT NULL DEFAULT 0,
    total_duration_s DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (hour_ts, project_id)
)`,
		},
	},
}

// applyMigrations brings the schema to the latest version under an advisory
// lock. Forward-only: applied versions are never re-run.
func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("take migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("ensure schema_version: %w", err)
	}

	var current int
	if err := conn.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		ok := false
		func() {
			defer func() {
				if !ok {
					_ = tx.Rollback(ctx)
				}
			}()
			for _, stmt := range m.statements {
				if _, err = tx.Exec(ctx, stmt); err != nil {
					err = fmt.Errorf("migration %d: %w", m.version, err)
					return
				}
			}
			if _, err = tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, m.version); err != nil {
				err = fmt.Errorf("record migration %d: %w", m.version, err)
				return
			}
			err = tx.Commit(ctx)
			ok = err == nil
		}()
		if err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion reports the highest applied migration.
func SchemaVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var current int
	err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return current, nil
}
