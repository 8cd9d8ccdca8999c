package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"plume/internal/domain/publishing"
	apperrors "plume/internal/errors"
)

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

// CreateProject inserts a project; (owner_id, name) is unique.
func (s *PostgresStore) CreateProject(ctx context.Context, p *publishing.Project) error {
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx, `
INSERT INTO projects (owner_id, name, description, created_at)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`,
		p.OwnerID, p.Name, p.Description, now).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.NewConflict(fmt.Errorf("project %q already exists for owner %d", p.Name, p.OwnerID))
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by id.
func (s *PostgresStore) GetProject(ctx context.Context, id int64) (*publishing.Project, error) {
	var p publishing.Project
	err := s.pool.QueryRow(ctx, `
SELECT id, owner_id, name, description, created_at FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("project", fmt.Sprint(id))
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// GetProjectByName retrieves a project by its per-owner unique name.
func (s *PostgresStore) GetProjectByName(ctx context.Context, ownerID int64, name string) (*publishing.Project, error) {
	var p publishing.Project
	err := s.pool.QueryRow(ctx, `
SELECT id, owner_id, name, description, created_at
FROM projects WHERE owner_id = $1 AND name = $2`, ownerID, name).
		Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("project", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get project by name: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects, oldest first.
func (s *PostgresStore) ListProjects(ctx context.Context) ([]*publishing.Project, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, owner_id, name, description, created_at FROM projects ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*publishing.Project
	for rows.Next() {
		var p publishing.Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project; sources, tasks, logs cascade.
func (s *PostgresStore) DeleteProject(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFound("project", fmt.Sprint(id))
	}
	return nil
}

// CreateSource inserts a content source under a project.
func (s *PostgresStore) CreateSource(ctx context.Context, src *publishing.Source) error {
	now := time.Now().UTC()
	err := s.pool.QueryRow(ctx, `
INSERT INTO content_sources (project_id, path, type, enabled, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at`,
		src.ProjectID, src.Path, string(src.Type), src.Enabled, now).Scan(&src.ID, &src.CreatedAt)
	if err != nil {
		return fmt.Errorf("create source: %w", err)
	}
	return nil
}

// ListSources returns a project's sources.
func (s *PostgresStore) ListSources(ctx context.Context, projectID int64) ([]*publishing.Source, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, project_id, path, type, enabled, total_items, used_items, last_scanned, created_at
FROM content_sources WHERE project_id = $1 ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var sources []*publishing.Source
	for rows.Next() {
		var src publishing.Source
		var srcType string
		if err := rows.Scan(&src.ID, &src.ProjectID, &src.Path, &srcType, &src.Enabled,
			&src.TotalItems, &src.UsedItems, &src.LastScanned, &src.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		src.Type = publishing.SourceType(srcType)
		sources = append(sources, &src)
	}
	return sources, rows.Err()
}

// UpdateSourceScan records scanner counters; the scanner is the only mutator.
func (s *PostgresStore) UpdateSourceScan(ctx context.Context, sourceID int64, totalItems, usedItems int, scannedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE content_sources
SET total_items = $2, used_items = $3, last_scanned = $4
WHERE id = $1`, sourceID, totalItems, usedItems, scannedAt.UTC())
	if err != nil {
		return fmt.Errorf("update source scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFound("source", fmt.Sprint(sourceID))
	}
	return nil
}

// AppendLog inserts an immutable execution record.
func (s *PostgresStore) AppendLog(ctx context.Context, log *publishing.Log) error {
	if log.PublishedAt.IsZero() {
		log.PublishedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
INSERT INTO publishing_logs (task_id, project_id, status, platform_id, caption, error_text, duration_s, published_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
		log.TaskID, log.ProjectID, string(log.Status), log.PlatformID,
		log.Caption, log.ErrorText, log.DurationS, log.PublishedAt.UTC()).Scan(&log.ID)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogs returns a task's attempt history, oldest first.
func (s *PostgresStore) ListLogs(ctx context.Context, taskID int64) ([]*publishing.Log, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, task_id, project_id, status, platform_id, caption, error_text, duration_s, published_at, rolled_up
FROM publishing_logs WHERE task_id = $1 ORDER BY published_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return collectLogs(rows)
}

// ListUnrolledLogs returns rows the roll-up has not yet consumed.
func (s *PostgresStore) ListUnrolledLogs(ctx context.Context, limit int) ([]*publishing.Log, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, task_id, project_id, status, platform_id, caption, error_text, duration_s, published_at, rolled_up
FROM publishing_logs WHERE NOT rolled_up ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unrolled logs: %w", err)
	}
	return collectLogs(rows)
}

// ApplyRollup folds one log row into its hour bucket, exactly once.
func (s *PostgresStore) ApplyRollup(ctx context.Context, logID int64, hour time.Time, projectID int64, delta publishing.HourlyDelta) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
UPDATE publishing_logs SET rolled_up = true WHERE id = $1 AND NOT rolled_up`, logID)
	if err != nil {
		return fmt.Errorf("mark rolled up: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already rolled up; idempotent no-op.
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO analytics_hourly (hour_ts, project_id, successful_tasks, failed_tasks, total_duration_s)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (hour_ts, project_id) DO UPDATE SET
    successful_tasks = analytics_hourly.successful_tasks + EXCLUDED.successful_tasks,
    failed_tasks = analytics_hourly.failed_tasks + EXCLUDED.failed_tasks,
    total_duration_s = analytics_hourly.total_duration_s + EXCLUDED.total_duration_s`,
		hour.UTC(), projectID, delta.Successful, delta.Failed, delta.DurationS)
	if err != nil {
		return fmt.Errorf("upsert hourly: %w", err)
	}
	return tx.Commit(ctx)
}

// HourlyRange returns hour buckets in [from, to), ascending.
func (s *PostgresStore) HourlyRange(ctx context.Context, from, to time.Time, projectID int64) ([]*publishing.HourlyStat, error) {
	query := `
SELECT hour_ts, project_id, successful_tasks, failed_tasks, total_duration_s
FROM analytics_hourly
WHERE hour_ts >= $1 AND hour_ts < $2`
	args := []any{from.UTC(), to.UTC()}
	if projectID != 0 {
		query += ` AND project_id = $3`
		args = append(args, projectID)
	}
	query += ` ORDER BY hour_ts ASC, project_id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hourly range: %w", err)
	}
	defer rows.Close()

	var stats []*publishing.HourlyStat
	for rows.Next() {
		var st publishing.HourlyStat
		if err := rows.Scan(&st.Hour, &st.ProjectID, &st.SuccessfulTasks, &st.FailedTasks, &st.TotalDurationS); err != nil {
			return nil, fmt.Errorf("scan hourly stat: %w", err)
		}
		stats = append(stats, &st)
	}
	return stats, rows.Err()
}

func collectLogs(rows pgx.Rows) ([]*publishing.Log, error) {
	defer rows.Close()

	var logs []*publishing.Log
	for rows.Next() {
		var l publishing.Log
		var status string
		if err := rows.Scan(&l.ID, &l.TaskID, &l.ProjectID, &status, &l.PlatformID,
			&l.Caption, &l.ErrorText, &l.DurationS, &l.PublishedAt, &l.RolledUp); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		l.Status = publishing.LogStatus(status)
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
