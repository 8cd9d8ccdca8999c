// Package task provides the store adapters for the publishing domain: a
// Postgres implementation used in production and an in-memory implementation
// used by tests and ephemeral runs.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"plume/internal/domain/publishing"
	apperrors "plume/internal/errors"
	"plume/internal/logging"
)

// PostgresStore implements publishing.Store backed by Postgres.
//
// Claim protocol: claims run inside one transaction using
// SELECT ... FOR UPDATE SKIP LOCKED, so two workers never
// claim the same row. CompleteTask and RescheduleTask stay optimistic on the
// version column, which also covers operator tooling racing the engine.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ publishing.Store = (*PostgresStore)(nil)

// NewPostgresStore connects a store to an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("TaskStore"),
	}
}

// OpenPool creates a pgx pool for the configured database URL.
func OpenPool(ctx context.Context, url string, poolSize int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// EnsureSchema applies pending migrations.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	return applyMigrations(ctx, s.pool)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

const taskColumns = `id, project_id, COALESCE(source_id, 0), media_path, content_data,
       status, scheduled_at, priority, retry_count, version,
       claimed_by, lease_expires_at, created_at, updated_at`

// CreateTasks inserts a batch idempotently. Rows colliding on
// (project_id, media_path) are skipped via ON CONFLICT DO NOTHING.
func (s *PostgresStore) CreateTasks(ctx context.Context, tasks []*publishing.Task) (publishing.CreateResult, error) {
	var result publishing.CreateResult
	if s == nil || s.pool == nil {
		return result, fmt.Errorf("task store not initialized")
	}
	if len(tasks) == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for _, t := range tasks {
		if t.MediaPath == "" {
			return publishing.CreateResult{}, apperrors.NewInvalidInput("media_path", "empty")
		}
		scheduledAt := t.ScheduledAt
		if scheduledAt.IsZero() {
			scheduledAt = now
		}
		var sourceID any
		if t.SourceID != 0 {
			sourceID = t.SourceID
		}
		tag, err := tx.Exec(ctx, `
INSERT INTO publishing_tasks (project_id, source_id, media_path, content_data, status, scheduled_at, priority, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (project_id, media_path) DO NOTHING`,
			t.ProjectID, sourceID, t.MediaPath, nullableJSON(t.ContentData),
			string(publishing.StatusPending), scheduledAt, t.Priority, now)
		if err != nil {
			return publishing.CreateResult{}, fmt.Errorf("create task %s: %w", t.MediaPath, err)
		}
		if tag.RowsAffected() == 0 {
			result.Skipped++
		} else {
			result.Created++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return publishing.CreateResult{}, fmt.Errorf("commit create tasks: %w", err)
	}
	return result, nil
}

// GetTask retrieves a task by id.
func (s *PostgresStore) GetTask(ctx context.Context, id int64) (*publishing.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM publishing_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFound("task", fmt.Sprint(id))
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a filtered page plus the total matching count.
func (s *PostgresStore) ListTasks(ctx context.Context, filter publishing.TaskFilter) ([]*publishing.Task, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	idx := 1
	if filter.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(filter.Status))
		idx++
	}
	if filter.ProjectID != 0 {
		where += fmt.Sprintf(` AND project_id = $%d`, idx)
		args = append(args, filter.ProjectID)
		idx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM publishing_tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM publishing_tasks` + where +
		fmt.Sprintf(` ORDER BY scheduled_at ASC, id ASC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ListPendingForPlanning returns pending tasks in deterministic placement order.
func (s *PostgresStore) ListPendingForPlanning(ctx context.Context, projectID int64, limit int) ([]*publishing.Task, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+taskColumns+`
FROM publishing_tasks
WHERE project_id = $1 AND status = 'pending'
ORDER BY priority DESC, created_at ASC, id ASC
LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending for planning: %w", err)
	}
	return collectTasks(rows)
}

// LastScheduledAt anchors per-project spacing for the planner.
func (s *PostgresStore) LastScheduledAt(ctx context.Context, projectID int64) (time.Time, bool, error) {
	var at *time.Time
	err := s.pool.QueryRow(ctx, `
SELECT MAX(scheduled_at) FROM publishing_tasks
WHERE project_id = $1 AND status IN ('running', 'success')`, projectID).Scan(&at)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last scheduled at: %w", err)
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}

// ClaimDueTasks atomically claims due pending tasks for a worker.
func (s *PostgresStore) ClaimDueTasks(ctx context.Context, workerID string, projectID int64, now time.Time, limit int, leaseTTL time.Duration) ([]*publishing.Task, error) {
	if workerID == "" {
		return nil, apperrors.NewInvalidInput("worker_id", "empty")
	}
	if limit <= 0 {
		limit = 1
	}

	rows, err := s.pool.Query(ctx, `
WITH candidates AS (
    SELECT id
    FROM publishing_tasks
    WHERE status = 'pending' AND scheduled_at <= $1
      AND ($5 = 0 OR project_id = $5)
    ORDER BY priority DESC, scheduled_at ASC, id ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE publishing_tasks AS t
SET status = 'running', version = version + 1,
    claimed_by = $3, lease_expires_at = $4, updated_at = $1
FROM candidates AS c
WHERE t.id = c.id
RETURNING `+qualifyTaskColumns("t"),
		now.UTC(), limit, workerID, now.UTC().Add(leaseTTL), projectID)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	return collectTasks(rows)
}

// CompleteTask applies an execution outcome under the optimistic version check.
func (s *PostgresStore) CompleteTask(ctx context.Context, taskID, expectedVersion int64, outcome publishing.Outcome) error {
	now := time.Now().UTC()

	var tag pgconn.CommandTag
	var err error

	switch outcome.Kind {
	case publishing.OutcomeSuccess:
		tag, err = s.pool.Exec(ctx, `
UPDATE publishing_tasks
SET status = 'success', version = version + 1,
    claimed_by = '', lease_expires_at = NULL, updated_at = $3
WHERE id = $1 AND version = $2 AND status = 'running'`,
			taskID, expectedVersion, now)

	case publishing.OutcomeTransient, publishing.OutcomeQuota:
		retryAt := outcome.RetryAt
		if retryAt.IsZero() {
			retryAt = now
		}
		tag, err = s.pool.Exec(ctx, `
UPDATE publishing_tasks
SET retry_count = retry_count + 1,
    status = CASE WHEN retry_count + 1 > $3 THEN 'failed' ELSE 'pending' END,
    scheduled_at = CASE WHEN retry_count + 1 > $3 THEN scheduled_at ELSE $4 END,
    version = version + 1,
    claimed_by = '', lease_expires_at = NULL, updated_at = $5
WHERE id = $1 AND version = $2 AND status = 'running'`,
			taskID, expectedVersion, outcome.MaxRetries, retryAt.UTC(), now)

	case publishing.OutcomePermanent:
		tag, err = s.pool.Exec(ctx, `
UPDATE publishing_tasks
SET status = 'failed', version = version + 1,
    claimed_by = '', lease_expires_at = NULL, updated_at = $3
WHERE id = $1 AND version = $2 AND status = 'running'`,
			taskID, expectedVersion, now)

	default:
		return apperrors.NewInvalidInput("outcome", fmt.Sprintf("unknown kind %d", outcome.Kind))
	}

	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewConflict(fmt.Errorf("task %d: version %d has moved", taskID, expectedVersion))
	}
	return nil
}

// RescheduleTask moves a pending task's slot, optimistically.
func (s *PostgresStore) RescheduleTask(ctx context.Context, taskID, expectedVersion int64, newScheduledAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE publishing_tasks
SET scheduled_at = $3, version = version + 1, updated_at = $4
WHERE id = $1 AND version = $2 AND status = 'pending'`,
		taskID, expectedVersion, newScheduledAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reschedule task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewConflict(fmt.Errorf("task %d: version %d has moved", taskID, expectedVersion))
	}
	return nil
}

// UpdateTask applies an operator patch to a pending task. Claimed and
// terminal tasks report a conflict; patching them would bump the version
// under the worker and invalidate its completion.
func (s *PostgresStore) UpdateTask(ctx context.Context, taskID int64, patch publishing.TaskPatch) (*publishing.Task, error) {
	set := `updated_at = $2, version = version + 1`
	args := []any{taskID, time.Now().UTC()}
	idx := 3
	if patch.Priority != nil {
		set += fmt.Sprintf(`, priority = $%d`, idx)
		args = append(args, *patch.Priority)
		idx++
	}
	if patch.ScheduledAt != nil {
		set += fmt.Sprintf(`, scheduled_at = $%d`, idx)
		args = append(args, patch.ScheduledAt.UTC())
		idx++
	}

	row := s.pool.QueryRow(ctx, `UPDATE publishing_tasks SET `+set+` WHERE id = $1 AND status = 'pending' RETURNING `+taskColumns, args...)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var status string
		statusErr := s.pool.QueryRow(ctx, `SELECT status FROM publishing_tasks WHERE id = $1`, taskID).Scan(&status)
		if errors.Is(statusErr, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFound("task", fmt.Sprint(taskID))
		}
		if statusErr != nil {
			return nil, fmt.Errorf("update task: %w", statusErr)
		}
		return nil, apperrors.NewConflict(fmt.Errorf("task %d: status %s is not patchable", taskID, status))
	}
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

// DeleteTask removes a task; log rows cascade.
func (s *PostgresStore) DeleteTask(ctx context.Context, taskID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM publishing_tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFound("task", fmt.Sprint(taskID))
	}
	return nil
}

// CancelTask fails a non-terminal task with a reason tag and a log row.
func (s *PostgresStore) CancelTask(ctx context.Context, taskID int64, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var projectID int64
	err = tx.QueryRow(ctx, `
UPDATE publishing_tasks
SET status = 'failed', version = version + 1,
    claimed_by = '', lease_expires_at = NULL, updated_at = $2
WHERE id = $1 AND status IN ('pending', 'running')
RETURNING project_id`, taskID, now).Scan(&projectID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NewNotFound("cancellable task", fmt.Sprint(taskID))
	}
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO publishing_logs (task_id, project_id, status, error_text, published_at)
VALUES ($1, $2, $3, $4, $5)`,
		taskID, projectID, string(publishing.LogPermanent), "cancelled: "+reason, now)
	if err != nil {
		return fmt.Errorf("record cancellation: %w", err)
	}
	return tx.Commit(ctx)
}

// RecoverStaleClaims reverts running tasks with expired leases to pending.
// A lease expiring exactly at now counts as expired.
func (s *PostgresStore) RecoverStaleClaims(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
UPDATE publishing_tasks
SET status = 'pending', retry_count = retry_count + 1, version = version + 1,
    claimed_by = '', lease_expires_at = NULL, updated_at = $1
WHERE status = 'running' AND lease_expires_at <= $1
RETURNING id, project_id, claimed_by`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}

	type stale struct {
		taskID    int64
		projectID int64
	}
	var recovered []stale
	for rows.Next() {
		var st stale
		var worker string
		if err := rows.Scan(&st.taskID, &st.projectID, &worker); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale claim: %w", err)
		}
		recovered = append(recovered, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stale claims: %w", err)
	}

	for _, st := range recovered {
		_, err = tx.Exec(ctx, `
INSERT INTO publishing_logs (task_id, project_id, status, error_text, published_at)
VALUES ($1, $2, $3, $4, $5)`,
			st.taskID, st.projectID, string(publishing.LogLeaseExpired), "claim lease expired", now.UTC())
		if err != nil {
			return 0, fmt.Errorf("record lease expiry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit recovery: %w", err)
	}
	if len(recovered) > 0 {
		s.logger.Warn("recovered %d stale claims", len(recovered))
	}
	return len(recovered), nil
}

// CountByStatus returns task counts keyed by status.
func (s *PostgresStore) CountByStatus(ctx context.Context) (map[publishing.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM publishing_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[publishing.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[publishing.Status(status)] = count
	}
	return counts, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*publishing.Task, error) {
	var t publishing.Task
	var status string
	var contentData []byte

	err := row.Scan(
		&t.ID, &t.ProjectID, &t.SourceID, &t.MediaPath, &contentData,
		&status, &t.ScheduledAt, &t.Priority, &t.RetryCount, &t.Version,
		&t.ClaimedBy, &t.LeaseExpiresAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = publishing.Status(status)
	if contentData != nil {
		t.ContentData = contentData
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*publishing.Task, error) {
	defer rows.Close()

	var tasks []*publishing.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func qualifyTaskColumns(alias string) string {
	return alias + `.id, ` + alias + `.project_id, COALESCE(` + alias + `.source_id, 0), ` +
		alias + `.media_path, ` + alias + `.content_data, ` +
		alias + `.status, ` + alias + `.scheduled_at, ` + alias + `.priority, ` +
		alias + `.retry_count, ` + alias + `.version, ` +
		alias + `.claimed_by, ` + alias + `.lease_expires_at, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
