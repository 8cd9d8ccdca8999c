package publishing

import (
	"context"
	"time"
)

// TaskFilter narrows ListTasks for operator queries.
type TaskFilter struct {
	Status    Status
	ProjectID int64 // 0 = all projects
	Limit     int
	Offset    int
}

// TaskPatch carries the operator-editable fields of UpdateTask. Nil fields
// are left untouched.
type TaskPatch struct {
	Priority    *int
	ScheduledAt *time.Time
}

// CreateResult reports the effect of an idempotent batch insert.
type CreateResult struct {
	Created int
	Skipped int // rows colliding on (project_id, media_path)
}

// Store is the durable persistence port for all publishing entities.
//
// Claim protocol: implementations use a single transaction with
// SELECT ... FOR UPDATE SKIP LOCKED (or an equivalent serialized section) so
// that at most one worker observes a successful claim per task per version.
// CompleteTask and RescheduleTask are optimistic: they fail with a conflict
// when the expected version has moved.
type Store interface {
	// EnsureSchema applies forward-only migrations under a lock.
	EnsureSchema(ctx context.Context) error

	// Projects and sources.
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id int64) (*Project, error)
	GetProjectByName(ctx context.Context, ownerID int64, name string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	DeleteProject(ctx context.Context, id int64) error

	CreateSource(ctx context.Context, s *Source) error
	ListSources(ctx context.Context, projectID int64) ([]*Source, error)
	UpdateSourceScan(ctx context.Context, sourceID int64, totalItems, usedItems int, scannedAt time.Time) error

	// CreateTasks idempotently inserts a batch; rows colliding on
	// (project_id, media_path) are silently skipped and counted.
	CreateTasks(ctx context.Context, tasks []*Task) (CreateResult, error)

	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, int, error)

	// ListPendingForPlanning returns a project's pending tasks ordered by
	// (priority DESC, created_at ASC, id ASC) for deterministic placement.
	ListPendingForPlanning(ctx context.Context, projectID int64, limit int) ([]*Task, error)

	// LastScheduledAt returns the latest scheduled_at among the project's
	// running and succeeded tasks; ok is false when there are none.
	LastScheduledAt(ctx context.Context, projectID int64) (at time.Time, ok bool, err error)

	// ClaimDueTasks atomically claims up to limit tasks with
	// status = pending and scheduled_at <= now, ordered by
	// (priority DESC, scheduled_at ASC, id ASC), transitioning them to
	// running with a (workerID, now+leaseTTL) lease and version+1.
	// projectID narrows the claim to one project; 0 means all projects.
	ClaimDueTasks(ctx context.Context, workerID string, projectID int64, now time.Time, limit int, leaseTTL time.Duration) ([]*Task, error)

	// CompleteTask applies an execution outcome. Fails with a conflict when
	// expectedVersion has moved. Transient and quota outcomes return the
	// task to pending with retry_count+1 and scheduled_at = RetryAt, unless
	// the incremented count exceeds Outcome.MaxRetries, which fails the
	// task terminally regardless of kind.
	CompleteTask(ctx context.Context, taskID, expectedVersion int64, outcome Outcome) error

	// RescheduleTask moves a pending task on the timeline, optimistically.
	RescheduleTask(ctx context.Context, taskID, expectedVersion int64, newScheduledAt time.Time) error

	// UpdateTask applies an operator patch to a pending task and returns
	// the updated row. Claimed and terminal tasks report a conflict.
	UpdateTask(ctx context.Context, taskID int64, patch TaskPatch) (*Task, error)

	// DeleteTask removes a task and its log rows.
	DeleteTask(ctx context.Context, taskID int64) error

	// CancelTask transitions a non-terminal task to failed with
	// reason=cancelled and records a log row.
	CancelTask(ctx context.Context, taskID int64, reason string) error

	// RecoverStaleClaims reverts running tasks whose lease expired at or
	// before now to pending, increments retry_count, and records a
	// lease_expired log row per task. Returns the number recovered.
	RecoverStaleClaims(ctx context.Context, now time.Time) (int, error)

	// CountByStatus returns task counts keyed by status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// AppendLog inserts an immutable execution record.
	AppendLog(ctx context.Context, log *Log) error
	ListLogs(ctx context.Context, taskID int64) ([]*Log, error)

	// ListUnrolledLogs returns log rows not yet folded into hour buckets.
	ListUnrolledLogs(ctx context.Context, limit int) ([]*Log, error)

	// ApplyRollup atomically upserts the hour bucket for one log row and
	// marks the row rolled up. Calling it again for the same row is a no-op,
	// which keeps the roll-up idempotent per log row.
	ApplyRollup(ctx context.Context, logID int64, hour time.Time, projectID int64, delta HourlyDelta) error

	// HourlyRange returns hour buckets in [from, to) for a project
	// (projectID 0 = all projects), ascending by hour.
	HourlyRange(ctx context.Context, from, to time.Time, projectID int64) ([]*HourlyStat, error)

	// Close releases the underlying pool.
	Close()
}
