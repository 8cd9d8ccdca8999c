package task

import (
	"context"
	"testing"
	"time"

	"plume/internal/domain/publishing"
	apperrors "plume/internal/errors"
)

func newStoreWithProject(t *testing.T) (*MemoryStore, int64) {
	t.Helper()
	s := NewMemoryStore()
	p := &publishing.Project{OwnerID: 1, Name: "daily-cats"}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return s, p.ID
}

func TestCreateTasksDeduplicates(t *testing.T) {
	s, projectID := newStoreWithProject(t)
	ctx := context.Background()

	first := []*publishing.Task{
		{ProjectID: projectID, MediaPath: "cats/a.mp4"},
		{ProjectID: projectID, MediaPath: "cats/b.mp4"},
	}
	res, err := s.CreateTasks(ctx, first)
	if err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	if res.Created != 2 || res.Skipped != 0 {
		t.Fatalf("expected 2 created, got %+v", res)
	}

	// Re-scan producing the same paths plus one new must only add the new one.
	second := []*publishing.Task{
		{ProjectID: projectID, MediaPath: "cats/a.mp4"},
		{ProjectID: projectID, MediaPath: "cats/b.mp4"},
		{ProjectID: projectID, MediaPath: "cats/c.mp4"},
	}
	res, err = s.CreateTasks(ctx, second)
	if err != nil {
		t.Fatalf("create tasks again: %v", err)
	}
	if res.Created != 1 || res.Skipped != 2 {
		t.Fatalf("expected 1 created 2 skipped, got %+v", res)
	}

	_, total, err := s.ListTasks(ctx, publishing.TaskFilter{ProjectID: projectID})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 tasks total, got %d", total)
	}
}

func TestClaimDueTasksOrderAndLease(t *testing.T) {
	s, projectID := newStoreWithProject(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	tasks := []*publishing.Task{
		{ProjectID: projectID, MediaPath: "low-early.mp4", Priority: 0, ScheduledAt: now.Add(-2 * time.Hour)},
		{ProjectID: projectID, MediaPath: "high-late.mp4", Priority: 5, ScheduledAt: now.Add(-time.Hour)},
		{ProjectID: projectID, MediaPath: "high-early.mp4", Priority: 5, ScheduledAt: now.Add(-2 * time.Hour)},
		{ProjectID: projectID, MediaPath: "future.mp4", Priority: 9, ScheduledAt: now.Add(time.Hour)},
	}
	if _, err := s.CreateTasks(ctx, tasks); err != nil {
		t.Fatalf("create tasks: %v", err)
	}

	claimed, err := s.ClaimDueTasks(ctx, "worker-1", 0, now, 2, 10*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(claimed))
	}
	if claimed[0].MediaPath != "high-early.mp4" || claimed[1].MediaPath != "high-late.mp4" {
		t.Fatalf("wrong claim order: %s, %s", claimed[0].MediaPath, claimed[1].MediaPath)
	}
	for _, c := range claimed {
		if c.Status != publishing.StatusRunning {
			t.Fatalf("claimed task %d not running: %s", c.ID, c.Status)
		}
		if c.ClaimedBy != "worker-1" {
			t.Fatalf("claimed task %d has claimer %q", c.ID, c.ClaimedBy)
		}
		if c.Version != 2 {
			t.Fatalf("claimed task %d version = %d, want 2", c.ID, c.Version)
		}
		if c.LeaseExpiresAt == nil || !c.LeaseExpiresAt.Equal(now.Add(10*time.Minute)) {
			t.Fatalf("claimed task %d has wrong lease: %v", c.ID, c.LeaseExpiresAt)
		}
	}

	// A second claim must not re-claim running tasks; only the low-priority
	// due task remains.
	claimed, err = s.ClaimDueTasks(ctx, "worker-2", 0, now, 5, 10*time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].MediaPath != "low-early.mp4" {
		t.Fatalf("second claim should see only low-early, got %d tasks", len(claimed))
	}
}

func TestClaimDueTasksProjectFilter(t *testing.T) {
	s, projectID := newStoreWithProject(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	other := &publishing.Project{OwnerID: 1, Name: "weekly-dogs"}
	if err := s.CreateProject(ctx, other); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := s.CreateTasks(ctx, []*publishing.Task{
		{ProjectID: projectID, MediaPath: "cats/a.mp4", Priority: 9, ScheduledAt: now.Add(-time.Hour)},
		{ProjectID: other.ID, MediaPath: "dogs/a.mp4", ScheduledAt: now.Add(-time.Hour)},
	}); err != nil {
		t.Fatalf("create tasks: %v", err)
	}

	claimed, err := s.ClaimDueTasks(ctx, "w", other.ID, now, 5, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ProjectID != other.ID {
		t.Fatalf("expected only the dogs task, got %d claimed", len(claimed))
	}
}

func TestUpdateTaskRejectsClaimedTask(t *testing.T) {
	s, projectID := newStoreWithProject(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.CreateTasks(ctx, []*publishing.Task{
		{ProjectID: projectID, MediaPath: "a.mp4", ScheduledAt: now.Add(-time.Minute)},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, err := s.ClaimDueTasks(ctx, "w", 0, now, 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	// An operator patch while the worker holds the claim must not move the
	// version under the completion.
	later := now.Add(time.Hour)
	if _, err := s.UpdateTask(ctx, claimed[0].ID, publishing.TaskPatch{ScheduledAt: &later}); !apperrors.IsConflict(err) {
		t.Fatalf("patch on running task: %v, want conflict", err)
	}

	err = s.CompleteTask(ctx, claimed[0].ID, claimed[0].Version, publishing.Outcome{Kind: publishing.OutcomeSuccess})
	if err != nil {
		t.Fatalf("complete after rejected patch: %v", err)
	}
	got, err := s.GetTask(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != publishing.StatusSuccess {
		t.Fatalf("status = %s, want success", got.Status)
	}
}

func TestCompleteTaskSuccess(t *testing.T) {
	s, projectID := newStoreWithProject(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.CreateTasks(ctx, []*publishing.Task{
		{ProjectID: projectID, MediaPath: "a.mp4", ScheduledAt: now.Add(-time.Minute)},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, err := s.ClaimDueTasks(ctx, "w", 0, now, 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	err = s.CompleteTask(ctx, claimed[0].ID, claimed[0].Version, publishing.Outcome{Kind: publishing.OutcomeSuccess})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.GetTask(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != publishing.StatusSuccess {
		t.Fatalf("status = %s, want success", got.Status)
	}
	if got.ClaimedBy != "" || got.LeaseExpiresAt != nil {
		t.Fatalf("lease not released: %q %v", got.ClaimedBy, got.LeaseExpiresAt)
	}
}

func TestCompleteTaskVersionConflict(t *testing.T) {
	s, projectID := newStoreWithProject(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.CreateTasks(ctx, []*publishing.Task{
		{ProjectID: projectID, MediaPath: "a.mp4", ScheduledAt: now.Add(-time.Minute)},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, err := s.ClaimDueTasks(ctx, "w", 0, now, 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	err = s.CompleteTask(ctx, claimed[0].ID, claimed[0].Version-1, publishing.Outcome{Kind: publishing.OutcomeSuccess})
	if apperrors.Classify(err) != apperrors.KindConflict {
		t.Fatalf("expected conflict on stale version, got %v", err)
	}

	// The correct version still applies afterwards.
	if err := s.CompleteTask(ctx, claimed[0].ID, claimed[0].Version, publishing.Outcome{Kind: publishing.OutcomeSuccess}); err != nil {
		t.Fatalf("complete with correct version: %v", err)
	}
	// And a second completion conflicts; the task already moved.
	err = s.CompleteTask(ctx, claimed[0].ID, claimed[0].Version, publishing.Outcome{Kind: publishing.OutcomeSuccess})
	if apperrors.Classify(err) != apperrors.KindConflict {
		t.Fatalf("expected conflict on double completion, got %v", err)
	}
}

func TestCompleteTaskTransientRetriesThenFails(t *testing.T) {
	s, projectID := newStoreWithProject(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.CreateTasks(ctx, []*publishing.Task{
		{ProjectID: projectID, MediaPath: "a.mp4", ScheduledAt: now.Add(-time.Minute)},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	const maxRetries = 2
	for attempt := 0; attempt <= maxRetries; attempt++ {
		claimed, err := s.ClaimDueTasks(ctx, "w", 0, now.Add(time.Duration(attempt)*time.Hour), 1, time.Minute)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("attempt %d claim: %v (%d)", attempt, err, len(claimed))
		}
		outcome := publishing.Outcome{
			Kind:       publishing.OutcomeTransient,
			RetryAt:    now.Add(time.Duration(attempt) * time.Hour),
			MaxRetries: maxRetries,
			ErrorText:  "connection reset",
		}
		if err := s.CompleteTask(ctx, claimed[0].ID, claimed[0].Version, outcome); err != nil {
			t.Fatalf("attempt %d complete: %v", attempt, err)
		}

		got, err := s.GetTask(ctx, claimed[0].ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.RetryCount != attempt+1 {
			t.Fatalf("attempt %d: retry_count = %d, want %d", attempt, got.RetryCount, attempt+1)
		}
		if attempt < maxRetries {
			if got.Status != publishing.StatusPending {
				t.Fatalf("attempt %d: status = %s, want pending", attempt, got.Status)
			}
		} else {
			// retry_count now exceeds max_retries; terminally failed.
			if got.Status != publishing.StatusFailed {
				t.Fatalf("final attempt: status = %s, want failed", got.Status)
			}
		}
	}
}

func TestCompleteTaskQuotaReschedules(t *testing.T) {
	s, projectID := newStoreWithProject(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)

	if _, err := s.CreateTasks(ctx, []*publishing.Task{
		{ProjectID: projectID, MediaPath: "a.mp4", ScheduledAt: now.Add(-time.Minute)},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, err := s.ClaimDueTasks(ctx, "w", 0, now, 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	cooldownEnd := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	err = s.CompleteTask(ctx, claimed[0].ID, claimed[0].Version, publishing.Outcome{
		Kind:       publishing.OutcomeQuota,
		RetryAt:    cooldownEnd,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.GetTask(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != publishing.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if !got.ScheduledAt.Equal(cooldownEnd) {
		t.Fatalf("scheduled_at = %v, want %v", got.ScheduledAt, cooldownEnd)
	}
}

func TestRescheduleTaskOptimistic(t *testing.T) {
	s, projectID := newStoreWithProject(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.CreateTasks(ctx, []*publishing.Task{
		{ProjectID: projectID, MediaPath: "a.mp4", ScheduledAt: now},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	tasks, _, err := s.ListTasks(ctx, publishing.TaskFilter{ProjectID: projectID})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("list: %v", err)
	}
	task := tasks[0]

	target := now.Add(3 * time.Hour)
	if err := s.RescheduleTask(ctx, task.ID, task.Version, target); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	// The same version again must conflict.
	err = s.RescheduleTask(ctx, task.ID, task.Version, target.Add(time.Hour))
	if apperrors.Classify(err) != apperrors.KindConflict {
		t.Fatalf("expected conflict on stale reschedule, got %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ScheduledAt.Equal(target) {
		t.Fatalf("scheduled_at = %v, want %v", got.ScheduledAt, target)
	}
}

func TestRecoverStaleClaims(t *testing.T) {
	s, projectID := newStoreWithProject(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	if _, err := s.CreateTasks(ctx, []*publishing.Task{
		{ProjectID: projectID, MediaPath: "expired.mp4", ScheduledAt: now.Add(-time.Hour)},
		{ProjectID: projectID, MediaPath: "alive.mp4", ScheduledAt: now.Add(-time.Hour)},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, err := s.ClaimDueTasks(ctx, "w", 0, now.Add(-30*time.Minute), 2, 30*time.Minute)
	if err != nil || len(claimed) != 2 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	// Extend one lease so only the other expires. The expired lease ends
	// exactly at now, which counts as expired.
	future := now.Add(time.Hour)
	alive := claimed[1]
	s.mu.Lock()
	s.tasks[alive.ID].LeaseExpiresAt = &future
	s.mu.Unlock()

	recovered, err := s.RecoverStaleClaims(ctx, now)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	expired, err := s.GetTask(ctx, claimed[0].ID)
	if err != nil {
		t.Fatalf("get expired: %v", err)
	}
	if expired.Status != publishing.StatusPending {
		t.Fatalf("expired task status = %s, want pending", expired.Status)
	}
	if expired.RetryCount != 1 {
		t.Fatalf("expired task retry_count = %d, want 1", expired.RetryCount)
	}
	logs, err := s.ListLogs(ctx, expired.ID)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected one lease_expired log, got %d (%v)", len(logs), err)
	}
	if logs[0].Status != publishing.LogLeaseExpired {
		t.Fatalf("log status = %s, want lease_expired", logs[0].Status)
	}

	still, err := s.GetTask(ctx, alive.ID)
	if err != nil {
		t.Fatalf("get alive: %v", err)
	}
	if still.Status != publishing.StatusRunning {
		t.Fatalf("alive task status = %s, want running", still.Status)
	}
}

func TestCancelTask(t *testing.T) {
	s, projectID := newStoreWithProject(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.CreateTasks(ctx, []*publishing.Task{
		{ProjectID: projectID, MediaPath: "a.mp4", ScheduledAt: now},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	tasks, _, _ := s.ListTasks(ctx, publishing.TaskFilter{ProjectID: projectID})
	id := tasks[0].ID

	if err := s.CancelTask(ctx, id, "operator request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := s.GetTask(ctx, id)
	if got.Status != publishing.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	logs, _ := s.ListLogs(ctx, id)
	if len(logs) != 1 || logs[0].ErrorText != "cancelled: operator request" {
		t.Fatalf("unexpected cancel log: %+v", logs)
	}

	// Terminal tasks cannot be cancelled again.
	err := s.CancelTask(ctx, id, "again")
	if apperrors.Classify(err) != apperrors.KindNotFound {
		t.Fatalf("expected not found for terminal cancel, got %v", err)
	}
}

func TestApplyRollupIdempotent(t *testing.T) {
	s, projectID := newStoreWithProject(t)
	ctx := context.Background()
	published := time.Date(2026, 3, 2, 14, 25, 0, 0, time.UTC)

	if _, err := s.CreateTasks(ctx, []*publishing.Task{
		{ProjectID: projectID, MediaPath: "a.mp4", ScheduledAt: published},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	tasks, _, _ := s.ListTasks(ctx, publishing.TaskFilter{ProjectID: projectID})
	log := &publishing.Log{
		TaskID:      tasks[0].ID,
		ProjectID:   projectID,
		Status:      publishing.LogSuccess,
		DurationS:   2.5,
		PublishedAt: published,
	}
	if err := s.AppendLog(ctx, log); err != nil {
		t.Fatalf("append log: %v", err)
	}

	hour := publishing.HourOf(published)
	delta := publishing.HourlyDelta{Successful: 1, DurationS: 2.5}
	for i := 0; i < 3; i++ {
		if err := s.ApplyRollup(ctx, log.ID, hour, projectID, delta); err != nil {
			t.Fatalf("apply rollup %d: %v", i, err)
		}
	}

	stats, err := s.HourlyRange(ctx, hour, hour.Add(time.Hour), projectID)
	if err != nil {
		t.Fatalf("hourly range: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected one bucket, got %d", len(stats))
	}
	if stats[0].SuccessfulTasks != 1 || stats[0].TotalDurationS != 2.5 {
		t.Fatalf("bucket double-counted: %+v", stats[0])
	}

	unrolled, err := s.ListUnrolledLogs(ctx, 100)
	if err != nil {
		t.Fatalf("list unrolled: %v", err)
	}
	if len(unrolled) != 0 {
		t.Fatalf("expected no unrolled logs, got %d", len(unrolled))
	}
}

func TestListPendingForPlanningOrder(t *testing.T) {
	s, projectID := newStoreWithProject(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := s.CreateTasks(ctx, []*publishing.Task{
		{ProjectID: projectID, MediaPath: "low.mp4", Priority: 1, ScheduledAt: now},
		{ProjectID: projectID, MediaPath: "high-b.mp4", Priority: 5, ScheduledAt: now},
		{ProjectID: projectID, MediaPath: "high-a.mp4", Priority: 5, ScheduledAt: now},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, err := s.ListPendingForPlanning(ctx, projectID, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	// Same priority and created_at ties break by id, so insertion order
	// within the high-priority pair is preserved.
	if pending[0].MediaPath != "high-b.mp4" || pending[1].MediaPath != "high-a.mp4" || pending[2].MediaPath != "low.mp4" {
		t.Fatalf("wrong planning order: %s, %s, %s",
			pending[0].MediaPath, pending[1].MediaPath, pending[2].MediaPath)
	}
}
