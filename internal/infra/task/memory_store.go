package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"plume/internal/domain/publishing"
	apperrors "plume/internal/errors"
)

// MemoryStore implements publishing.Store entirely in memory. All operations
// serialize under one mutex, which gives the same at-most-one-claim guarantee
// the Postgres adapter gets from FOR UPDATE SKIP LOCKED. Used by tests and
// by runs without a configured database.
type MemoryStore struct {
	mu sync.Mutex

	nextProjectID int64
	nextSourceID  int64
	nextTaskID    int64
	nextLogID     int64

	projects map[int64]*publishing.Project
	sources  map[int64]*publishing.Source
	tasks    map[int64]*publishing.Task
	logs     []*publishing.Log
	hourly   map[string]*publishing.HourlyStat
}

var _ publishing.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[int64]*publishing.Project),
		sources:  make(map[int64]*publishing.Source),
		tasks:    make(map[int64]*publishing.Task),
		hourly:   make(map[string]*publishing.HourlyStat),
	}
}

// EnsureSchema is a no-op for the memory store.
func (s *MemoryStore) EnsureSchema(ctx context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() {}

func (s *MemoryStore) CreateProject(ctx context.Context, p *publishing.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.projects {
		if existing.OwnerID == p.OwnerID && existing.Name == p.Name {
			return apperrors.NewConflict(fmt.Errorf("project %q already exists for owner %d", p.Name, p.OwnerID))
		}
	}
	s.nextProjectID++
	p.ID = s.nextProjectID
	p.CreatedAt = time.Now().UTC()
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id int64) (*publishing.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, apperrors.NewNotFound("project", fmt.Sprint(id))
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetProjectByName(ctx context.Context, ownerID int64, name string) (*publishing.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.projects {
		if p.OwnerID == ownerID && p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperrors.NewNotFound("project", name)
}

func (s *MemoryStore) ListProjects(ctx context.Context) ([]*publishing.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*publishing.Project, 0, len(s.projects))
	for _, p := range s.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteProject(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return apperrors.NewNotFound("project", fmt.Sprint(id))
	}
	delete(s.projects, id)
	for sid, src := range s.sources {
		if src.ProjectID == id {
			delete(s.sources, sid)
		}
	}
	for tid, t := range s.tasks {
		if t.ProjectID == id {
			delete(s.tasks, tid)
		}
	}
	kept := s.logs[:0]
	for _, l := range s.logs {
		if l.ProjectID != id {
			kept = append(kept, l)
		}
	}
	s.logs = kept
	return nil
}

func (s *MemoryStore) CreateSource(ctx context.Context, src *publishing.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[src.ProjectID]; !ok {
		return apperrors.NewNotFound("project", fmt.Sprint(src.ProjectID))
	}
	s.nextSourceID++
	src.ID = s.nextSourceID
	src.CreatedAt = time.Now().UTC()
	cp := *src
	s.sources[src.ID] = &cp
	return nil
}

func (s *MemoryStore) ListSources(ctx context.Context, projectID int64) ([]*publishing.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*publishing.Source
	for _, src := range s.sources {
		if src.ProjectID == projectID {
			cp := *src
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateSourceScan(ctx context.Context, sourceID int64, totalItems, usedItems int, scannedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[sourceID]
	if !ok {
		return apperrors.NewNotFound("source", fmt.Sprint(sourceID))
	}
	src.TotalItems = totalItems
	src.UsedItems = usedItems
	at := scannedAt.UTC()
	src.LastScanned = &at
	return nil
}

func (s *MemoryStore) CreateTasks(ctx context.Context, tasks []*publishing.Task) (publishing.CreateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result publishing.CreateResult
	now := time.Now().UTC()
	for _, t := range tasks {
		if t.MediaPath == "" {
			return publishing.CreateResult{}, apperrors.NewInvalidInput("media_path", "empty")
		}
		if s.taskByKeyLocked(t.ProjectID, t.MediaPath) != nil {
			result.Skipped++
			continue
		}
		s.nextTaskID++
		cp := *t
		cp.ID = s.nextTaskID
		cp.Status = publishing.StatusPending
		if cp.ScheduledAt.IsZero() {
			cp.ScheduledAt = now
		}
		cp.Version = 1
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.tasks[cp.ID] = &cp
		t.ID = cp.ID
		result.Created++
	}
	return result, nil
}

func (s *MemoryStore) taskByKeyLocked(projectID int64, mediaPath string) *publishing.Task {
	for _, t := range s.tasks {
		if t.ProjectID == projectID && t.MediaPath == mediaPath {
			return t
		}
	}
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id int64) (*publishing.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NewNotFound("task", fmt.Sprint(id))
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, filter publishing.TaskFilter) ([]*publishing.Task, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*publishing.Task
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.ProjectID != 0 && t.ProjectID != filter.ProjectID {
			continue
		}
		cp := *t
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].ScheduledAt.Equal(matched[j].ScheduledAt) {
			return matched[i].ScheduledAt.Before(matched[j].ScheduledAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) ListPendingForPlanning(ctx context.Context, projectID int64, limit int) ([]*publishing.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 500
	}
	var pending []*publishing.Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID && t.Status == publishing.StatusPending {
			cp := *t
			pending = append(pending, &cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *MemoryStore) LastScheduledAt(ctx context.Context, projectID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest time.Time
	found := false
	for _, t := range s.tasks {
		if t.ProjectID != projectID {
			continue
		}
		if t.Status != publishing.StatusRunning && t.Status != publishing.StatusSuccess {
			continue
		}
		if !found || t.ScheduledAt.After(latest) {
			latest = t.ScheduledAt
			found = true
		}
	}
	return latest, found, nil
}

func (s *MemoryStore) ClaimDueTasks(ctx context.Context, workerID string, projectID int64, now time.Time, limit int, leaseTTL time.Duration) ([]*publishing.Task, error) {
	if workerID == "" {
		return nil, apperrors.NewInvalidInput("worker_id", "empty")
	}
	if limit <= 0 {
		limit = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now = now.UTC()
	var due []*publishing.Task
	for _, t := range s.tasks {
		if t.Status != publishing.StatusPending || t.ScheduledAt.After(now) {
			continue
		}
		if projectID != 0 && t.ProjectID != projectID {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		if !due[i].ScheduledAt.Equal(due[j].ScheduledAt) {
			return due[i].ScheduledAt.Before(due[j].ScheduledAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	lease := now.Add(leaseTTL)
	claimed := make([]*publishing.Task, 0, len(due))
	for _, t := range due {
		t.Status = publishing.StatusRunning
		t.Version++
		t.ClaimedBy = workerID
		leaseCopy := lease
		t.LeaseExpiresAt = &leaseCopy
		t.UpdatedAt = now
		cp := *t
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (s *MemoryStore) CompleteTask(ctx context.Context, taskID, expectedVersion int64, outcome publishing.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Version != expectedVersion || t.Status != publishing.StatusRunning {
		return apperrors.NewConflict(fmt.Errorf("task %d: version %d has moved", taskID, expectedVersion))
	}

	now := time.Now().UTC()
	switch outcome.Kind {
	case publishing.OutcomeSuccess:
		t.Status = publishing.StatusSuccess
	case publishing.OutcomeTransient, publishing.OutcomeQuota:
		t.RetryCount++
		if t.RetryCount > outcome.MaxRetries {
			t.Status = publishing.StatusFailed
		} else {
			t.Status = publishing.StatusPending
			retryAt := outcome.RetryAt
			if retryAt.IsZero() {
				retryAt = now
			}
			t.ScheduledAt = retryAt.UTC()
		}
	case publishing.OutcomePermanent:
		t.Status = publishing.StatusFailed
	default:
		return apperrors.NewInvalidInput("outcome", fmt.Sprintf("unknown kind %d", outcome.Kind))
	}
	t.Version++
	t.ClaimedBy = ""
	t.LeaseExpiresAt = nil
	t.UpdatedAt = now
	return nil
}

func (s *MemoryStore) RescheduleTask(ctx context.Context, taskID, expectedVersion int64, newScheduledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok || t.Version != expectedVersion || t.Status != publishing.StatusPending {
		return apperrors.NewConflict(fmt.Errorf("task %d: version %d has moved", taskID, expectedVersion))
	}
	t.ScheduledAt = newScheduledAt.UTC()
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, taskID int64, patch publishing.TaskPatch) (*publishing.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, apperrors.NewNotFound("task", fmt.Sprint(taskID))
	}
	if t.Status != publishing.StatusPending {
		// Patching a claimed or terminal task would bump the version under
		// the worker and invalidate its completion.
		return nil, apperrors.NewConflict(fmt.Errorf("task %d: status %s is not patchable", taskID, t.Status))
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.ScheduledAt != nil {
		t.ScheduledAt = patch.ScheduledAt.UTC()
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) DeleteTask(ctx context.Context, taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return apperrors.NewNotFound("task", fmt.Sprint(taskID))
	}
	delete(s.tasks, taskID)
	kept := s.logs[:0]
	for _, l := range s.logs {
		if l.TaskID != taskID {
			kept = append(kept, l)
		}
	}
	s.logs = kept
	return nil
}

func (s *MemoryStore) CancelTask(ctx context.Context, taskID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if reason == "" {
		reason = "cancelled"
	}
	t, ok := s.tasks[taskID]
	if !ok || t.Status.IsTerminal() {
		return apperrors.NewNotFound("cancellable task", fmt.Sprint(taskID))
	}
	now := time.Now().UTC()
	t.Status = publishing.StatusFailed
	t.Version++
	t.ClaimedBy = ""
	t.LeaseExpiresAt = nil
	t.UpdatedAt = now
	s.appendLogLocked(&publishing.Log{
		TaskID:      taskID,
		ProjectID:   t.ProjectID,
		Status:      publishing.LogPermanent,
		ErrorText:   "cancelled: " + reason,
		PublishedAt: now,
	})
	return nil
}

func (s *MemoryStore) RecoverStaleClaims(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now = now.UTC()
	recovered := 0
	for _, t := range s.tasks {
		if t.Status != publishing.StatusRunning || t.LeaseExpiresAt == nil {
			continue
		}
		if t.LeaseExpiresAt.After(now) {
			continue
		}
		t.Status = publishing.StatusPending
		t.RetryCount++
		t.Version++
		t.ClaimedBy = ""
		t.LeaseExpiresAt = nil
		t.UpdatedAt = now
		s.appendLogLocked(&publishing.Log{
			TaskID:      t.ID,
			ProjectID:   t.ProjectID,
			Status:      publishing.LogLeaseExpired,
			ErrorText:   "claim lease expired",
			PublishedAt: now,
		})
		recovered++
	}
	return recovered, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[publishing.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[publishing.Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, log *publishing.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if log.PublishedAt.IsZero() {
		log.PublishedAt = time.Now().UTC()
	}
	s.appendLogLocked(log)
	return nil
}

func (s *MemoryStore) appendLogLocked(log *publishing.Log) {
	s.nextLogID++
	log.ID = s.nextLogID
	cp := *log
	s.logs = append(s.logs, &cp)
}

func (s *MemoryStore) ListLogs(ctx context.Context, taskID int64) ([]*publishing.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*publishing.Log
	for _, l := range s.logs {
		if l.TaskID == taskID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUnrolledLogs(ctx context.Context, limit int) ([]*publishing.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 500
	}
	var out []*publishing.Log
	for _, l := range s.logs {
		if !l.RolledUp {
			cp := *l
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) ApplyRollup(ctx context.Context, logID int64, hour time.Time, projectID int64, delta publishing.HourlyDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *publishing.Log
	for _, l := range s.logs {
		if l.ID == logID {
			target = l
			break
		}
	}
	if target == nil || target.RolledUp {
		return nil
	}
	target.RolledUp = true

	key := hourlyKey(hour, projectID)
	stat, ok := s.hourly[key]
	if !ok {
		stat = &publishing.HourlyStat{Hour: hour.UTC(), ProjectID: projectID}
		s.hourly[key] = stat
	}
	stat.SuccessfulTasks += delta.Successful
	stat.FailedTasks += delta.Failed
	stat.TotalDurationS += delta.DurationS
	return nil
}

func (s *MemoryStore) HourlyRange(ctx context.Context, from, to time.Time, projectID int64) ([]*publishing.HourlyStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*publishing.HourlyStat
	for _, st := range s.hourly {
		if st.Hour.Before(from.UTC()) || !st.Hour.Before(to.UTC()) {
			continue
		}
		if projectID != 0 && st.ProjectID != projectID {
			continue
		}
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Hour.Equal(out[j].Hour) {
			return out[i].Hour.Before(out[j].Hour)
		}
		return out[i].ProjectID < out[j].ProjectID
	})
	return out, nil
}

func hourlyKey(hour time.Time, projectID int64) string {
	return strings.Join([]string{hour.UTC().Format(time.RFC3339), fmt.Sprint(projectID)}, "|")
}
