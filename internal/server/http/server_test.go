package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"plume/internal/auth"
	"plume/internal/domain/publishing"
	"plume/internal/governor"
	"plume/internal/infra/task"
)

type testEnv struct {
	server   *Server
	store    *task.MemoryStore
	adminKey string
	readKey  string
}

func newTestEnv(t *testing.T, withAuth bool) *testEnv {
	t.Helper()

	store := task.NewMemoryStore()
	deps := Deps{
		Store: store,
		Governor: governor.New(governor.Config{
			PerMinute: 10,
			PerDay:    100,
		}, nil),
	}

	env := &testEnv{store: store}
	if withAuth {
		authStore := auth.NewMemoryStore()
		svc := auth.NewService(authStore, nil)
		user := &auth.User{Username: "ops", Role: auth.RoleAdmin}
		if err := authStore.CreateUser(context.Background(), user); err != nil {
			t.Fatalf("create user: %v", err)
		}
		admin, err := svc.IssueKey(context.Background(), user.ID, []auth.Permission{auth.PermAdmin})
		if err != nil {
			t.Fatalf("issue admin key: %v", err)
		}
		reader, err := svc.IssueKey(context.Background(), user.ID, []auth.Permission{auth.PermRead})
		if err != nil {
			t.Fatalf("issue read key: %v", err)
		}
		deps.Auth = svc
		env.adminKey = admin.Plaintext
		env.readKey = reader.Plaintext
	}

	env.server = New(Config{WorkerCount: 2}, deps, nil)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(apiKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

func (e *testEnv) seedProject(t *testing.T) int64 {
	t.Helper()
	p := &publishing.Project{Name: "demo"}
	if err := e.store.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return p.ID
}

func TestAuthRejectsMissingAndUnknownKeys(t *testing.T) {
	env := newTestEnv(t, true)

	if rec := env.do(t, http.MethodGet, "/api/v1/tasks", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: got %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/tasks", "plume_bogus", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown key: got %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/tasks", env.adminKey, nil); rec.Code != http.StatusOK {
		t.Fatalf("admin key: got %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthEnforcesPermissions(t *testing.T) {
	env := newTestEnv(t, true)
	projectID := env.seedProject(t)

	if rec := env.do(t, http.MethodGet, "/api/v1/projects", env.readKey, nil); rec.Code != http.StatusOK {
		t.Fatalf("read with read key: got %d, want 200", rec.Code)
	}
	body := map[string]any{"project_id": projectID, "media_path": "clips/a.mp4"}
	if rec := env.do(t, http.MethodPost, "/api/v1/tasks", env.readKey, body); rec.Code != http.StatusForbidden {
		t.Fatalf("write with read key: got %d, want 403", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/tasks", env.adminKey, body); rec.Code != http.StatusCreated {
		t.Fatalf("write with admin key: got %d, want 201: %s", rec.Code, rec.Body.String())
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, false)
	projectID := env.seedProject(t)

	rec := env.do(t, http.MethodPost, "/api/v1/tasks", "", map[string]any{
		"project_id":   projectID,
		"media_path":   "clips/sunrise.mp4",
		"content_data": map[string]any{"title": "Sunrise", "media_kind": "video"},
		"priority":     3,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", rec.Code, rec.Body.String())
	}
	id := int64(decodeBody(t, rec)["id"].(float64))

	// Duplicate media path in the same project is a conflict, not a second row.
	rec = env.do(t, http.MethodPost, "/api/v1/tasks", "", map[string]any{
		"project_id": projectID,
		"media_path": "clips/sunrise.mp4",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create: got %d, want 409", rec.Code)
	}

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d", id), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["priority"].(float64); got != 3 {
		t.Fatalf("priority: got %v, want 3", got)
	}

	rec = env.do(t, http.MethodPatch, fmt.Sprintf("/api/v1/tasks/%d", id), "", map[string]any{"priority": 7})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["priority"].(float64); got != 7 {
		t.Fatalf("patched priority: got %v, want 7", got)
	}

	rec = env.do(t, http.MethodPatch, fmt.Sprintf("/api/v1/tasks/%d", id), "", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty patch: got %d, want 400", rec.Code)
	}

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/cancel", id), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: got %d: %s", rec.Code, rec.Body.String())
	}
	got, err := env.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get after cancel: %v", err)
	}
	if got.Status != publishing.StatusFailed {
		t.Fatalf("status after cancel: got %s, want failed", got.Status)
	}

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/tasks/%d/logs", id), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs: got %d", rec.Code)
	}
	logs := decodeBody(t, rec)["logs"].([]any)
	if len(logs) != 1 {
		t.Fatalf("log rows: got %d, want 1", len(logs))
	}
}

func TestExecuteNowPullsScheduleForward(t *testing.T) {
	env := newTestEnv(t, false)
	projectID := env.seedProject(t)

	future := time.Now().UTC().Add(48 * time.Hour)
	res, err := env.store.CreateTasks(context.Background(), []*publishing.Task{{
		ProjectID:   projectID,
		MediaPath:   "clips/later.mp4",
		ScheduledAt: future,
	}})
	if err != nil || res.Created != 1 {
		t.Fatalf("seed task: %v (created %d)", err, res.Created)
	}
	tasks, _, err := env.store.ListTasks(context.Background(), publishing.TaskFilter{ProjectID: projectID, Limit: 10})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("list seeded: %v (%d tasks)", err, len(tasks))
	}
	id := tasks[0].ID

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/tasks/%d/execute", id), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("execute: got %d: %s", rec.Code, rec.Body.String())
	}
	got, err := env.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.ScheduledAt.Before(future) {
		t.Fatalf("scheduled_at not pulled forward: %v", got.ScheduledAt)
	}
}

func TestBulkActionReportsPerTask(t *testing.T) {
	env := newTestEnv(t, false)
	projectID := env.seedProject(t)

	res, err := env.store.CreateTasks(context.Background(), []*publishing.Task{
		{ProjectID: projectID, MediaPath: "a.mp4"},
		{ProjectID: projectID, MediaPath: "b.mp4"},
	})
	if err != nil || res.Created != 2 {
		t.Fatalf("seed: %v (created %d)", err, res.Created)
	}
	tasks, _, err := env.store.ListTasks(context.Background(), publishing.TaskFilter{ProjectID: projectID, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/tasks/bulk", "", map[string]any{
		"ids":    []int64{tasks[0].ID, tasks[1].ID, 99999},
		"action": "cancel",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk: got %d: %s", rec.Code, rec.Body.String())
	}
	results := decodeBody(t, rec)["results"].([]any)
	if len(results) != 3 {
		t.Fatalf("results: got %d, want 3", len(results))
	}
	last := results[2].(map[string]any)
	if last["ok"].(bool) {
		t.Fatalf("missing task reported ok")
	}
	if last["error"] != "not_found" {
		t.Fatalf("missing task error: got %v, want not_found", last["error"])
	}
}

func TestStatusEndpoints(t *testing.T) {
	env := newTestEnv(t, false)
	projectID := env.seedProject(t)
	if _, err := env.store.CreateTasks(context.Background(), []*publishing.Task{
		{ProjectID: projectID, MediaPath: "a.mp4"},
		{ProjectID: projectID, MediaPath: "b.mp4"},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rec.Code)
	}
	health := decodeBody(t, rec)
	if health["db"] != "healthy" || health["workers"] != "healthy" {
		t.Fatalf("health: %v", health)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/status/scheduler", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("scheduler status: got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["backlog"].(float64); got != 2 {
		t.Fatalf("backlog: got %v, want 2", got)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/status/governor", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("governor status: got %d", rec.Code)
	}
	pressure := decodeBody(t, rec)
	if _, ok := pressure["minute"]; !ok {
		t.Fatalf("governor status missing minute fraction: %v", pressure)
	}
}

func TestGovernorStatusUnavailableWhenUnconfigured(t *testing.T) {
	env := newTestEnv(t, false)
	env.server.deps.Governor = nil

	rec := env.do(t, http.MethodGet, "/api/v1/status/governor", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503", rec.Code)
	}
}

func TestAnalyticsOverviewAggregatesBuckets(t *testing.T) {
	env := newTestEnv(t, false)
	projectID := env.seedProject(t)

	base := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	seed := []struct {
		logID int64
		hour  time.Time
		delta publishing.HourlyDelta
	}{
		{1, base.Add(9 * time.Hour), publishing.HourlyDelta{Successful: 1, DurationS: 2.0}},
		{2, base.Add(9 * time.Hour), publishing.HourlyDelta{Failed: 1, DurationS: 1.0}},
		{3, base.Add(12 * time.Hour), publishing.HourlyDelta{Successful: 1, DurationS: 3.0}},
	}
	for _, s := range seed {
		if err := seedBucket(env.store, t, s.logID, s.hour, projectID, s.delta); err != nil {
			t.Fatalf("seed bucket: %v", err)
		}
	}

	path := fmt.Sprintf("/api/v1/analytics/overview?from=%s&to=%s",
		base.Format(time.RFC3339), base.Add(24*time.Hour).Format(time.RFC3339))
	rec := env.do(t, http.MethodGet, path, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("overview: got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if got := body["successful_tasks"].(float64); got != 2 {
		t.Fatalf("successful: got %v, want 2", got)
	}
	if got := body["failed_tasks"].(float64); got != 1 {
		t.Fatalf("failed: got %v, want 1", got)
	}
	if got := body["total_duration_s"].(float64); got != 6.0 {
		t.Fatalf("duration: got %v, want 6", got)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/analytics/trends?from=bogus", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad range: got %d, want 400", rec.Code)
	}
}

func seedBucket(store *task.MemoryStore, t *testing.T, logID int64, hour time.Time, projectID int64, delta publishing.HourlyDelta) error {
	t.Helper()
	log := &publishing.Log{
		TaskID:      1,
		ProjectID:   projectID,
		Status:      publishing.LogSuccess,
		PublishedAt: hour,
	}
	if err := store.AppendLog(context.Background(), log); err != nil {
		return err
	}
	return store.ApplyRollup(context.Background(), log.ID, hour, projectID, delta)
}
