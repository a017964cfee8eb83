package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"schedflow/internal/domain"
	"schedflow/internal/lifecycle"
	"schedflow/internal/worker"
)

const testToken = "s3cret"

type fakeService struct {
	mu      sync.Mutex
	tasks   map[string]domain.Task
	order   []string
	lastF   domain.Filter
	pingErr error
}

func newFakeService() *fakeService { return &fakeService{tasks: map[string]domain.Task{}} }

func (f *fakeService) Create(_ context.Context, req lifecycle.CreateRequest) (domain.Task, error) {
	if err := req.Validate(); err != nil {
		return domain.Task{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	t := domain.Task{
		ID: fmt.Sprintf("tsk_%d", len(f.order)+1), OwnerID: req.OwnerID, Target: req.Target,
		TaskType: req.TaskType, TriggerAt: req.TriggerAt, Payload: req.Payload, Credentials: req.Credentials,
		Status: domain.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	f.tasks[t.ID] = t
	f.order = append(f.order, t.ID)
	return t, nil
}

func (f *fakeService) Get(_ context.Context, id string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeService) List(_ context.Context, flt domain.Filter) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastF = flt
	var out []domain.Task
	for _, id := range f.order {
		if t, ok := f.tasks[id]; ok && (flt.OwnerID == "" || t.OwnerID == flt.OwnerID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeService) Cancel(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !t.Status.Active() {
		return false, nil
	}
	t.Status = domain.StatusCancelled
	f.tasks[id] = t
	return true, nil
}

func (f *fakeService) Purge(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status.Active() {
		return fmt.Errorf("%w: active", domain.ErrConflict)
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeService) Attempts(_ context.Context, id string) ([]domain.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	var out []domain.Attempt
	for i := 1; i <= t.Attempts; i++ {
		out = append(out, domain.Attempt{Number: i, Recovery: i > 1, StartedAt: t.CreatedAt})
	}
	return out, nil
}

func (f *fakeService) Stats(context.Context) (lifecycle.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := map[domain.Status]int{}
	for _, t := range f.tasks {
		counts[t.Status]++
	}
	return lifecycle.Stats{Tasks: counts, PendingTriggers: 2, Pool: worker.Stats{Workers: 8, Executed: 5}}, nil
}

func (f *fakeService) Ping(context.Context) error { return f.pingErr }

func newTestServer(svc TaskService) http.Handler {
	lg := zerolog.Nop()
	return NewServer(svc, Options{Token: testToken, Logger: &lg})
}

func do(t *testing.T, h http.Handler, method, path, body string, auth string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	if strings.HasPrefix(rec.Header().Get("content-type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, env
}

const createBody = `{
  "owner_id": "user-1",
  "target": {"platform": "email", "account_id": "acct-1"},
  "trigger_at": "2026-05-01T10:00:00Z",
  "payload": {"endpoint": "/send", "body": {"x": 1}},
  "credentials": {"api_key": "k"}
}`

func TestBearerAuth(t *testing.T) {
	h := newTestServer(newFakeService())
	tests := []struct {
		name string
		auth string
		code int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"blank header", "   ", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"scheme only", "Bearer", http.StatusUnauthorized},
		{"too many parts", "Bearer a b", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusForbidden},
		{"valid token", "Bearer " + testToken, http.StatusOK},
		{"case-insensitive scheme", "bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, h, http.MethodGet, "/api/v1/tasks", "", tt.auth)
			if rec.Code != tt.code {
				t.Fatalf("code=%d, want %d (body %s)", rec.Code, tt.code, rec.Body.String())
			}
			if tt.code != http.StatusOK && (env.Success || rec.Header().Get("WWW-Authenticate") != "Bearer") {
				t.Fatalf("env=%+v www-auth=%q", env, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestEmptyConfiguredTokenRejectsEverything(t *testing.T) {
	lg := zerolog.Nop()
	h := NewServer(newFakeService(), Options{Logger: &lg})
	if rec, _ := do(t, h, http.MethodGet, "/api/v1/tasks", "", "Bearer anything"); rec.Code != http.StatusForbidden {
		t.Fatalf("code=%d, want 403", rec.Code)
	}
}

func TestCreateGetListRoundTrip(t *testing.T) {
	svc := newFakeService()
	h := newTestServer(svc)
	auth := "Bearer " + testToken

	rec, env := do(t, h, http.MethodPost, "/api/v1/tasks", createBody, auth)
	if rec.Code != http.StatusCreated || !env.Success {
		t.Fatalf("create code=%d env=%+v", rec.Code, env)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/v1/tasks/tsk_1", "", auth)
	var got struct {
		Data taskView `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	v := got.Data
	if v.ID != "tsk_1" || v.Status != domain.StatusPending || v.Target.Platform != "email" {
		t.Fatalf("task = %+v", v)
	}
	if v.Payload.Endpoint != "/send" || string(v.Payload.Body) != `{"x":1}` || string(v.Credentials) != `{"api_key":"k"}` {
		t.Fatalf("payload=%+v credentials=%s", v.Payload, v.Credentials)
	}
	if !v.TriggerAt.Equal(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)) || (len(v.Result) != 0 && string(v.Result) != "null") {
		t.Fatalf("trigger_at=%v result=%s", v.TriggerAt, v.Result)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/v1/tasks?owner_id=user-1&status=pending&platform=email&limit=5", "", auth)
	var list struct {
		Data taskList `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Data.Total != 1 || len(list.Data.Tasks) != 1 {
		t.Fatalf("list = %+v", list.Data)
	}
	want := domain.Filter{OwnerID: "user-1", Status: domain.StatusPending, Platform: "email", Limit: 5}
	if svc.lastF != want {
		t.Fatalf("filter = %+v, want %+v", svc.lastF, want)
	}
}

func TestListEmptyIsArray(t *testing.T) {
	h := newTestServer(newFakeService())
	rec, _ := do(t, h, http.MethodGet, "/api/v1/tasks", "", "Bearer "+testToken)
	if !strings.Contains(rec.Body.String(), `"tasks":[]`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	svc := newFakeService()
	h := newTestServer(svc)
	auth := "Bearer " + testToken
	if rec, _ := do(t, h, http.MethodPost, "/api/v1/tasks", createBody, auth); rec.Code != http.StatusCreated {
		t.Fatalf("seed create code=%d", rec.Code)
	}

	tests := []struct {
		name, method, path, body string
		code                     int
		errCode                  string
	}{
		{"malformed json", http.MethodPost, "/api/v1/tasks", `{"owner_id":`, 400, "validation_error"},
		{"bad trigger time", http.MethodPost, "/api/v1/tasks", `{"trigger_at":"tomorrow"}`, 400, "validation_error"},
		{"missing owner", http.MethodPost, "/api/v1/tasks", `{"target":{"platform":"email","account_id":"a"}}`, 400, "validation_error"},
		{"bad status filter", http.MethodGet, "/api/v1/tasks?status=done", "", 400, "validation_error"},
		{"bad platform filter", http.MethodGet, "/api/v1/tasks?platform=myspace", "", 400, "validation_error"},
		{"bad limit", http.MethodGet, "/api/v1/tasks?limit=-1", "", 400, "validation_error"},
		{"get unknown", http.MethodGet, "/api/v1/tasks/tsk_x", "", 404, "not_found"},
		{"cancel unknown", http.MethodDelete, "/api/v1/tasks/tsk_x", "", 404, "not_found"},
		{"purge active", http.MethodDelete, "/api/v1/tasks/tsk_1?purge=true", "", 409, "conflict"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, h, tt.method, tt.path, tt.body, auth)
			if rec.Code != tt.code || env.ErrorCode != tt.errCode || env.Success {
				t.Fatalf("code=%d env=%+v, want %d %s", rec.Code, env, tt.code, tt.errCode)
			}
		})
	}
}

func TestCancelThenPurge(t *testing.T) {
	h := newTestServer(newFakeService())
	auth := "Bearer " + testToken
	do(t, h, http.MethodPost, "/api/v1/tasks", createBody, auth)

	rec, env := do(t, h, http.MethodDelete, "/api/v1/tasks/tsk_1", "", auth)
	if rec.Code != http.StatusOK || !env.Success || env.Message != "Task cancelled." {
		t.Fatalf("cancel code=%d env=%+v", rec.Code, env)
	}
	rec, env = do(t, h, http.MethodDelete, "/api/v1/tasks/tsk_1", "", auth)
	if rec.Code != http.StatusOK || !strings.Contains(env.Message, "already finished") {
		t.Fatalf("second cancel code=%d env=%+v", rec.Code, env)
	}
	rec, _ = do(t, h, http.MethodDelete, "/api/v1/tasks/tsk_1?purge=true", "", auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("purge code=%d", rec.Code)
	}
	if rec, _ = do(t, h, http.MethodGet, "/api/v1/tasks/tsk_1", "", auth); rec.Code != http.StatusNotFound {
		t.Fatalf("get after purge code=%d", rec.Code)
	}
}

func TestListAttempts(t *testing.T) {
	svc := newFakeService()
	h := newTestServer(svc)
	auth := "Bearer " + testToken
	do(t, h, http.MethodPost, "/api/v1/tasks", createBody, auth)
	svc.mu.Lock()
	tk := svc.tasks["tsk_1"]
	tk.Attempts = 2
	svc.tasks["tsk_1"] = tk
	svc.mu.Unlock()

	rec, env := do(t, h, http.MethodGet, "/api/v1/tasks/tsk_1/attempts", "", auth)
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("code=%d env=%+v", rec.Code, env)
	}
	list, ok := env.Data.([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("data = %#v, want 2 attempts", env.Data)
	}
	second := list[1].(map[string]any)
	if second["attempt"] != float64(2) || second["recovery"] != true || second["finished_at"] != nil {
		t.Fatalf("second attempt = %v", second)
	}

	if rec, _ = do(t, h, http.MethodGet, "/api/v1/tasks/tsk_nope/attempts", "", auth); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task code=%d, want 404", rec.Code)
	}
	if rec, _ = do(t, h, http.MethodGet, "/api/v1/tasks/tsk_1/attempts", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated code=%d, want 401", rec.Code)
	}
}

func TestUnauthenticatedEndpoints(t *testing.T) {
	svc := newFakeService()
	h := newTestServer(svc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"ping":"pong!"}` {
		t.Fatalf("ping code=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health code=%d", rec.Code)
	}
	svc.pingErr = errors.New("db gone")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy code=%d", rec.Code)
	}

	do(t, h, http.MethodPost, "/api/v1/tasks", createBody, "Bearer "+testToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"schedflow_up 1",
		`schedflow_tasks{status="pending"} 1`,
		`schedflow_tasks{status="failed"} 0`,
		"schedflow_triggers_pending 2",
		"schedflow_pool_workers 8",
		"schedflow_dispatch_executed_total 5",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	lg := zerolog.Nop()
	off := NewServer(newFakeService(), Options{Token: testToken, Logger: &lg})
	on := NewServer(newFakeService(), Options{Token: testToken, EnableDebug: true, Logger: &lg})

	rec := httptest.NewRecorder()
	off.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled code=%d", rec.Code)
	}
	rec = httptest.NewRecorder()
	on.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("pprof enabled code=%d", rec.Code)
	}
}
