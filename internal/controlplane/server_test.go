package controlplane

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fentz26/fleet/internal/models"
)

func newTestServer(t *testing.T, token string) (*httptest.Server, *testEnv) {
	t.Helper()
	env := newTestEnv(t)
	srv := httptest.NewServer(NewServer(env.svc, "127.0.0.1:0", token, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, env
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected status %d, got %d: %s", resp.Request.Method, resp.Request.URL.Path, want, resp.StatusCode, body)
	}
}

func TestHealthEndpoint_OK(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	resp := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil)
	expectStatus(t, resp, http.StatusOK)

	health := decode[HealthResponse](t, resp)
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" {
		t.Error("Expected version to be set")
	}
	if health.Time == "" {
		t.Error("Expected time to be set")
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp := doJSON(t, http.MethodPost, srv.URL+"/health", "", nil)
	expectStatus(t, resp, http.StatusMethodNotAllowed)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	srv, env := newTestServer(t, "")

	// Close the store to simulate DB error
	env.store.Close()

	resp := doJSON(t, http.MethodGet, srv.URL+"/health", "", nil)
	expectStatus(t, resp, http.StatusServiceUnavailable)

	health := decode[HealthResponse](t, resp)
	if health.OK {
		t.Error("Expected health.OK to be false when DB is down")
	}
	if health.DB == "ok" {
		t.Error("Expected DB status to indicate error")
	}
}

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	url := srv.URL + "/api/v1/tasks"

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "guess", http.StatusUnauthorized},
		{"valid token", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, http.MethodGet, url, tt.token, nil)
			expectStatus(t, resp, tt.want)
			if tt.want == http.StatusUnauthorized {
				body := decode[ErrorResponse](t, resp)
				if body.Code != string(CodeUnauthorized) {
					t.Errorf("Expected code %q, got %q", CodeUnauthorized, body.Code)
				}
			}
		})
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   ErrorCode
	}{
		{models.ErrInvalidInput, http.StatusBadRequest, CodeInvalidInput},
		{fmt.Errorf("budget: %w", models.ErrBudgetExceeded), http.StatusBadRequest, CodeBudgetExceeded},
		{ErrUnauthorized, http.StatusUnauthorized, CodeUnauthorized},
		{models.ErrNotOwner, http.StatusForbidden, CodeNotOwner},
		{fmt.Errorf("task x: %w", models.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{models.ErrClaimConflict, http.StatusConflict, CodeClaimConflict},
		{models.ErrSubagentConcurrencyExceeded, http.StatusTooManyRequests, CodeConcurrencyExceeded},
		{errors.New("disk on fire"), http.StatusInternalServerError, CodeInternalError},
	}
	for _, tt := range tests {
		got := MapError(tt.err)
		if got.StatusCode != tt.status || got.Code != tt.code {
			t.Errorf("MapError(%v) = %d %s, want %d %s", tt.err, got.StatusCode, got.Code, tt.status, tt.code)
		}
	}
	if MapError(nil) != nil {
		t.Error("MapError(nil) should be nil")
	}
}

func TestTaskFlowOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, "")
	api := srv.URL + "/api/v1"

	resp := doJSON(t, http.MethodPost, api+"/tasks", "", CreateTaskRequest{Project: "api", Description: "add endpoint", Budget: 100})
	expectStatus(t, resp, http.StatusBadRequest)
	if body := decode[ErrorResponse](t, resp); body.Code != string(CodeBudgetExceeded) {
		t.Errorf("Expected budget_exceeded, got %q", body.Code)
	}

	resp = doJSON(t, http.MethodPost, api+"/tasks", "", CreateTaskRequest{Project: "api", Description: "add endpoint", Budget: 2})
	expectStatus(t, resp, http.StatusCreated)
	task := decode[models.Task](t, resp)

	resp = doJSON(t, http.MethodPost, api+"/machines", "", RegisterMachineRequest{ID: "m1", Affinities: []string{"api"}, MaxConcurrent: 1})
	expectStatus(t, resp, http.StatusOK)

	resp = doJSON(t, http.MethodPost, api+"/machines/m1/heartbeat", "", HeartbeatRequest{ActiveCount: 0})
	expectStatus(t, resp, http.StatusOK)
	if hb := decode[HeartbeatResponse](t, resp); !hb.Applied {
		t.Error("Expected heartbeat applied")
	}

	resp = doJSON(t, http.MethodPost, api+"/machines/m1/claim", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if claimed := decode[models.Task](t, resp); claimed.ID != task.ID {
		t.Errorf("Claimed %s, want %s", claimed.ID, task.ID)
	}
	resp = doJSON(t, http.MethodPost, api+"/machines/m1/claim", "", nil)
	expectStatus(t, resp, http.StatusNoContent)

	resp = doJSON(t, http.MethodPost, api+"/tasks/"+task.ID+"/start", "", map[string]string{"machine_id": "m1"})
	expectStatus(t, resp, http.StatusOK)

	resp = doJSON(t, http.MethodPost, api+"/tasks/"+task.ID+"/events", "", PushEventRequest{MachineID: "m1", Type: models.EventText, Payload: models.EventPayload{Text: "hi"}})
	expectStatus(t, resp, http.StatusAccepted)

	resp = doJSON(t, http.MethodGet, api+"/tasks/"+task.ID+"/input?machine_id=m1", "", nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp = doJSON(t, http.MethodPost, api+"/tasks/"+task.ID+"/input", "", map[string]string{"text": "ship it"})
	expectStatus(t, resp, http.StatusAccepted)
	resp = doJSON(t, http.MethodGet, api+"/tasks/"+task.ID+"/input?machine_id=m1", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if entry := decode[models.PendingInput](t, resp); entry.Text != "ship it" {
		t.Errorf("Unexpected reply %q", entry.Text)
	}

	report := ReportResultRequest{MachineID: "m1", Outcome: models.TaskStatusCompleted, Result: models.TaskResult{Summary: "done"}}
	resp = doJSON(t, http.MethodPost, api+"/tasks/"+task.ID+"/result", "", report)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[ReportResultResponse](t, resp); got.Duplicate || got.Task.Status != models.TaskStatusCompleted {
		t.Errorf("Unexpected first report: %+v", got)
	}
	resp = doJSON(t, http.MethodPost, api+"/tasks/"+task.ID+"/result", "", report)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[ReportResultResponse](t, resp); !got.Duplicate {
		t.Error("Expected duplicate on retry")
	}

	resp = doJSON(t, http.MethodGet, api+"/tasks?status=completed&project=api", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if tasks := decode[[]models.Task](t, resp); len(tasks) != 1 {
		t.Errorf("Expected 1 completed task, got %d", len(tasks))
	}

	resp = doJSON(t, http.MethodGet, api+"/tasks/"+task.ID+"/audit", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if entries := decode[[]models.PDREntry](t, resp); len(entries) < 4 {
		t.Errorf("Expected audit records for create, claim, start and result, got %d", len(entries))
	}

	resp = doJSON(t, http.MethodGet, api+"/machines", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if machines := decode[[]models.Machine](t, resp); len(machines) != 1 || machines[0].Status != models.MachineStatusOnline {
		t.Errorf("Unexpected machines: %+v", machines)
	}
}

func TestErrorsOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, "")
	api := srv.URL + "/api/v1"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown task", http.MethodGet, "/tasks/ghost", nil, http.StatusNotFound},
		{"unknown machine claim", http.MethodPost, "/machines/ghost/claim", nil, http.StatusNotFound},
		{"unknown machine heartbeat", http.MethodPost, "/machines/ghost/heartbeat", HeartbeatRequest{}, http.StatusNotFound},
		{"bad machine", http.MethodPost, "/machines", RegisterMachineRequest{ID: "m1"}, http.StatusBadRequest},
		{"bad list limit", http.MethodGet, "/tasks?limit=x", nil, http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/runs/ghost", nil, http.StatusNotFound},
		{"bad cascade", http.MethodPost, "/runs/ghost/cancel?cascade=maybe", nil, http.StatusBadRequest},
		{"unknown profile", http.MethodPost, "/runs", map[string]string{"profile_id": "ghost", "task": "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doJSON(t, tt.method, api+tt.path, "", tt.body)
			expectStatus(t, resp, tt.want)
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		resp, err := http.Post(api+"/tasks", "application/json", bytes.NewBufferString("{"))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		defer resp.Body.Close()
		expectStatus(t, resp, http.StatusBadRequest)
	})
}

func TestRunsOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, "")
	api := srv.URL + "/api/v1"

	resp := doJSON(t, http.MethodPost, api+"/runs", "", map[string]string{"profile_id": "default", "task": "lint"})
	expectStatus(t, resp, http.StatusCreated)
	run := decode[models.SubagentRun](t, resp)

	resp = doJSON(t, http.MethodPost, api+"/runs", "", map[string]string{"profile_id": "default", "task": "more"})
	expectStatus(t, resp, http.StatusTooManyRequests)
	if body := decode[ErrorResponse](t, resp); body.Code != string(CodeConcurrencyExceeded) {
		t.Errorf("Expected concurrency_exceeded, got %q", body.Code)
	}

	resp = doJSON(t, http.MethodGet, api+"/runs/"+run.ID, "", nil)
	expectStatus(t, resp, http.StatusOK)

	resp = doJSON(t, http.MethodGet, api+"/runs/"+run.ID+"/descendants", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if desc := decode[[]models.SubagentRun](t, resp); len(desc) != 0 {
		t.Errorf("Expected no descendants, got %d", len(desc))
	}

	resp = doJSON(t, http.MethodPost, api+"/runs/"+run.ID+"/cancel?cascade=true", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[CancelRunResponse](t, resp); len(got.Cancelled) != 1 || got.Cancelled[0] != run.ID {
		t.Errorf("Unexpected cancel response: %+v", got)
	}

	resp = doJSON(t, http.MethodGet, api+"/runs?status=cancelled", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if runs := decode[[]models.SubagentRun](t, resp); len(runs) != 1 {
		t.Errorf("Expected 1 cancelled run, got %d", len(runs))
	}

	resp = doJSON(t, http.MethodGet, api+"/profiles", "", nil)
	expectStatus(t, resp, http.StatusOK)
}
