package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/fleet/internal/audit"
	"github.com/fentz26/fleet/internal/chat"
	"github.com/fentz26/fleet/internal/connectors"
	"github.com/fentz26/fleet/internal/controlplane"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/relay"
	"github.com/fentz26/fleet/internal/store"
	"github.com/fentz26/fleet/internal/subagent"
)

func newTestDaemon(t *testing.T, token string) string {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pdr := audit.NewPDRWriter(st)
	profiles := subagent.NewProfileSet(map[string]subagent.Profile{
		"default": {ID: "default", MaxConcurrent: 1, Mode: "localexec", DefaultTimeout: time.Minute, Cleanup: models.CleanupRetain},
	})
	mgr := subagent.NewManager(st, profiles, connectors.NewRegistry(), subagent.DefaultConfig(), subagent.WithPDR(pdr))
	r := relay.New(chat.NewLogSurface(nil), relay.DefaultConfig())
	svc := controlplane.NewService(st, pdr, r, mgr, controlplane.Config{MaxBudget: 10})

	srv := httptest.NewServer(controlplane.NewServer(svc, "", token, nil).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestClient_TaskLifecycle(t *testing.T) {
	c := New(newTestDaemon(t, "tok"), WithToken("tok"))
	ctx := context.Background()

	health, err := c.Health(ctx)
	if err != nil || !health.OK {
		t.Fatalf("Health = %+v, %v", health, err)
	}

	task, err := c.CreateTask(ctx, controlplane.CreateTaskRequest{Project: "api", Description: "bump deps", Budget: 1})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := c.RegisterMachine(ctx, controlplane.RegisterMachineRequest{ID: "m1", MaxConcurrent: 1}); err != nil {
		t.Fatalf("RegisterMachine failed: %v", err)
	}
	if applied, err := c.Heartbeat(ctx, "m1", 0, time.Now()); err != nil || !applied {
		t.Fatalf("Heartbeat = %v, %v", applied, err)
	}

	claimed, err := c.ClaimNext(ctx, "m1")
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if claimed == nil || claimed.ID != task.ID {
		t.Fatalf("Unexpected claim %+v", claimed)
	}
	none, err := c.ClaimNext(ctx, "m1")
	if err != nil || none != nil {
		t.Errorf("Expected nothing to claim, got %+v, %v", none, err)
	}

	if _, err := c.StartTask(ctx, task.ID, "m1"); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	if err := c.PushEvent(ctx, task.ID, "m1", models.StreamEvent{Type: models.EventText, Payload: models.EventPayload{Text: "hi"}}); err != nil {
		t.Fatalf("PushEvent failed: %v", err)
	}

	if entry, err := c.PollInput(ctx, task.ID, "m1"); err != nil || entry != nil {
		t.Errorf("Expected empty inbox, got %+v, %v", entry, err)
	}
	if _, err := c.Reply(ctx, task.ID, "go on"); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	entry, err := c.PollInput(ctx, task.ID, "m1")
	if err != nil || entry == nil || entry.Text != "go on" {
		t.Errorf("PollInput = %+v, %v", entry, err)
	}

	report := controlplane.ReportResultRequest{MachineID: "m1", Outcome: models.TaskStatusCompleted}
	if _, dup, err := c.ReportResult(ctx, task.ID, report); err != nil || dup {
		t.Fatalf("ReportResult = dup %v, %v", dup, err)
	}
	done, dup, err := c.ReportResult(ctx, task.ID, report)
	if err != nil || !dup || done.Status != models.TaskStatusCompleted {
		t.Errorf("Retry = %+v dup %v, %v", done, dup, err)
	}

	tasks, err := c.ListTasks(ctx, "completed", "api")
	if err != nil || len(tasks) != 1 {
		t.Errorf("ListTasks = %d, %v", len(tasks), err)
	}
	machines, err := c.ListMachines(ctx)
	if err != nil || len(machines) != 1 {
		t.Errorf("ListMachines = %d, %v", len(machines), err)
	}
	entries, err := c.TaskAudit(ctx, task.ID)
	if err != nil || len(entries) == 0 {
		t.Errorf("TaskAudit = %d, %v", len(entries), err)
	}
}

func TestClient_ErrorsUnwrapToSentinels(t *testing.T) {
	url := newTestDaemon(t, "tok")
	ctx := context.Background()

	_, err := New(url).ListTasks(ctx, "", "")
	if !errors.Is(err, controlplane.ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized, got %v", err)
	}

	c := New(url, WithToken("tok"))
	if _, err := c.GetTask(ctx, "ghost"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	_, err = c.CreateTask(ctx, controlplane.CreateTaskRequest{Project: "api", Description: "x", Budget: 11})
	if !errors.Is(err, models.ErrBudgetExceeded) {
		t.Errorf("Expected ErrBudgetExceeded, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected a 400 APIError, got %v", err)
	}

	if _, err := c.SpawnRun(ctx, subagent.SpawnRequest{ProfileID: "default", Task: "a"}); err != nil {
		t.Fatalf("SpawnRun failed: %v", err)
	}
	if _, err := c.SpawnRun(ctx, subagent.SpawnRequest{ProfileID: "default", Task: "b"}); !errors.Is(err, models.ErrSubagentConcurrencyExceeded) {
		t.Errorf("Expected ErrSubagentConcurrencyExceeded, got %v", err)
	}
}

func TestClient_Runs(t *testing.T) {
	c := New(newTestDaemon(t, ""))
	ctx := context.Background()

	parent, err := c.SpawnRun(ctx, subagent.SpawnRequest{ProfileID: "default", Task: "go test ./..."})
	if err != nil {
		t.Fatalf("SpawnRun failed: %v", err)
	}
	got, err := c.GetRun(ctx, parent.ID)
	if err != nil || got.Status != models.RunStatusPending {
		t.Errorf("GetRun = %+v, %v", got, err)
	}
	desc, err := c.RunDescendants(ctx, parent.ID)
	if err != nil || len(desc) != 0 {
		t.Errorf("RunDescendants = %d, %v", len(desc), err)
	}
	ids, err := c.CancelRun(ctx, parent.ID, true)
	if err != nil || len(ids) != 1 {
		t.Errorf("CancelRun = %v, %v", ids, err)
	}
	runs, err := c.ListRuns(ctx, "cancelled")
	if err != nil || len(runs) != 1 {
		t.Errorf("ListRuns = %d, %v", len(runs), err)
	}
	profiles, err := c.Profiles(ctx)
	if err != nil || len(profiles) != 1 || profiles[0].DefaultTimeout != time.Minute {
		t.Errorf("Profiles = %+v, %v", profiles, err)
	}
}

func TestAPIError_PlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).ListMachines(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "bad gateway" || apiErr.Unwrap() != nil {
		t.Errorf("Unexpected error %+v", apiErr)
	}
}
