package controlplane

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/fleet/internal/audit"
	"github.com/fentz26/fleet/internal/connectors"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/relay"
	"github.com/fentz26/fleet/internal/store"
	"github.com/fentz26/fleet/internal/subagent"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingSurface records chat calls.
type countingSurface struct {
	mu        sync.Mutex
	topics    int
	sent      []string
	summaries []string
}

func (s *countingSurface) CreateTopic(_ context.Context, taskID, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics++
	return "topic-" + taskID, nil
}

func (s *countingSurface) Send(_ context.Context, _, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *countingSurface) CloseTopic(_ context.Context, _, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *countingSurface) closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.summaries)
}

type countingNotifier struct {
	mu    sync.Mutex
	tasks []string
}

func (n *countingNotifier) TaskCompleted(_ context.Context, task models.Task) {
	n.mu.Lock()
	n.tasks = append(n.tasks, task.ID)
	n.mu.Unlock()
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.tasks)
}

type echoExecutor struct{}

func (echoExecutor) Name() string { return "echo" }

func (echoExecutor) Run(_ context.Context, req connectors.Request) (*connectors.Response, error) {
	return &connectors.Response{Output: req.Prompt}, nil
}

type testEnv struct {
	svc      *Service
	store    *store.Store
	relay    *relay.Relay
	clock    *fakeClock
	surface  *countingSurface
	notifier *countingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)}
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	pdr := audit.NewPDRWriter(st)
	surface := &countingSurface{}
	r := relay.New(surface, relay.DefaultConfig(), relay.WithClock(clock.Now))
	profiles := subagent.NewProfileSet(map[string]subagent.Profile{
		"default": {ID: "default", MaxConcurrent: 1, Mode: "echo", DefaultTimeout: time.Minute, Cleanup: models.CleanupRetain},
	})
	mgr := subagent.NewManager(st, profiles, connectors.NewRegistry(echoExecutor{}), subagent.DefaultConfig(),
		subagent.WithClock(clock.Now), subagent.WithPDR(pdr))
	t.Cleanup(mgr.Stop)

	notifier := &countingNotifier{}
	svc := NewService(st, pdr, r, mgr, Config{MaxBudget: 50, StaleAfter: 45 * time.Second},
		WithClock(clock.Now), WithCompletionNotifier(notifier))

	return &testEnv{svc: svc, store: st, relay: r, clock: clock, surface: surface, notifier: notifier}
}

func (e *testEnv) task(t *testing.T, project string) *models.Task {
	t.Helper()
	task, err := e.svc.CreateTask(context.Background(), CreateTaskRequest{Project: project, Description: "fix the build", Budget: 5})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func (e *testEnv) machine(t *testing.T, id string, max int) {
	t.Helper()
	if _, err := e.svc.RegisterMachine(context.Background(), RegisterMachineRequest{ID: id, Affinities: []string{"api"}, MaxConcurrent: max}); err != nil {
		t.Fatalf("RegisterMachine failed: %v", err)
	}
}

// claimed returns a task claimed and started by machine m1.
func (e *testEnv) claimed(t *testing.T) *models.Task {
	t.Helper()
	ctx := context.Background()
	e.machine(t, "m1", 2)
	task := e.task(t, "api")
	got, err := e.svc.ClaimNext(ctx, "m1")
	if err != nil || got == nil || got.ID != task.ID {
		t.Fatalf("ClaimNext = %v, %v", got, err)
	}
	if _, err := e.svc.StartTask(ctx, task.ID, "m1"); err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	return task
}

func TestCreateTask_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateTaskRequest
		want error
	}{
		{"empty project", CreateTaskRequest{Description: "x"}, models.ErrInvalidInput},
		{"empty description", CreateTaskRequest{Project: "api", Description: "   "}, models.ErrInvalidInput},
		{"negative budget", CreateTaskRequest{Project: "api", Description: "x", Budget: -1}, models.ErrInvalidInput},
		{"over ceiling", CreateTaskRequest{Project: "api", Description: "x", Budget: 50.01}, models.ErrBudgetExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.CreateTask(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	tasks, err := env.svc.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("Rejected tasks must not be stored, got %d", len(tasks))
	}

	task, err := env.svc.CreateTask(ctx, CreateTaskRequest{Project: "api", Description: "x", Budget: 50, Priority: 3})
	if err != nil {
		t.Fatalf("Budget at the ceiling should be accepted: %v", err)
	}
	if task.Status != models.TaskStatusQueued || task.Priority != 3 {
		t.Errorf("Unexpected task: %+v", task)
	}
}

func TestListTasks_InvalidStatus(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.ListTasks(context.Background(), store.TaskFilter{Status: "bogus"}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestReportResult_IdempotentSideEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.claimed(t)

	result := models.TaskResult{Summary: "done", ChangedArtifacts: []string{"a.go"}, Cost: 1.25}
	got, dup, err := env.svc.ReportResult(ctx, task.ID, ReportResultRequest{MachineID: "m1", Outcome: models.TaskStatusCompleted, Result: result})
	if err != nil {
		t.Fatalf("ReportResult failed: %v", err)
	}
	if dup || got.Status != models.TaskStatusCompleted {
		t.Errorf("First report: dup=%v status=%s", dup, got.Status)
	}

	// Retries, even with a different outcome, are absorbed.
	for i := 0; i < 3; i++ {
		got, dup, err = env.svc.ReportResult(ctx, task.ID, ReportResultRequest{MachineID: "m1", Outcome: models.TaskStatusFailed, Result: models.TaskResult{Error: "late"}})
		if err != nil {
			t.Fatalf("Duplicate report failed: %v", err)
		}
		if !dup || got.Status != models.TaskStatusCompleted || got.Result.Summary != "done" {
			t.Errorf("Duplicate report: dup=%v task=%+v", dup, got)
		}
	}

	if env.surface.closes() != 1 {
		t.Errorf("Expected topic closed once, got %d", env.surface.closes())
	}
	if env.notifier.count() != 1 {
		t.Errorf("Expected one completion notification, got %d", env.notifier.count())
	}

	entries, err := env.store.ListPDR(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	var success, duplicate int
	for _, e := range entries {
		if e.Action != "task.result" {
			continue
		}
		switch e.Outcome {
		case audit.OutcomeSuccess:
			success++
		case audit.OutcomeDuplicate:
			duplicate++
		}
	}
	if success != 1 || duplicate != 3 {
		t.Errorf("Expected 1 success and 3 duplicate records, got %d and %d", success, duplicate)
	}
}

func TestReportResult_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.claimed(t)

	if _, _, err := env.svc.ReportResult(ctx, task.ID, ReportResultRequest{MachineID: "m2", Outcome: models.TaskStatusCompleted}); !errors.Is(err, models.ErrNotOwner) {
		t.Errorf("Expected ErrNotOwner, got %v", err)
	}
	if _, _, err := env.svc.ReportResult(ctx, task.ID, ReportResultRequest{MachineID: "m1", Outcome: models.TaskStatusRunning}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	if _, _, err := env.svc.ReportResult(ctx, task.ID, ReportResultRequest{Outcome: models.TaskStatusCompleted}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput without machine, got %v", err)
	}
	if _, _, err := env.svc.ReportResult(ctx, "ghost", ReportResultRequest{MachineID: "m1", Outcome: models.TaskStatusCompleted}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if env.notifier.count() != 0 {
		t.Errorf("Rejected reports must have no side effects")
	}
}

func TestFailTask_LaterReportIsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.claimed(t)

	if err := env.svc.FailTask(ctx, task.ID, "machine m1 offline"); err != nil {
		t.Fatalf("FailTask failed: %v", err)
	}
	got, dup, err := env.svc.ReportResult(ctx, task.ID, ReportResultRequest{MachineID: "m1", Outcome: models.TaskStatusCompleted})
	if err != nil {
		t.Fatalf("ReportResult failed: %v", err)
	}
	if !dup || got.Status != models.TaskStatusFailed || got.Result.Error != "machine m1 offline" {
		t.Errorf("Expected failed duplicate, got dup=%v %+v", dup, got)
	}
	if env.notifier.count() != 1 {
		t.Errorf("Expected one notification, got %d", env.notifier.count())
	}
}

func TestStartTask_OwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.machine(t, "m1", 1)
	task := env.task(t, "api")
	if _, err := env.svc.ClaimNext(ctx, "m1"); err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}

	if _, err := env.svc.StartTask(ctx, task.ID, "m2"); !errors.Is(err, models.ErrNotOwner) {
		t.Errorf("Expected ErrNotOwner, got %v", err)
	}
	started, err := env.svc.StartTask(ctx, task.ID, "m1")
	if err != nil {
		t.Fatalf("StartTask failed: %v", err)
	}
	if started.Status != models.TaskStatusRunning || started.StartedAt == nil {
		t.Errorf("Unexpected task: %+v", started)
	}
	if _, err := env.svc.StartTask(ctx, task.ID, "m1"); err != nil {
		t.Errorf("Starting a running task should be a no-op: %v", err)
	}
}

func TestClaimNext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.ClaimNext(ctx, "ghost"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown machine, got %v", err)
	}

	env.machine(t, "m1", 1)
	got, err := env.svc.ClaimNext(ctx, "m1")
	if err != nil || got != nil {
		t.Errorf("Expected none available, got %v, %v", got, err)
	}

	task := env.task(t, "api")
	env.clock.Advance(46 * time.Second)
	if _, err := env.svc.ClaimNext(ctx, "m1"); !errors.Is(err, models.ErrMachineStale) {
		t.Errorf("Expected ErrMachineStale, got %v", err)
	}

	applied, err := env.svc.Heartbeat(ctx, "m1", 0, time.Time{})
	if err != nil || !applied {
		t.Fatalf("Heartbeat = %v, %v", applied, err)
	}
	got, err = env.svc.ClaimNext(ctx, "m1")
	if err != nil {
		t.Fatalf("ClaimNext failed: %v", err)
	}
	if got == nil || got.ID != task.ID || got.Status != models.TaskStatusClaimed {
		t.Errorf("Unexpected claim: %+v", got)
	}
}

func TestMachines(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.RegisterMachine(ctx, RegisterMachineRequest{ID: "m1", MaxConcurrent: 0}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for max 0, got %v", err)
	}
	if _, err := env.svc.RegisterMachine(ctx, RegisterMachineRequest{MaxConcurrent: 1}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for empty id, got %v", err)
	}
	if _, err := env.svc.Heartbeat(ctx, "ghost", 0, time.Time{}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound heartbeat, got %v", err)
	}
	if _, err := env.svc.Heartbeat(ctx, "ghost", -1, time.Time{}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput heartbeat, got %v", err)
	}

	env.machine(t, "m1", 1)
	env.machine(t, "m2", 1)
	env.clock.Advance(30 * time.Second)
	if _, err := env.svc.Heartbeat(ctx, "m2", 1, time.Time{}); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	env.clock.Advance(20 * time.Second)

	machines, err := env.svc.ListMachines(ctx)
	if err != nil {
		t.Fatalf("ListMachines failed: %v", err)
	}
	status := map[string]models.MachineStatus{}
	for _, m := range machines {
		status[m.ID] = m.Status
	}
	if status["m1"] != models.MachineStatusOffline {
		t.Errorf("m1: expected offline, got %s", status["m1"])
	}
	if status["m2"] != models.MachineStatusBusy {
		t.Errorf("m2: expected busy, got %s", status["m2"])
	}
}

func TestReplies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.claimed(t)

	if _, err := env.svc.EnqueueReply(ctx, task.ID, " "); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	if _, err := env.svc.EnqueueReply(ctx, task.ID, "use v2"); err != nil {
		t.Fatalf("EnqueueReply failed: %v", err)
	}
	if _, err := env.svc.EnqueueReply(ctx, task.ID, "and run tests"); err != nil {
		t.Fatalf("EnqueueReply failed: %v", err)
	}

	if _, err := env.svc.PollInput(ctx, task.ID, "m2"); !errors.Is(err, models.ErrNotOwner) {
		t.Errorf("Expected ErrNotOwner, got %v", err)
	}
	for _, want := range []string{"use v2", "and run tests"} {
		entry, err := env.svc.PollInput(ctx, task.ID, "m1")
		if err != nil {
			t.Fatalf("PollInput failed: %v", err)
		}
		if entry == nil || entry.Text != want {
			t.Errorf("Expected %q, got %+v", want, entry)
		}
	}
	if entry, _ := env.svc.PollInput(ctx, task.ID, "m1"); entry != nil {
		t.Errorf("Expected empty inbox, got %+v", entry)
	}

	if _, _, err := env.svc.ReportResult(ctx, task.ID, ReportResultRequest{MachineID: "m1", Outcome: models.TaskStatusCompleted}); err != nil {
		t.Fatalf("ReportResult failed: %v", err)
	}
	if _, err := env.svc.EnqueueReply(ctx, task.ID, "too late"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	if _, err := env.svc.PollInput(ctx, task.ID, "m1"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("Polling a finished task: expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelTask_DropsReplies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.task(t, "api")

	if _, err := env.svc.EnqueueReply(ctx, task.ID, "hello"); err != nil {
		t.Fatalf("EnqueueReply failed: %v", err)
	}
	cancelled, err := env.svc.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}
	if cancelled.Status != models.TaskStatusCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}
	entry, err := env.svc.PollInput(ctx, task.ID, "")
	if entry != nil {
		t.Errorf("Cancelled task kept replies: %+v", entry)
	}
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	if env.surface.topics != 0 {
		t.Errorf("Cancelling a task that never streamed opened %d topics", env.surface.topics)
	}

	again, err := env.svc.CancelTask(ctx, task.ID)
	if err != nil || again.Status != models.TaskStatusCancelled {
		t.Errorf("Second cancel should be a no-op, got %v, %v", again, err)
	}
}

func TestPushEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.claimed(t)

	text := models.StreamEvent{Type: models.EventText, Payload: models.EventPayload{Text: "compiling"}}
	if err := env.svc.PushEvent(ctx, task.ID, "m2", text); !errors.Is(err, models.ErrNotOwner) {
		t.Errorf("Expected ErrNotOwner, got %v", err)
	}
	if err := env.svc.PushEvent(ctx, task.ID, "m1", models.StreamEvent{Type: "noise"}); !errors.Is(err, models.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
	if err := env.svc.PushEvent(ctx, task.ID, "m1", text); err != nil {
		t.Fatalf("PushEvent failed: %v", err)
	}
	if env.surface.topics != 1 {
		t.Errorf("Expected topic created on first event, got %d", env.surface.topics)
	}

	result := models.StreamEvent{Type: models.EventResult, Payload: models.EventPayload{Status: "completed", Summary: "ok"}}
	if err := env.svc.PushEvent(ctx, task.ID, "m1", result); err != nil {
		t.Fatalf("PushEvent failed: %v", err)
	}
	if env.surface.closes() != 1 {
		t.Errorf("Expected topic closed by result event, got %d", env.surface.closes())
	}

	// The later report closes nothing a second time.
	if _, _, err := env.svc.ReportResult(ctx, task.ID, ReportResultRequest{MachineID: "m1", Outcome: models.TaskStatusCompleted}); err != nil {
		t.Fatalf("ReportResult failed: %v", err)
	}
	if env.surface.closes() != 1 {
		t.Errorf("Topic closed twice")
	}
}

func TestRuns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	run, err := env.svc.SpawnRun(ctx, subagent.SpawnRequest{ProfileID: "default", Task: "lint"})
	if err != nil {
		t.Fatalf("SpawnRun failed: %v", err)
	}
	if _, err := env.svc.SpawnRun(ctx, subagent.SpawnRequest{ProfileID: "default", Task: "again"}); !errors.Is(err, models.ErrSubagentConcurrencyExceeded) {
		t.Errorf("Expected ErrSubagentConcurrencyExceeded, got %v", err)
	}

	got, err := env.svc.GetRun(ctx, run.ID)
	if err != nil || got.Status != models.RunStatusPending {
		t.Errorf("GetRun = %+v, %v", got, err)
	}
	ids, err := env.svc.CancelRun(ctx, run.ID, true)
	if err != nil || len(ids) != 1 {
		t.Errorf("CancelRun = %v, %v", ids, err)
	}
	if len(env.svc.Profiles()) != 1 {
		t.Errorf("Expected one profile")
	}
}

func TestCancelTask_ClosesStreamOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.claimed(t)

	text := models.StreamEvent{Type: models.EventText, Payload: models.EventPayload{Text: "compiling"}}
	if err := env.svc.PushEvent(ctx, task.ID, "m1", text); err != nil {
		t.Fatalf("PushEvent failed: %v", err)
	}
	if _, err := env.svc.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("CancelTask failed: %v", err)
	}

	if env.surface.closes() != 1 {
		t.Fatalf("Expected topic closed once on cancel, got %d", env.surface.closes())
	}
	if got := env.surface.summaries[0]; got != "⊘ Cancelled by operator" {
		t.Errorf("Unexpected summary %q", got)
	}
	if len(env.surface.sent) != 1 || env.surface.sent[0] != "compiling" {
		t.Errorf("Expected buffered output flushed before close, got %q", env.surface.sent)
	}
	if n := env.relay.Pending(task.ID); n != 0 {
		t.Errorf("Buffer kept %d characters after cancel", n)
	}

	// The machine's late report is a duplicate and closes nothing again.
	_, dup, err := env.svc.ReportResult(ctx, task.ID, ReportResultRequest{MachineID: "m1", Outcome: models.TaskStatusFailed, Result: models.TaskResult{Error: "cancelled by operator"}})
	if err != nil || !dup {
		t.Fatalf("ReportResult = dup %v, %v", dup, err)
	}
	if _, err := env.svc.CancelTask(ctx, task.ID); err != nil {
		t.Fatalf("Second CancelTask failed: %v", err)
	}
	if env.surface.closes() != 1 {
		t.Errorf("Topic closed %d times", env.surface.closes())
	}
	if env.notifier.count() != 0 {
		t.Errorf("Cancelled task fired completion notifier %d times", env.notifier.count())
	}
}

func TestPushEvent_DroppedForFinishedTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.claimed(t)

	if _, _, err := env.svc.ReportResult(ctx, task.ID, ReportResultRequest{MachineID: "m1", Outcome: models.TaskStatusCompleted}); err != nil {
		t.Fatalf("ReportResult failed: %v", err)
	}
	topics := env.surface.topics

	// Outlive the relay's memory of the closed task.
	env.clock.Advance(2 * time.Hour)
	env.relay.FlushDue(ctx)

	late := models.StreamEvent{Type: models.EventText, Payload: models.EventPayload{Text: "late line"}}
	if err := env.svc.PushEvent(ctx, task.ID, "m1", late); err != nil {
		t.Fatalf("PushEvent for finished task should be accepted and dropped, got %v", err)
	}
	if err := env.svc.PushEvent(ctx, task.ID, "m2", late); err != nil {
		t.Errorf("PushEvent from another machine for a finished task: %v", err)
	}
	if env.surface.topics != topics {
		t.Errorf("Late event opened a new topic (%d -> %d)", topics, env.surface.topics)
	}
	if n := env.relay.Pending(task.ID); n != 0 {
		t.Errorf("Late event buffered %d characters", n)
	}
}
