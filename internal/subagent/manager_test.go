package subagent

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
	"github.com/fentz26/fleet/internal/store"
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

type funcExecutor struct {
	name string
	fn   func(ctx context.Context, req connectors.Request) (*connectors.Response, error)
}

func (f *funcExecutor) Name() string { return f.name }

func (f *funcExecutor) Run(ctx context.Context, req connectors.Request) (*connectors.Response, error) {
	return f.fn(ctx, req)
}

// blockingExecutor runs until its context is done.
func blockingExecutor(started chan<- string) *funcExecutor {
	return &funcExecutor{name: "block", fn: func(ctx context.Context, req connectors.Request) (*connectors.Response, error) {
		started <- req.RunID
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) RunFinished(_ context.Context, parentRunID string, child models.SubagentRun) {
	n.mu.Lock()
	n.calls = append(n.calls, parentRunID+">"+child.ID+":"+string(child.Status))
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fixture struct {
	store    *store.Store
	clock    *fakeClock
	notifier *recordingNotifier
	manager  *Manager
	started  chan string
}

func newFixture(t *testing.T, profiles map[string]Profile, extra ...connectors.Executor) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)}
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	started := make(chan string, 16)
	echo := &funcExecutor{name: "echo", fn: func(_ context.Context, req connectors.Request) (*connectors.Response, error) {
		return &connectors.Response{Output: "echo: " + req.Prompt, Cost: 0.01}, nil
	}}
	failing := &funcExecutor{name: "fail", fn: func(context.Context, connectors.Request) (*connectors.Response, error) {
		return nil, errors.New("tool crashed")
	}}
	registry := connectors.NewRegistry(append([]connectors.Executor{echo, failing, blockingExecutor(started)}, extra...)...)

	notifier := &recordingNotifier{}
	m := NewManager(s, NewProfileSet(profiles), registry, DefaultConfig(),
		WithClock(clock.Now), WithNotifier(notifier), WithPDR(audit.NewPDRWriter(s)))
	t.Cleanup(m.Stop)

	return &fixture{store: s, clock: clock, notifier: notifier, manager: m, started: started}
}

func profile(id, mode string, max int) Profile {
	return Profile{ID: id, Mode: mode, MaxConcurrent: max, DefaultTimeout: time.Minute, Cleanup: models.CleanupRetain}
}

func (f *fixture) spawn(t *testing.T, req SpawnRequest) *models.SubagentRun {
	t.Helper()
	if req.Task == "" {
		req.Task = "do work"
	}
	run, err := f.manager.Spawn(context.Background(), req)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	return run
}

func (f *fixture) status(t *testing.T, id string) models.RunStatus {
	t.Helper()
	run, err := f.manager.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return run.Status
}

func (f *fixture) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.started:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("Execution did not start")
		return ""
	}
}

func TestSpawn_AppliesProfileDefaults(t *testing.T) {
	p := Profile{ID: "coder", Mode: "echo", MaxConcurrent: 3, DefaultModel: "claude-sonnet-4-20250514", DefaultTimeout: 90 * time.Second, Cleanup: models.CleanupPurge}
	f := newFixture(t, map[string]Profile{"coder": p})

	run := f.spawn(t, SpawnRequest{ProfileID: "coder"})
	if run.Status != models.RunStatusPending {
		t.Errorf("Expected pending, got %s", run.Status)
	}
	if run.Mode != "echo" || run.Model != p.DefaultModel || run.TimeoutSeconds != 90 || run.Cleanup != models.CleanupPurge {
		t.Errorf("Profile defaults not applied: %+v", run)
	}

	run = f.spawn(t, SpawnRequest{ProfileID: "coder", Model: "other", TimeoutSeconds: 5, Cleanup: models.CleanupRetain})
	if run.Model != "other" || run.TimeoutSeconds != 5 || run.Cleanup != models.CleanupRetain {
		t.Errorf("Explicit values must win over defaults: %+v", run)
	}
}

func TestSpawn_Validation(t *testing.T) {
	f := newFixture(t, map[string]Profile{"coder": profile("coder", "echo", 1)})
	ctx := context.Background()

	tests := []struct {
		name string
		req  SpawnRequest
		want error
	}{
		{"unknown profile", SpawnRequest{ProfileID: "ghost", Task: "x"}, models.ErrUnknownProfile},
		{"empty task", SpawnRequest{ProfileID: "coder", Task: "  "}, models.ErrInvalidInput},
		{"negative timeout", SpawnRequest{ProfileID: "coder", Task: "x", TimeoutSeconds: -1}, models.ErrInvalidInput},
		{"timeout past a week", SpawnRequest{ProfileID: "coder", Task: "x", TimeoutSeconds: 7*24*3600 + 1}, models.ErrInvalidInput},
		{"timeout overflowing duration", SpawnRequest{ProfileID: "coder", Task: "x", TimeoutSeconds: 10_000_000_000}, models.ErrInvalidInput},
		{"bad cleanup", SpawnRequest{ProfileID: "coder", Task: "x", Cleanup: "shred"}, models.ErrInvalidInput},
		{"unknown parent", SpawnRequest{ProfileID: "coder", Task: "x", ParentRunID: "ghost"}, models.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.manager.Spawn(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSpawn_RejectsAtLimit(t *testing.T) {
	f := newFixture(t, map[string]Profile{"coder": profile("coder", "echo", 2)})
	ctx := context.Background()

	f.spawn(t, SpawnRequest{ProfileID: "coder"})
	f.spawn(t, SpawnRequest{ProfileID: "coder"})

	_, err := f.manager.Spawn(ctx, SpawnRequest{ProfileID: "coder", Task: "third"})
	if !errors.Is(err, models.ErrSubagentConcurrencyExceeded) {
		t.Fatalf("Expected ErrSubagentConcurrencyExceeded, got %v", err)
	}
	runs, err := f.manager.List(ctx, store.RunFilter{ProfileID: "coder"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("Rejected spawn created a record: %d runs", len(runs))
	}
}

func TestTick_CompletesRun(t *testing.T) {
	f := newFixture(t, map[string]Profile{"coder": profile("coder", "echo", 2)})
	ctx := context.Background()
	parent := f.spawn(t, SpawnRequest{ProfileID: "coder", Task: "parent"})
	f.clock.Advance(time.Second)
	child := f.spawn(t, SpawnRequest{ProfileID: "coder", Task: "child", ParentRunID: parent.ID})

	started, err := f.manager.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if started != 2 {
		t.Errorf("Expected 2 runs started, got %d", started)
	}
	f.manager.Wait()

	got, err := f.manager.Get(ctx, child.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.RunStatusCompleted || got.Result != "echo: child" {
		t.Errorf("Unexpected run: %+v", got)
	}
	if got.StartedAt == nil || got.EndedAt == nil {
		t.Errorf("Expected timestamps set: %+v", got)
	}
	if f.notifier.count() != 1 {
		t.Errorf("Expected one parent notification, got %d", f.notifier.count())
	}
}

func TestTick_ExecutionErrors(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		errText string
	}{
		{"executor error", "fail", "tool crashed"},
		{"unknown mode", "teleport", `no executor for mode "teleport"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]Profile{"p": profile("p", tt.mode, 1)})
			ctx := context.Background()
			run := f.spawn(t, SpawnRequest{ProfileID: "p"})

			if _, err := f.manager.Tick(ctx); err != nil {
				t.Fatalf("Tick failed: %v", err)
			}
			f.manager.Wait()

			got, _ := f.manager.Get(ctx, run.ID)
			if got.Status != models.RunStatusError || got.Error != tt.errText {
				t.Errorf("Expected error %q, got %s %q", tt.errText, got.Status, got.Error)
			}
		})
	}
}

func TestTick_PanicBecomesError(t *testing.T) {
	panicky := &funcExecutor{name: "panic", fn: func(context.Context, connectors.Request) (*connectors.Response, error) {
		panic("boom")
	}}
	f := newFixture(t, map[string]Profile{"p": profile("p", "panic", 1)}, panicky)
	run := f.spawn(t, SpawnRequest{ProfileID: "p"})

	if _, err := f.manager.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	f.manager.Wait()
	if got := f.status(t, run.ID); got != models.RunStatusError {
		t.Errorf("Expected error status, got %s", got)
	}
}

func TestSweepTimeouts_FreesSlot(t *testing.T) {
	f := newFixture(t, map[string]Profile{"slow": profile("slow", "block", 1)})
	ctx := context.Background()
	parent := f.spawn(t, SpawnRequest{ProfileID: "slow", Task: "parent"})
	if _, err := f.manager.Cancel(ctx, parent.ID, false); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	run := f.spawn(t, SpawnRequest{ProfileID: "slow", ParentRunID: parent.ID, TimeoutSeconds: 10})

	if _, err := f.manager.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	f.waitStarted(t)

	f.clock.Advance(5 * time.Second)
	if n, err := f.manager.SweepTimeouts(ctx); err != nil || n != 0 {
		t.Fatalf("Run swept before its timeout: n=%d err=%v", n, err)
	}
	if _, err := f.manager.Spawn(ctx, SpawnRequest{ProfileID: "slow", Task: "blocked"}); !errors.Is(err, models.ErrSubagentConcurrencyExceeded) {
		t.Fatalf("Expected slot taken, got %v", err)
	}

	f.clock.Advance(6 * time.Second)
	n, err := f.manager.SweepTimeouts(ctx)
	if err != nil {
		t.Fatalf("SweepTimeouts failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 timed out run, got %d", n)
	}
	f.manager.Wait()

	got, _ := f.manager.Get(ctx, run.ID)
	if got.Status != models.RunStatusTimeout || got.Error != "timed out after 10s" {
		t.Errorf("Expected timeout, got %s %q", got.Status, got.Error)
	}
	if f.notifier.count() != 1 {
		t.Errorf("Expected parent notified once, got %d", f.notifier.count())
	}
	if _, err := f.manager.Spawn(ctx, SpawnRequest{ProfileID: "slow", Task: "next"}); err != nil {
		t.Errorf("Slot should be free after timeout: %v", err)
	}
}

func TestCancel_Running(t *testing.T) {
	f := newFixture(t, map[string]Profile{"slow": profile("slow", "block", 1)})
	ctx := context.Background()
	run := f.spawn(t, SpawnRequest{ProfileID: "slow"})

	if _, err := f.manager.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	f.waitStarted(t)

	cancelled, err := f.manager.Cancel(ctx, run.ID, false)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if len(cancelled) != 1 {
		t.Errorf("Expected 1 cancelled run, got %v", cancelled)
	}
	f.manager.Wait()
	if got := f.status(t, run.ID); got != models.RunStatusCancelled {
		t.Errorf("Expected cancelled to stick, got %s", got)
	}
}

func TestCancel_Cascade(t *testing.T) {
	f := newFixture(t, map[string]Profile{"coder": profile("coder", "echo", 10)})
	ctx := context.Background()
	root := f.spawn(t, SpawnRequest{ProfileID: "coder"})
	child := f.spawn(t, SpawnRequest{ProfileID: "coder", ParentRunID: root.ID})
	grandchild := f.spawn(t, SpawnRequest{ProfileID: "coder", ParentRunID: child.ID})
	sibling := f.spawn(t, SpawnRequest{ProfileID: "coder"})

	desc, err := f.manager.Descendants(ctx, root.ID)
	if err != nil {
		t.Fatalf("Descendants failed: %v", err)
	}
	if len(desc) != 2 {
		t.Errorf("Expected 2 descendants, got %d", len(desc))
	}

	cancelled, err := f.manager.Cancel(ctx, root.ID, true)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if len(cancelled) != 3 {
		t.Errorf("Expected 3 cancelled runs, got %v", cancelled)
	}
	for _, id := range []string{root.ID, child.ID, grandchild.ID} {
		if got := f.status(t, id); got != models.RunStatusCancelled {
			t.Errorf("Run %s: expected cancelled, got %s", id, got)
		}
	}
	if got := f.status(t, sibling.ID); got != models.RunStatusPending {
		t.Errorf("Unrelated run must be untouched, got %s", got)
	}
	if f.notifier.count() != 2 {
		t.Errorf("Expected 2 parent notifications, got %d", f.notifier.count())
	}

	// Cancelled pending runs are never picked up.
	if started, _ := f.manager.Tick(ctx); started != 1 {
		t.Errorf("Expected only the sibling to start, got %d", started)
	}
	f.manager.Wait()

	if _, err := f.manager.Cancel(ctx, "ghost", false); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPurge(t *testing.T) {
	f := newFixture(t, map[string]Profile{"coder": profile("coder", "echo", 5)})
	ctx := context.Background()
	purge := f.spawn(t, SpawnRequest{ProfileID: "coder", Cleanup: models.CleanupPurge})
	retain := f.spawn(t, SpawnRequest{ProfileID: "coder", Cleanup: models.CleanupRetain})

	if _, err := f.manager.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	f.manager.Wait()

	f.clock.Advance(5 * time.Minute)
	if n, _ := f.manager.Purge(ctx); n != 0 {
		t.Errorf("Purged inside grace window: %d", n)
	}
	f.clock.Advance(6 * time.Minute)
	if n, _ := f.manager.Purge(ctx); n != 1 {
		t.Errorf("Expected 1 purged run, got %d", n)
	}
	if _, err := f.manager.Get(ctx, purge.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Purged run still present: %v", err)
	}
	if _, err := f.manager.Get(ctx, retain.ID); err != nil {
		t.Errorf("Retained run missing: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, map[string]Profile{"coder": profile("coder", "echo", 5)})
	f.manager.cfg.PollInterval = 10 * time.Millisecond
	run := f.spawn(t, SpawnRequest{ProfileID: "coder"})

	f.manager.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if f.status(t, run.ID) == models.RunStatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.manager.Stop()

	if got := f.status(t, run.ID); got != models.RunStatusCompleted {
		t.Errorf("Expected loop to complete the run, got %s", got)
	}
}
