// Package controlplane provides the HTTP API and service layer for fleet.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/fentz26/fleet/internal/audit"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/relay"
	"github.com/fentz26/fleet/internal/store"
	"github.com/fentz26/fleet/internal/subagent"
)

// CompletionNotifier is called once per task when it first reaches completed
// or failed.
type CompletionNotifier interface {
	TaskCompleted(ctx context.Context, task models.Task)
}

// LogCompletionNotifier logs task completions.
type LogCompletionNotifier struct {
	Logger *slog.Logger
}

func (n LogCompletionNotifier) TaskCompleted(ctx context.Context, task models.Task) {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "task completed", "task", task.ID, "status", task.Status, "machine", task.AssignedMachine)
}

// Config holds service limits.
type Config struct {
	// MaxBudget is the per-task budget ceiling.
	MaxBudget float64
	// StaleAfter matches the dispatcher's machine staleness threshold.
	StaleAfter time.Duration
}

// Service provides the control plane business logic.
type Service struct {
	store     *store.Store
	pdr       *audit.PDRWriter
	relay     *relay.Relay
	subagents *subagent.Manager
	notifier  CompletionNotifier
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.now = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithCompletionNotifier sets the task completion callback.
func WithCompletionNotifier(n CompletionNotifier) Option {
	return func(s *Service) { s.notifier = n }
}

// NewService creates a new control plane service.
func NewService(st *store.Store, pdr *audit.PDRWriter, r *relay.Relay, subagents *subagent.Manager, cfg Config, opts ...Option) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 45 * time.Second
	}
	s := &Service{
		store:     st,
		pdr:       pdr,
		relay:     r,
		subagents: subagents,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.notifier == nil {
		s.notifier = LogCompletionNotifier{Logger: s.logger}
	}
	return s
}

// Health pings the database.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Task Operations ---

// CreateTaskRequest holds the fields of a new task.
type CreateTaskRequest struct {
	Project     string  `json:"project"`
	Description string  `json:"description"`
	Priority    int     `json:"priority"`
	Budget      float64 `json:"budget"`
}

// CreateTask validates and enqueues a task.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	req.Project = strings.TrimSpace(req.Project)
	req.Description = strings.TrimSpace(req.Description)
	switch {
	case req.Project == "":
		return nil, fmt.Errorf("project is required: %w", models.ErrInvalidInput)
	case req.Description == "":
		return nil, fmt.Errorf("description is required: %w", models.ErrInvalidInput)
	case req.Budget < 0 || math.IsNaN(req.Budget):
		return nil, fmt.Errorf("budget must not be negative: %w", models.ErrInvalidInput)
	case s.cfg.MaxBudget > 0 && req.Budget > s.cfg.MaxBudget:
		s.record(ctx, "task.create", req, audit.OutcomeRejected, "", "budget over ceiling")
		return nil, fmt.Errorf("budget %.2f over %.2f: %w", req.Budget, s.cfg.MaxBudget, models.ErrBudgetExceeded)
	}

	task, err := s.store.CreateTask(ctx, store.NewTask{
		Project:     req.Project,
		Description: req.Description,
		Priority:    req.Priority,
		Budget:      req.Budget,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("task created", "task", task.ID, "project", task.Project, "priority", task.Priority)
	s.record(ctx, "task.create", req, audit.OutcomeSuccess, task.ID, "")
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns filtered tasks.
func (s *Service) ListTasks(ctx context.Context, f store.TaskFilter) ([]models.Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("status %q: %w", f.Status, models.ErrInvalidInput)
	}
	return s.store.ListTasks(ctx, f)
}

// TaskAudit returns the decision records of a task.
func (s *Service) TaskAudit(ctx context.Context, id string) ([]models.PDREntry, error) {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListPDR(ctx, id)
}

// CancelTask cancels a non-terminal task. Cancelling a finished task is a
// no-op that returns it unchanged.
func (s *Service) CancelTask(ctx context.Context, id string) (*models.Task, error) {
	task, changed, err := s.store.CancelTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !changed {
		return task, nil
	}

	s.relay.Finish(ctx, id, models.TaskStatusCancelled, models.TaskResult{})
	s.logger.Info("task cancelled", "task", id)
	s.record(ctx, "task.cancel", map[string]string{"task_id": id}, audit.OutcomeSuccess, id, "")
	return task, nil
}

// StartTask marks a claimed task running on its machine.
func (s *Service) StartTask(ctx context.Context, id, machineID string) (*models.Task, error) {
	if machineID == "" {
		return nil, fmt.Errorf("machine_id is required: %w", models.ErrInvalidInput)
	}
	task, err := s.store.StartTask(ctx, id, machineID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, "task.start", map[string]string{"task_id": id, "machine_id": machineID}, audit.OutcomeSuccess, id, "")
	return task, nil
}

// ReportResultRequest is a machine's terminal report.
type ReportResultRequest struct {
	MachineID string            `json:"machine_id"`
	Outcome   models.TaskStatus `json:"outcome"`
	Result    models.TaskResult `json:"result"`
}

// ReportResult records a task's outcome. Reports for a task that is already
// terminal return the stored task with duplicate set and cause no side
// effects, so machines may retry freely.
func (s *Service) ReportResult(ctx context.Context, id string, req ReportResultRequest) (task *models.Task, duplicate bool, err error) {
	if req.MachineID == "" {
		return nil, false, fmt.Errorf("machine_id is required: %w", models.ErrInvalidInput)
	}
	return s.complete(ctx, id, req.MachineID, req.Outcome, req.Result)
}

// FailTask fails a task on behalf of the service, bypassing the owner check.
// It is the dispatcher's route for tasks stranded on a dead machine.
func (s *Service) FailTask(ctx context.Context, taskID, reason string) error {
	_, _, err := s.complete(ctx, taskID, "", models.TaskStatusFailed, models.TaskResult{Error: reason})
	return err
}

func (s *Service) complete(ctx context.Context, id, machineID string, outcome models.TaskStatus, result models.TaskResult) (*models.Task, bool, error) {
	inputs := map[string]any{"task_id": id, "machine_id": machineID, "outcome": outcome}

	task, duplicate, err := s.store.CompleteTask(ctx, id, machineID, outcome, result)
	if err != nil {
		return nil, false, err
	}
	if duplicate {
		s.logger.Debug("duplicate result report", "task", id, "machine", machineID, "stored", task.Status)
		s.record(ctx, "task.result", inputs, audit.OutcomeDuplicate, id, "")
		return task, true, nil
	}

	s.logger.Info("task finished", "task", id, "status", task.Status, "machine", task.AssignedMachine, "cost", result.Cost)
	s.record(ctx, "task.result", inputs, audit.OutcomeSuccess, id, string(task.Status))
	s.relay.Finish(ctx, id, task.Status, result)
	s.notifier.TaskCompleted(ctx, *task)
	return task, false, nil
}

// --- Streaming ---

// PushEvent relays one stream event from the machine that owns the task.
func (s *Service) PushEvent(ctx context.Context, id, machineID string, ev models.StreamEvent) error {
	switch ev.Type {
	case models.EventText, models.EventToolUse, models.EventResult:
	default:
		return fmt.Errorf("event type %q: %w", ev.Type, models.ErrInvalidInput)
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		s.logger.Debug("dropping event for finished task", "task", id, "status", task.Status, "type", ev.Type)
		return nil
	}
	if machineID != "" && task.AssignedMachine != machineID {
		return models.ErrNotOwner
	}

	ev.TaskID = id
	s.relay.Push(ctx, ev)
	return nil
}

// PollInput returns and removes the oldest live human reply for a task, or
// nil when there is none. Polling a terminal task fails with
// ErrInvalidTransition so a machine still executing it knows to stop.
func (s *Service) PollInput(ctx context.Context, id, machineID string) (*models.PendingInput, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("poll %s task: %w", task.Status, models.ErrInvalidTransition)
	}
	if machineID != "" && task.AssignedMachine != machineID {
		return nil, models.ErrNotOwner
	}
	entry, ok := s.relay.Inbox().Poll(id)
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// EnqueueReply queues a human reply for an active task.
func (s *Service) EnqueueReply(ctx context.Context, id, text string) (*models.PendingInput, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required: %w", models.ErrInvalidInput)
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("reply to %s task: %w", task.Status, models.ErrInvalidTransition)
	}
	entry := s.relay.Inbox().Enqueue(id, text)
	return &entry, nil
}

// --- Machines ---

// RegisterMachineRequest declares a machine and its capabilities.
type RegisterMachineRequest struct {
	ID            string   `json:"id"`
	Affinities    []string `json:"affinities"`
	MaxConcurrent int      `json:"max_concurrent"`
}

// RegisterMachine upserts a machine.
func (s *Service) RegisterMachine(ctx context.Context, req RegisterMachineRequest) (*models.Machine, error) {
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		return nil, fmt.Errorf("machine id is required: %w", models.ErrInvalidInput)
	}
	if req.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max_concurrent must be at least 1: %w", models.ErrInvalidInput)
	}

	m, err := s.store.UpsertMachine(ctx, req.ID, req.Affinities, req.MaxConcurrent)
	if err != nil {
		return nil, err
	}
	m.Status = m.DeriveStatus(s.now(), s.cfg.StaleAfter)
	s.logger.Info("machine registered", "machine", m.ID, "affinities", m.Affinities, "max_concurrent", m.MaxConcurrent)
	s.record(ctx, "machine.register", req, audit.OutcomeSuccess, "", m.ID)
	return m, nil
}

// Heartbeat records a machine's liveness. A zero sentAt means now. applied is
// false when a newer heartbeat was already recorded.
func (s *Service) Heartbeat(ctx context.Context, machineID string, activeCount int, sentAt time.Time) (applied bool, err error) {
	if activeCount < 0 {
		return false, fmt.Errorf("active_count must not be negative: %w", models.ErrInvalidInput)
	}
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	return s.store.Heartbeat(ctx, machineID, activeCount, sentAt)
}

// ListMachines returns machines with status derived at the current time.
func (s *Service) ListMachines(ctx context.Context) ([]models.Machine, error) {
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range machines {
		machines[i].Status = machines[i].DeriveStatus(now, s.cfg.StaleAfter)
	}
	return machines, nil
}

// ClaimNext hands the machine its next task, or nil when none is available.
// A machine whose heartbeat is stale must heartbeat before claiming.
func (s *Service) ClaimNext(ctx context.Context, machineID string) (*models.Task, error) {
	m, err := s.store.GetMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	if m.DeriveStatus(s.now(), s.cfg.StaleAfter) == models.MachineStatusOffline {
		return nil, fmt.Errorf("machine %s: %w", machineID, models.ErrMachineStale)
	}

	task, err := s.store.ClaimNext(ctx, machineID)
	if err != nil || task == nil {
		return nil, err
	}
	s.logger.Info("task claimed", "task", task.ID, "machine", machineID)
	s.record(ctx, "task.claim", map[string]string{"task_id": task.ID, "machine_id": machineID}, audit.OutcomeSuccess, task.ID, "")
	return task, nil
}

// --- Subagent runs ---

// SpawnRun creates a pending subagent run.
func (s *Service) SpawnRun(ctx context.Context, req subagent.SpawnRequest) (*models.SubagentRun, error) {
	return s.subagents.Spawn(ctx, req)
}

// GetRun returns a run by ID.
func (s *Service) GetRun(ctx context.Context, id string) (*models.SubagentRun, error) {
	return s.subagents.Get(ctx, id)
}

// ListRuns returns runs, newest first.
func (s *Service) ListRuns(ctx context.Context, f store.RunFilter) ([]models.SubagentRun, error) {
	return s.subagents.List(ctx, f)
}

// RunDescendants returns the run tree below id.
func (s *Service) RunDescendants(ctx context.Context, id string) ([]models.SubagentRun, error) {
	return s.subagents.Descendants(ctx, id)
}

// CancelRun cancels a run and optionally its descendants.
func (s *Service) CancelRun(ctx context.Context, id string, cascade bool) ([]string, error) {
	return s.subagents.Cancel(ctx, id, cascade)
}

// Profiles returns the active subagent profiles.
func (s *Service) Profiles() []subagent.Profile {
	return s.subagents.Profiles().List()
}

func (s *Service) record(ctx context.Context, action string, inputs any, outcome, taskID, details string) {
	if s.pdr == nil {
		return
	}
	if _, err := s.pdr.Record(ctx, action, inputs, outcome, taskID, details); err != nil {
		s.logger.Warn("write pdr", "action", action, "error", err)
	}
}
