// Package subagent spawns, executes, times out and cleans up bounded child
// work units with per-profile concurrency limits.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/fleet/internal/audit"
	"github.com/fentz26/fleet/internal/connectors"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/store"
)

var activeStatuses = []models.RunStatus{models.RunStatusPending, models.RunStatusRunning}

// Notifier is told when a child run reaches a terminal state, so its parent
// never waits on a run that will not finish.
type Notifier interface {
	RunFinished(ctx context.Context, parentRunID string, child models.SubagentRun)
}

// LogNotifier logs parent notifications.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) RunFinished(ctx context.Context, parentRunID string, child models.SubagentRun) {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "child run finished", "parent", parentRunID, "run", child.ID, "status", child.Status)
}

// Config defines the manager configuration.
type Config struct {
	PollInterval time.Duration
	PurgeGrace   time.Duration
	// MaxParallel caps executions started by this process across all profiles.
	MaxParallel int
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		PurgeGrace:   10 * time.Minute,
		MaxParallel:  8,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PurgeGrace <= 0 {
		c.PurgeGrace = def.PurgeGrace
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = def.MaxParallel
	}
	return c
}

// SpawnRequest describes a run to create. Zero fields take profile defaults.
type SpawnRequest struct {
	ProfileID      string               `json:"profile_id"`
	Task           string               `json:"task"`
	ParentRunID    string               `json:"parent_run_id,omitempty"`
	Model          string               `json:"model,omitempty"`
	TimeoutSeconds int                  `json:"timeout_seconds,omitempty"`
	Cleanup        models.CleanupPolicy `json:"cleanup,omitempty"`
}

// Manager owns the subagent run lifecycle.
type Manager struct {
	store     *store.Store
	profiles  *ProfileSet
	executors *connectors.Registry
	pdr       *audit.PDRWriter
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
	execWg  sync.WaitGroup

	cancel context.CancelFunc
	loopWg sync.WaitGroup
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.now = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithNotifier sets the parent notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithPDR records lifecycle decisions to the audit trail.
func WithPDR(w *audit.PDRWriter) Option {
	return func(m *Manager) { m.pdr = w }
}

// NewManager creates a manager.
func NewManager(s *store.Store, profiles *ProfileSet, executors *connectors.Registry, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:     s,
		profiles:  profiles,
		executors: executors,
		cfg:       cfg.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
		running:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.notifier == nil {
		m.notifier = LogNotifier{Logger: m.logger}
	}
	return m
}

// Profiles returns the live profile table.
func (m *Manager) Profiles() *ProfileSet {
	return m.profiles
}

// Spawn creates a pending run and returns immediately. A profile already at
// its limit rejects the spawn with models.ErrSubagentConcurrencyExceeded and
// no record is created.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*models.SubagentRun, error) {
	profile, ok := m.profiles.Get(req.ProfileID)
	if !ok {
		return nil, fmt.Errorf("%q: %w", req.ProfileID, models.ErrUnknownProfile)
	}
	if strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("task is required: %w", models.ErrInvalidInput)
	}
	if req.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("timeout_seconds must not be negative: %w", models.ErrInvalidInput)
	}
	if int64(req.TimeoutSeconds) > int64(MaxRunTimeout/time.Second) {
		return nil, fmt.Errorf("timeout_seconds must not exceed %d: %w", int64(MaxRunTimeout/time.Second), models.ErrInvalidInput)
	}

	in := store.NewRun{
		ParentRunID:    req.ParentRunID,
		ProfileID:      profile.ID,
		Task:           req.Task,
		Mode:           profile.Mode,
		Model:          req.Model,
		TimeoutSeconds: req.TimeoutSeconds,
		Cleanup:        req.Cleanup,
	}
	if in.Model == "" {
		in.Model = profile.DefaultModel
	}
	if in.TimeoutSeconds == 0 {
		in.TimeoutSeconds = int(profile.DefaultTimeout / time.Second)
	}
	switch in.Cleanup {
	case "":
		in.Cleanup = profile.Cleanup
	case models.CleanupRetain, models.CleanupPurge:
	default:
		return nil, fmt.Errorf("cleanup %q: %w", in.Cleanup, models.ErrInvalidInput)
	}

	run, err := m.store.InsertRunWithinLimit(ctx, in, profile.MaxConcurrent)
	if err != nil {
		outcome := audit.OutcomeFailure
		if errors.Is(err, models.ErrSubagentConcurrencyExceeded) {
			outcome = audit.OutcomeRejected
		}
		m.record(ctx, "run.spawn", req, outcome, err.Error())
		return nil, err
	}

	m.logger.Info("run spawned", "run", run.ID, "profile", run.ProfileID, "parent", run.ParentRunID, "timeout_s", run.TimeoutSeconds)
	m.record(ctx, "run.spawn", req, audit.OutcomeSuccess, "run "+run.ID)
	return run, nil
}

// Get returns a run by ID.
func (m *Manager) Get(ctx context.Context, id string) (*models.SubagentRun, error) {
	return m.store.GetRun(ctx, id)
}

// List returns runs, newest first.
func (m *Manager) List(ctx context.Context, f store.RunFilter) ([]models.SubagentRun, error) {
	return m.store.ListRuns(ctx, f)
}

// Descendants returns every run spawned below id.
func (m *Manager) Descendants(ctx context.Context, id string) ([]models.SubagentRun, error) {
	if _, err := m.store.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return m.store.Descendants(ctx, id)
}

// Start begins the worker and sweep loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.loopWg.Add(1)
	go m.loop(ctx)
	m.logger.Info("subagent manager started", "poll_interval", m.cfg.PollInterval)
}

// Stop ends the loop and cancels in-flight executions. Runs interrupted this
// way stay running in the store and are resolved by the timeout sweep.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.loopWg.Wait()

	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
	m.execWg.Wait()
	m.logger.Info("subagent manager stopped")
}

// Wait blocks until every started execution has returned.
func (m *Manager) Wait() {
	m.execWg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.loopWg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepTimeouts(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("timeout sweep failed", "error", err)
			}
			if _, err := m.Tick(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("worker tick failed", "error", err)
			}
			if _, err := m.Purge(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("purge failed", "error", err)
			}
		}
	}
}

// Tick starts pending runs, oldest first, up to the free execution slots.
// It returns how many runs were started.
func (m *Manager) Tick(ctx context.Context) (int, error) {
	m.mu.Lock()
	slots := m.cfg.MaxParallel - len(m.running)
	m.mu.Unlock()
	if slots <= 0 {
		return 0, nil
	}

	pending, err := m.store.PendingRuns(ctx, slots)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, run := range pending {
		ok, err := m.store.TransitionRun(ctx, run.ID, []models.RunStatus{models.RunStatusPending}, models.RunStatusRunning, "", "")
		if err != nil {
			return started, err
		}
		if !ok {
			continue
		}

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), run.Timeout())
		m.mu.Lock()
		m.running[run.ID] = cancel
		m.mu.Unlock()

		m.execWg.Add(1)
		go m.execute(runCtx, run)
		started++
	}
	return started, nil
}

func (m *Manager) execute(ctx context.Context, run models.SubagentRun) {
	defer m.execWg.Done()
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.running[run.ID]; ok {
			cancel()
			delete(m.running, run.ID)
		}
		m.mu.Unlock()
	}()

	output, cost, err := m.invoke(ctx, run)

	// Persist with a fresh context: the run context may already be done.
	bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		m.finish(bg, run.ID, models.RunStatusCompleted, output, "", fmt.Sprintf("cost %.4f", cost))
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		m.finish(bg, run.ID, models.RunStatusTimeout, "", fmt.Sprintf("timed out after %ds", run.TimeoutSeconds), "")
	case errors.Is(ctx.Err(), context.Canceled):
		// Cancelled by Cancel or Stop; Cancel already recorded the outcome.
		m.logger.Info("run execution stopped", "run", run.ID)
	default:
		m.finish(bg, run.ID, models.RunStatusError, "", err.Error(), "")
	}
}

// invoke runs the executor, turning a panic into an error so the run never
// stays running.
func (m *Manager) invoke(ctx context.Context, run models.SubagentRun) (output string, cost float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	exec, err := m.executors.Get(run.Mode)
	if err != nil {
		return "", 0, err
	}
	resp, err := exec.Run(ctx, connectors.Request{RunID: run.ID, Prompt: run.Task, Model: run.Model})
	if err != nil {
		return "", 0, err
	}
	return resp.Output, resp.Cost, nil
}

// finish applies a terminal transition from running. It reports whether this
// call won; a run already ended by a sweep or cancel is left alone.
func (m *Manager) finish(ctx context.Context, runID string, to models.RunStatus, result, errText, details string) bool {
	ok, err := m.store.TransitionRun(ctx, runID, []models.RunStatus{models.RunStatusRunning}, to, result, errText)
	if err != nil {
		m.logger.Error("record run outcome", "run", runID, "status", to, "error", err)
		return false
	}
	if !ok {
		m.logger.Debug("run already terminal, outcome dropped", "run", runID, "status", to)
		return false
	}

	if details == "" {
		details = errText
	}
	m.logger.Info("run finished", "run", runID, "status", to)
	m.record(ctx, "run."+string(to), map[string]string{"run_id": runID}, audit.OutcomeSuccess, details)
	m.notifyParent(ctx, runID)
	return true
}

// SweepTimeouts marks running runs past their timeout as timed out, cancels
// their local execution and frees their profile slot.
func (m *Manager) SweepTimeouts(ctx context.Context) (int, error) {
	expired, err := m.store.ExpiredRuns(ctx, m.now())
	if err != nil {
		return 0, err
	}

	n := 0
	for _, run := range expired {
		if !m.finish(ctx, run.ID, models.RunStatusTimeout, "", fmt.Sprintf("timed out after %ds", run.TimeoutSeconds), "") {
			continue
		}
		m.stopLocal(run.ID)
		n++
	}
	return n, nil
}

// Purge deletes purge-policy runs that ended more than the grace period ago.
func (m *Manager) Purge(ctx context.Context) (int64, error) {
	n, err := m.store.PurgeRuns(ctx, m.now().Add(-m.cfg.PurgeGrace))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("purged runs", "count", n)
	}
	return n, nil
}

// Cancel cancels a run, and with cascade every descendant. Pending runs leave
// the pool; running runs are marked cancelled and their execution context is
// cancelled. It returns the IDs that were actually cancelled.
func (m *Manager) Cancel(ctx context.Context, runID string, cascade bool) ([]string, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	targets := []models.SubagentRun{*run}
	if cascade {
		desc, err := m.store.Descendants(ctx, runID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, desc...)
	}

	var cancelled []string
	for _, t := range targets {
		if t.Status.IsTerminal() {
			continue
		}
		ok, err := m.store.TransitionRun(ctx, t.ID, activeStatuses, models.RunStatusCancelled, "", "cancelled")
		if err != nil {
			return cancelled, err
		}
		if !ok {
			continue
		}
		m.stopLocal(t.ID)
		m.record(ctx, "run.cancel", map[string]any{"run_id": t.ID, "cascade": cascade}, audit.OutcomeSuccess, "")
		m.notifyParent(ctx, t.ID)
		cancelled = append(cancelled, t.ID)
	}
	return cancelled, nil
}

func (m *Manager) stopLocal(runID string) {
	m.mu.Lock()
	cancel, ok := m.running[runID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) notifyParent(ctx context.Context, runID string) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		m.logger.Warn("load run for notification", "run", runID, "error", err)
		return
	}
	if run.ParentRunID == "" {
		return
	}
	m.notifier.RunFinished(ctx, run.ParentRunID, *run)
}

func (m *Manager) record(ctx context.Context, action string, inputs any, outcome, details string) {
	if m.pdr == nil {
		return
	}
	if _, err := m.pdr.Record(ctx, action, inputs, outcome, "", details); err != nil {
		m.logger.Warn("write pdr", "action", action, "error", err)
	}
}
