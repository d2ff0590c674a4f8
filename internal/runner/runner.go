// Package runner is the machine side of fleet: it registers with the
// control plane, keeps the registration alive, claims tasks up to a local
// concurrency limit and executes them, streaming output back as it goes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/fleet/internal/connectors"
	"github.com/fentz26/fleet/internal/controlplane"
	"github.com/fentz26/fleet/internal/models"
	"github.com/kballard/go-shellquote"
)

// StopCommand is the reply text that aborts a running task.
const StopCommand = "/stop"

// summaryLines is how much trailing output goes into a result summary.
const summaryLines = 20

// API is the subset of the control plane client the runner needs.
type API interface {
	RegisterMachine(ctx context.Context, req controlplane.RegisterMachineRequest) (*models.Machine, error)
	Heartbeat(ctx context.Context, machineID string, activeCount int, sentAt time.Time) (bool, error)
	ClaimNext(ctx context.Context, machineID string) (*models.Task, error)
	StartTask(ctx context.Context, id, machineID string) (*models.Task, error)
	PushEvent(ctx context.Context, id, machineID string, ev models.StreamEvent) error
	PollInput(ctx context.Context, id, machineID string) (*models.PendingInput, error)
	ReportResult(ctx context.Context, id string, req controlplane.ReportResultRequest) (*models.Task, bool, error)
}

// Executor runs one command line, calling onLine for each line of output.
type Executor interface {
	Stream(ctx context.Context, cmd string, args []string, onLine func(string)) (*connectors.ExecResult, error)
}

// Config holds runner settings.
type Config struct {
	MachineID         string
	Affinities        []string
	MaxConcurrent     int
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	InputPollInterval time.Duration
	ReportAttempts    int
	ReportBackoff     time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     1,
		HeartbeatInterval: 15 * time.Second,
		PollInterval:      5 * time.Second,
		InputPollInterval: 2 * time.Second,
		ReportAttempts:    5,
		ReportBackoff:     time.Second,
	}
}

// Runner claims and executes tasks for one machine.
type Runner struct {
	api    API
	exec   Executor
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source used for heartbeat timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a runner. Zero config fields fall back to DefaultConfig.
func New(api API, exec Executor, cfg Config, opts ...Option) *Runner {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.InputPollInterval <= 0 {
		cfg.InputPollInterval = def.InputPollInterval
	}
	if cfg.ReportAttempts <= 0 {
		cfg.ReportAttempts = def.ReportAttempts
	}
	if cfg.ReportBackoff <= 0 {
		cfg.ReportBackoff = def.ReportBackoff
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		api:    api,
		exec:   exec,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		active: make(map[string]context.CancelFunc),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runner", "machine", cfg.MachineID)
	return r
}

// Register announces this machine to the control plane.
func (r *Runner) Register(ctx context.Context) error {
	_, err := r.api.RegisterMachine(ctx, controlplane.RegisterMachineRequest{
		ID:            r.cfg.MachineID,
		Affinities:    r.cfg.Affinities,
		MaxConcurrent: r.cfg.MaxConcurrent,
	})
	if err != nil {
		return fmt.Errorf("register machine %s: %w", r.cfg.MachineID, err)
	}
	r.logger.Info("registered", "affinities", r.cfg.Affinities, "max_concurrent", r.cfg.MaxConcurrent)
	return nil
}

// Heartbeat reports liveness and the current load. A daemon that no longer
// knows this machine gets a fresh registration.
func (r *Runner) Heartbeat(ctx context.Context) error {
	applied, err := r.api.Heartbeat(ctx, r.cfg.MachineID, r.Active(), r.now())
	if errors.Is(err, models.ErrNotFound) {
		r.logger.Warn("daemon forgot this machine, registering again")
		if err := r.Register(ctx); err != nil {
			return err
		}
		applied, err = r.api.Heartbeat(ctx, r.cfg.MachineID, r.Active(), r.now())
	}
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if !applied {
		r.logger.Debug("heartbeat superseded by a newer one")
	}
	return nil
}

// ClaimOnce claims at most one task and starts executing it in the
// background. It returns nil when the machine is full or nothing is
// assigned to it.
func (r *Runner) ClaimOnce(ctx context.Context) (*models.Task, error) {
	if r.Active() >= r.cfg.MaxConcurrent {
		return nil, nil
	}

	task, err := r.api.ClaimNext(ctx, r.cfg.MachineID)
	if errors.Is(err, models.ErrMachineStale) {
		r.logger.Info("machine marked stale, sending heartbeat before claiming")
		return nil, r.Heartbeat(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if task == nil {
		return nil, nil
	}

	taskCtx, cancel := context.WithCancel(r.ctx)
	r.mu.Lock()
	r.active[task.ID] = cancel
	r.mu.Unlock()

	r.logger.Info("claimed task", "task", task.ID, "project", task.Project)
	r.wg.Add(1)
	go r.execute(taskCtx, *task)
	return task, nil
}

// Active returns the number of tasks currently executing.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Start registers the machine and begins the heartbeat and claim loops.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		return err
	}
	if err := r.Heartbeat(ctx); err != nil {
		r.logger.Warn("initial heartbeat failed", "error", err)
	}

	r.wg.Add(2)
	go r.loop(r.cfg.HeartbeatInterval, func(ctx context.Context) error { return r.Heartbeat(ctx) })
	go r.loop(r.cfg.PollInterval, r.claimAll)
	r.logger.Info("runner started")
	return nil
}

// Stop cancels running tasks, reports them failed and waits for every
// goroutine to exit.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
	r.logger.Info("runner stopped")
}

func (r *Runner) loop(interval time.Duration, step func(context.Context) error) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := step(r.ctx); err != nil && r.ctx.Err() == nil {
			r.logger.Warn("runner step failed", "error", err)
		}
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claimAll fills every free slot.
func (r *Runner) claimAll(ctx context.Context) error {
	for r.Active() < r.cfg.MaxConcurrent {
		task, err := r.ClaimOnce(ctx)
		if err != nil || task == nil {
			return err
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, task models.Task) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.active[task.ID]; ok {
			cancel()
			delete(r.active, task.ID)
		}
		r.mu.Unlock()
	}()

	logger := r.logger.With("task", task.ID)
	if _, err := r.api.StartTask(ctx, task.ID, r.cfg.MachineID); err != nil {
		if errors.Is(err, models.ErrNotOwner) || errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
			logger.Warn("task no longer ours, dropping", "error", err)
			return
		}
		reason := fmt.Sprintf("start task: %v", err)
		if ctx.Err() != nil {
			reason = "interrupted: runner shutting down"
		}
		r.report(logger, task.ID, models.TaskStatusFailed, models.TaskResult{Error: reason})
		return
	}

	argv, err := shellquote.Split(task.Description)
	if err == nil && len(argv) == 0 {
		err = errors.New("empty command")
	}
	if err != nil {
		r.report(logger, task.ID, models.TaskStatusFailed, models.TaskResult{Error: fmt.Sprintf("parse command: %v", err)})
		return
	}

	execCtx, stopExec := context.WithCancel(ctx)
	defer stopExec()
	stopped := make(chan struct{})
	inputDone := make(chan struct{})
	var stopReason string
	go func() {
		defer close(inputDone)
		r.pollInput(execCtx, logger, task.ID, func(reason string) {
			stopReason = reason
			close(stopped)
			stopExec()
		})
	}()

	logger.Info("executing", "command", argv[0])
	res, execErr := r.exec.Stream(execCtx, argv[0], argv[1:], func(line string) {
		r.push(ctx, logger, task.ID, models.StreamEvent{Type: models.EventText, Payload: models.EventPayload{Text: line}})
	})
	stopExec()
	<-inputDone

	outcome, result := models.TaskStatusCompleted, models.TaskResult{}
	switch {
	case isClosed(stopped):
		outcome, result.Error = models.TaskStatusFailed, stopReason
	case ctx.Err() != nil:
		outcome, result.Error = models.TaskStatusFailed, "interrupted: runner shutting down"
	case execErr != nil:
		outcome, result.Error = models.TaskStatusFailed, execErr.Error()
	case res.ExitCode != 0:
		outcome = models.TaskStatusFailed
		result.Error = fmt.Sprintf("exit code %d: %s", res.ExitCode, strings.TrimSpace(tail(res.Stderr, summaryLines)))
	}
	if res != nil {
		result.Summary = tail(res.Stdout, summaryLines)
	}
	r.report(logger, task.ID, outcome, result)
}

// pollInput drains human replies while the task runs. StopCommand aborts
// the task; other replies are echoed into the stream. Losing ownership of
// the task, or the task turning terminal, also aborts it.
func (r *Runner) pollInput(ctx context.Context, logger *slog.Logger, taskID string, stop func(reason string)) {
	ticker := time.NewTicker(r.cfg.InputPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			entry, err := r.api.PollInput(ctx, taskID, r.cfg.MachineID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if released(err) {
					logger.Info("task cancelled or finished elsewhere, aborting", "error", err)
					stop("cancelled by operator")
					return
				}
				logger.Debug("poll input failed", "error", err)
				break
			}
			if entry == nil {
				break
			}
			text := strings.TrimSpace(entry.Text)
			if text == StopCommand {
				logger.Info("stop requested by operator")
				stop("stopped by operator")
				return
			}
			logger.Info("reply received", "length", len(text))
			r.push(ctx, logger, taskID, models.StreamEvent{Type: models.EventText, Payload: models.EventPayload{Text: "> " + text}})
		}
	}
}

func (r *Runner) push(ctx context.Context, logger *slog.Logger, taskID string, ev models.StreamEvent) {
	if err := r.api.PushEvent(ctx, taskID, r.cfg.MachineID, ev); err != nil && ctx.Err() == nil {
		logger.Debug("push event failed", "error", err)
	}
}

// report delivers the result, retrying transient failures. Reporting is
// idempotent on the daemon, so a retry after a lost response is harmless.
// It runs detached from the runner's context so shutdown still reports.
func (r *Runner) report(logger *slog.Logger, taskID string, outcome models.TaskStatus, result models.TaskResult) {
	req := controlplane.ReportResultRequest{MachineID: r.cfg.MachineID, Outcome: outcome, Result: result}
	backoff := r.cfg.ReportBackoff

	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, duplicate, err := r.api.ReportResult(ctx, taskID, req)
		cancel()
		if err == nil {
			logger.Info("reported result", "outcome", outcome, "duplicate", duplicate)
			return
		}
		if permanent(err) || attempt >= r.cfg.ReportAttempts {
			logger.Error("giving up on result report", "attempt", attempt, "error", err)
			return
		}
		logger.Warn("result report failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
}

// released reports errors meaning the daemon no longer wants this machine
// running the task.
func released(err error) bool {
	return errors.Is(err, models.ErrNotOwner) || errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidTransition)
}

// permanent reports errors a retry cannot fix.
func permanent(err error) bool {
	for _, target := range []error{
		models.ErrNotOwner, models.ErrNotFound, models.ErrInvalidInput,
		models.ErrInvalidTransition, controlplane.ErrUnauthorized,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
