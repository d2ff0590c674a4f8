// Package dispatcher runs the periodic control loop that demotes stale
// machines and proposes machine assignments for queued tasks.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/fleet/internal/audit"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/store"
)

// Failer moves a task to failed through the idempotent result path so that
// first-completion side effects fire exactly once.
type Failer interface {
	FailTask(ctx context.Context, taskID, reason string) error
}

// CycleStats summarizes one dispatcher cycle.
type CycleStats struct {
	Offline      []string `json:"offline"`
	Requeued     []string `json:"requeued"`
	Assigned     int      `json:"assigned"`
	Unplaced     int      `json:"unplaced"`
	StaleRunning []string `json:"stale_running"`
	AutoFailed   []string `json:"auto_failed"`
}

// Dispatcher sweeps the machine registry and assigns queued tasks.
type Dispatcher struct {
	store   *store.Store
	pdr     *audit.PDRWriter
	cfg     Config
	alerter Alerter
	failer  Failer
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	alerted map[alertKey]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.now = clock }
}

// WithAlerter sets where operator alerts are sent.
func WithAlerter(a Alerter) Option {
	return func(d *Dispatcher) { d.alerter = a }
}

// WithFailer sets the path used by the optional stale-running auto-fail.
func WithFailer(f Failer) Option {
	return func(d *Dispatcher) { d.failer = f }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a dispatcher.
func New(s *store.Store, pdr *audit.PDRWriter, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   s,
		pdr:     pdr,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
		alerted: make(map[alertKey]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.alerter == nil {
		d.alerter = NewLogAlerter(d.logger)
	}
	return d
}

// Start begins the dispatcher loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.loop(ctx)
	d.logger.Info("dispatcher started", "interval", d.cfg.Interval)
}

// Stop gracefully stops the dispatcher.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunCycle(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("dispatcher cycle failed", "error", err)
			}
		}
	}
}

// RunCycle performs one sweep and one assignment pass at the current clock time.
func (d *Dispatcher) RunCycle(ctx context.Context) (*CycleStats, error) {
	now := d.now()
	stats := &CycleStats{}

	machines, err := d.store.ListMachines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}

	offline, err := d.sweep(ctx, now, machines, stats)
	if err != nil {
		return nil, err
	}
	if err := d.assign(ctx, now, machines, stats); err != nil {
		return nil, err
	}
	if err := d.checkStaleRunning(ctx, now, offline, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// sweep demotes machines whose heartbeat is too old and requeues their
// unclaimed work. Claimed and running tasks are left alone: the machine may
// still be working behind a broken heartbeat channel. The demotion is
// rechecked against the stored heartbeat, so one that lands after the
// snapshot keeps the machine and its assignments.
func (d *Dispatcher) sweep(ctx context.Context, now time.Time, machines []models.Machine, stats *CycleStats) (map[string]models.Machine, error) {
	offline := make(map[string]models.Machine)
	cutoff := now.Add(-d.cfg.StaleAfter)

	for i := range machines {
		m := &machines[i]
		status := m.DeriveStatus(now, d.cfg.StaleAfter)
		if status != models.MachineStatusOffline {
			if status != m.Status {
				if err := d.store.SetMachineStatus(ctx, m.ID, status); err != nil {
					return nil, err
				}
				m.Status = status
			}
			continue
		}

		marked, ids, err := d.store.MarkOffline(ctx, m.ID, cutoff)
		if err != nil {
			return nil, err
		}
		if !marked {
			d.logger.Debug("heartbeat arrived during sweep, machine kept", "machine", m.ID)
			continue
		}
		if m.Status != models.MachineStatusOffline {
			d.logger.Warn("machine went offline", "machine", m.ID, "last_heartbeat", m.LastHeartbeat)
			stats.Offline = append(stats.Offline, m.ID)
		}
		m.Status = models.MachineStatusOffline
		offline[m.ID] = *m

		for _, id := range ids {
			d.logger.Info("requeued task from offline machine", "task", id, "machine", m.ID)
			d.record(ctx, "task.requeue", map[string]string{"task_id": id, "machine_id": m.ID}, audit.OutcomeSuccess, id,
				fmt.Sprintf("machine %s offline", m.ID))
		}
		stats.Requeued = append(stats.Requeued, ids...)
	}
	return offline, nil
}

// candidate tracks capacity locally so one cycle never proposes more work
// than a machine can take; the store rechecks inside the assignment
// transaction.
type candidate struct {
	machine models.Machine
	free    int
}

func (d *Dispatcher) assign(ctx context.Context, now time.Time, machines []models.Machine, stats *CycleStats) error {
	var pool []*candidate
	for _, m := range machines {
		if m.Status == models.MachineStatusOffline {
			continue
		}
		if free := m.FreeCapacity(); free > 0 {
			pool = append(pool, &candidate{machine: m, free: free})
		}
	}

	tasks, err := d.store.ListUnassignedQueued(ctx)
	if err != nil {
		return fmt.Errorf("list queued tasks: %w", err)
	}

	for _, task := range tasks {
		placed, err := d.place(ctx, task, pool)
		if err != nil {
			return err
		}
		if placed {
			stats.Assigned++
			continue
		}

		stats.Unplaced++
		if age := now.Sub(task.CreatedAt); age > d.cfg.UnplacedAlertAfter {
			d.alert(ctx, Alert{
				Kind:    AlertNoMachineAvailable,
				TaskID:  task.ID,
				Project: task.Project,
				Age:     age,
				Message: fmt.Sprintf("task queued for %s with no eligible machine", age.Round(time.Second)),
			})
		}
	}
	return nil
}

func (d *Dispatcher) place(ctx context.Context, task models.Task, pool []*candidate) (bool, error) {
	for _, c := range d.rank(task, pool) {
		err := d.store.AssignTask(ctx, task.ID, c.machine.ID)
		switch {
		case err == nil:
			c.free--
			d.logger.Info("assigned task", "task", task.ID, "project", task.Project, "machine", c.machine.ID)
			d.record(ctx, "task.assign", map[string]string{"task_id": task.ID, "machine_id": c.machine.ID},
				audit.OutcomeSuccess, task.ID, fmt.Sprintf("assigned to %s", c.machine.ID))
			return true, nil
		case errors.Is(err, models.ErrNoMachineAvailable):
			// Load changed since the snapshot; stop offering to this machine.
			c.free = 0
		case errors.Is(err, models.ErrClaimConflict):
			// Claimed or cancelled concurrently; nothing left to place.
			return true, nil
		default:
			return false, fmt.Errorf("assign task %s: %w", task.ID, err)
		}
	}
	return false, nil
}

// rank orders eligible machines: affinity match first, then most free
// capacity, then earliest registration.
func (d *Dispatcher) rank(task models.Task, pool []*candidate) []*candidate {
	var eligible []*candidate
	for _, c := range pool {
		if c.free <= 0 {
			continue
		}
		if d.cfg.StrictAffinity && len(c.machine.Affinities) > 0 && !c.machine.HasAffinity(task.Project) {
			continue
		}
		eligible = append(eligible, c)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		am, bm := a.machine.HasAffinity(task.Project), b.machine.HasAffinity(task.Project)
		if am != bm {
			return am
		}
		if a.free != b.free {
			return a.free > b.free
		}
		if !a.machine.RegisteredAt.Equal(b.machine.RegisteredAt) {
			return a.machine.RegisteredAt.Before(b.machine.RegisteredAt)
		}
		return a.machine.ID < b.machine.ID
	})
	return eligible
}

// checkStaleRunning alerts on in-flight tasks held by offline machines and,
// when configured, fails those whose machine has been silent long enough.
func (d *Dispatcher) checkStaleRunning(ctx context.Context, now time.Time, offline map[string]models.Machine, stats *CycleStats) error {
	if len(offline) == 0 {
		return nil
	}

	tasks, err := d.store.ListInFlight(ctx)
	if err != nil {
		return fmt.Errorf("list in-flight tasks: %w", err)
	}

	for _, task := range tasks {
		m, ok := offline[task.AssignedMachine]
		if !ok {
			continue
		}

		silent := now.Sub(m.LastHeartbeat)
		if d.cfg.StaleRunningFailAfter > 0 && silent > d.cfg.StaleRunningFailAfter && d.failer != nil {
			reason := fmt.Sprintf("machine %s offline", m.ID)
			if err := d.failer.FailTask(ctx, task.ID, reason); err != nil {
				d.logger.Error("auto-fail stale task", "task", task.ID, "machine", m.ID, "error", err)
				continue
			}
			d.logger.Warn("auto-failed stale task", "task", task.ID, "machine", m.ID, "silent_for", silent)
			stats.AutoFailed = append(stats.AutoFailed, task.ID)
			continue
		}

		age := now.Sub(inFlightSince(task))
		if age <= d.cfg.StaleRunningAfter {
			continue
		}
		stats.StaleRunning = append(stats.StaleRunning, task.ID)
		d.alert(ctx, Alert{
			Kind:      AlertStaleRunning,
			TaskID:    task.ID,
			Project:   task.Project,
			MachineID: m.ID,
			Age:       age,
			Message:   fmt.Sprintf("task %s for %s on offline machine %s", task.Status, age.Round(time.Second), m.ID),
		})
	}
	return nil
}

func inFlightSince(task models.Task) time.Time {
	for _, t := range []*time.Time{task.StartedAt, task.ClaimedAt, task.AssignedAt} {
		if t != nil {
			return *t
		}
	}
	return task.CreatedAt
}

func (d *Dispatcher) alert(ctx context.Context, a Alert) {
	key := alertKey{kind: a.Kind, taskID: a.TaskID}

	d.mu.Lock()
	_, seen := d.alerted[key]
	if !seen {
		d.alerted[key] = struct{}{}
	}
	d.mu.Unlock()

	if seen {
		return
	}
	d.alerter.Alert(ctx, a)
}

func (d *Dispatcher) record(ctx context.Context, action string, inputs any, outcome, taskID, details string) {
	if d.pdr == nil {
		return
	}
	if _, err := d.pdr.Record(ctx, action, inputs, outcome, taskID, details); err != nil {
		d.logger.Warn("write pdr", "action", action, "error", err)
	}
}
