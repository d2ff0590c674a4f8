package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/fleet/internal/models"
	"github.com/google/uuid"
)

const taskColumns = `id, project, description, priority, budget, status, assigned_machine, result,
	created_at, updated_at, assigned_at, claimed_at, started_at, ended_at`

// claimBatch bounds how many candidates one claim transaction walks before giving up.
const claimBatch = 16

// NewTask holds the caller-supplied fields of a task.
type NewTask struct {
	Project     string
	Description string
	Priority    int
	Budget      float64
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status  models.TaskStatus
	Project string
	Limit   int
}

func scanTask(row scanner) (*models.Task, error) {
	var task models.Task
	var assigned, result sql.NullString
	var createdAt, updatedAt int64
	var assignedAt, claimedAt, startedAt, endedAt sql.NullInt64

	err := row.Scan(&task.ID, &task.Project, &task.Description, &task.Priority, &task.Budget, &task.Status,
		&assigned, &result, &createdAt, &updatedAt, &assignedAt, &claimedAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	task.AssignedMachine = assigned.String
	task.CreatedAt = fromNanos(createdAt)
	task.UpdatedAt = fromNanos(updatedAt)
	task.AssignedAt = nullTime(assignedAt)
	task.ClaimedAt = nullTime(claimedAt)
	task.StartedAt = nullTime(startedAt)
	task.EndedAt = nullTime(endedAt)

	if result.Valid && result.String != "" {
		var r models.TaskResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode task result: %w", err)
		}
		task.Result = &r
	}
	return &task, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*models.Task, error) {
	task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// CreateTask inserts a new queued task.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (*models.Task, error) {
	now := s.now()
	task := &models.Task{
		ID:          uuid.New().String(),
		Project:     in.Project,
		Description: in.Description,
		Priority:    in.Priority,
		Budget:      in.Budget,
		Status:      models.TaskStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, project, description, priority, budget, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Project, task.Description, task.Priority, task.Budget, task.Status,
		toNanos(now), toNanos(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask retrieves a task by ID. It returns models.ErrNotFound for unknown IDs.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks, newest first, optionally filtered.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var where []string
	var args []any

	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	return s.queryTasks(ctx, query, args...)
}

// ListUnassignedQueued returns queued tasks with no machine in offer order:
// highest priority first, then oldest.
func (s *Store) ListUnassignedQueued(ctx context.Context) ([]models.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND assigned_machine IS NULL
		 ORDER BY priority DESC, created_at ASC, rowid ASC`,
		models.TaskStatusQueued,
	)
}

// ListInFlight returns tasks that are assigned, claimed or running.
func (s *Store) ListInFlight(ctx context.Context) ([]models.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?, ?) ORDER BY created_at ASC, rowid ASC`,
		models.TaskStatusAssigned, models.TaskStatusClaimed, models.TaskStatusRunning,
	)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// ClaimNext atomically hands the calling machine the highest-priority, oldest
// task that is queued or already assigned to it. It returns (nil, nil) when
// nothing is available.
//
// Each candidate is taken with an UPDATE guarded by its current status and
// assignment. When the guard matches no row another claimer won the race and
// the loop moves to the next candidate instead of waiting.
func (s *Store) ClaimNext(ctx context.Context, machineID string) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()

	var maxConcurrent int
	err = tx.QueryRowContext(ctx, `SELECT max_concurrent FROM machines WHERE id = ?`, machineID).Scan(&maxConcurrent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("machine %s: %w", machineID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query machine: %w", err)
	}

	var inFlight int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE assigned_machine = ? AND status IN (?, ?)`,
		machineID, models.TaskStatusClaimed, models.TaskStatusRunning,
	).Scan(&inFlight)
	if err != nil {
		return nil, fmt.Errorf("count in-flight tasks: %w", err)
	}
	if inFlight >= maxConcurrent {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM tasks
		 WHERE status IN (?, ?) AND (assigned_machine IS NULL OR assigned_machine = ?)
		 ORDER BY priority DESC, created_at ASC, rowid ASC
		 LIMIT ?`,
		models.TaskStatusQueued, models.TaskStatusAssigned, machineID, claimBatch,
	)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close candidates: %w", err)
	}

	for _, id := range candidates {
		result, err := tx.ExecContext(ctx,
			`UPDATE tasks
			 SET status = ?, assigned_machine = ?, claimed_at = ?, updated_at = ?, assigned_at = COALESCE(assigned_at, ?)
			 WHERE id = ? AND status IN (?, ?) AND (assigned_machine IS NULL OR assigned_machine = ?)`,
			models.TaskStatusClaimed, machineID, toNanos(now), toNanos(now), toNanos(now),
			id, models.TaskStatusQueued, models.TaskStatusAssigned, machineID,
		)
		if err != nil {
			return nil, fmt.Errorf("claim task: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			continue
		}

		task, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}
		return task, nil
	}

	return nil, nil
}

// AssignTask proposes machineID for a queued, unassigned task. The machine's
// load is recomputed inside the same transaction so two assignments cannot
// overcommit it.
func (s *Store) AssignTask(ctx context.Context, taskID, machineID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxConcurrent, active int
	err = tx.QueryRowContext(ctx,
		`SELECT max_concurrent, active_count FROM machines WHERE id = ?`, machineID,
	).Scan(&maxConcurrent, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("machine %s: %w", machineID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query machine: %w", err)
	}

	load, err := machineLoadTx(ctx, tx, machineID)
	if err != nil {
		return err
	}
	if active > load {
		load = active
	}
	if load >= maxConcurrent {
		return models.ErrNoMachineAvailable
	}

	now := toNanos(s.now())
	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_machine = ?, assigned_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND assigned_machine IS NULL`,
		models.TaskStatusAssigned, machineID, now, now, taskID, models.TaskStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrClaimConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RequeueAssigned reverts every task assigned (but not yet claimed) to
// machineID back to queued and returns their IDs.
func (s *Store) RequeueAssigned(ctx context.Context, machineID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	ids, err := s.requeueAssignedTx(ctx, tx, machineID)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return ids, nil
}

func (s *Store) requeueAssignedTx(ctx context.Context, tx *sql.Tx, machineID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM tasks WHERE assigned_machine = ? AND status = ?`,
		machineID, models.TaskStatusAssigned,
	)
	if err != nil {
		return nil, fmt.Errorf("select assigned tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_machine = NULL, assigned_at = NULL, updated_at = ?
		 WHERE assigned_machine = ? AND status = ?`,
		models.TaskStatusQueued, toNanos(s.now()), machineID, models.TaskStatusAssigned,
	)
	if err != nil {
		return nil, fmt.Errorf("requeue tasks: %w", err)
	}
	return ids, nil
}

// StartTask moves a claimed task to running. Only the owning machine may do
// this; starting a task that is already running is a no-op.
func (s *Store) StartTask(ctx context.Context, taskID, machineID string) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedMachine != machineID {
		return nil, models.ErrNotOwner
	}
	switch task.Status {
	case models.TaskStatusRunning:
		return task, nil
	case models.TaskStatusClaimed:
	default:
		return nil, fmt.Errorf("start %s task: %w", task.Status, models.ErrInvalidTransition)
	}

	now := s.now()
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskStatusRunning, toNanos(now), toNanos(now), taskID, models.TaskStatusClaimed,
	)
	if err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	task.UpdatedAt = now
	return task, nil
}

// CompleteTask records a terminal outcome. If the task is already terminal
// the stored task is returned with duplicate set and nothing is written.
// An empty machineID skips the ownership check (used by operator-side paths).
func (s *Store) CompleteTask(ctx context.Context, taskID, machineID string, status models.TaskStatus, result models.TaskResult) (task *models.Task, duplicate bool, err error) {
	if status != models.TaskStatusCompleted && status != models.TaskStatusFailed {
		return nil, false, fmt.Errorf("outcome %q: %w", status, models.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err = getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, false, err
	}
	if task.Status.IsTerminal() {
		return task, true, nil
	}
	if machineID != "" && task.AssignedMachine != machineID {
		return nil, false, models.ErrNotOwner
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("encode result: %w", err)
	}

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, ended_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		status, string(payload), toNanos(now), toNanos(now), taskID,
		models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCancelled,
	)
	if err != nil {
		return nil, false, fmt.Errorf("complete task: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, fmt.Errorf("check rows affected: %w", err)
	} else if n == 0 {
		task, err = getTaskTx(ctx, tx, taskID)
		return task, err == nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit transaction: %w", err)
	}

	task.Status = status
	task.Result = &result
	task.EndedAt = &now
	task.UpdatedAt = now
	return task, false, nil
}

// CancelTask marks a non-terminal task cancelled and clears its assignment.
// changed is false when the task was already terminal.
func (s *Store) CancelTask(ctx context.Context, taskID string) (task *models.Task, changed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err = getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, false, err
	}
	if task.Status.IsTerminal() {
		return task, false, nil
	}

	now := s.now()
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_machine = NULL, ended_at = ?, updated_at = ? WHERE id = ?`,
		models.TaskStatusCancelled, toNanos(now), toNanos(now), taskID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("cancel task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit transaction: %w", err)
	}

	task.Status = models.TaskStatusCancelled
	task.AssignedMachine = ""
	task.EndedAt = &now
	task.UpdatedAt = now
	return task, true, nil
}

func machineLoadTx(ctx context.Context, tx *sql.Tx, machineID string) (int, error) {
	var load int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE assigned_machine = ? AND status IN (?, ?, ?)`,
		machineID, models.TaskStatusAssigned, models.TaskStatusClaimed, models.TaskStatusRunning,
	).Scan(&load)
	if err != nil {
		return 0, fmt.Errorf("count machine load: %w", err)
	}
	return load, nil
}
