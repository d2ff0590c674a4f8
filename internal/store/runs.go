package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/fleet/internal/models"
	"github.com/google/uuid"
)

const runColumns = `id, parent_run_id, profile_id, task, mode, model, timeout_seconds, cleanup, status,
	result, error, created_at, started_at, ended_at`

// NewRun holds the fields of a subagent run at spawn time.
type NewRun struct {
	ParentRunID    string
	ProfileID      string
	Task           string
	Mode           string
	Model          string
	TimeoutSeconds int
	Cleanup        models.CleanupPolicy
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status    models.RunStatus
	ProfileID string
	Limit     int
}

func scanRun(row scanner) (*models.SubagentRun, error) {
	var run models.SubagentRun
	var parent, model, result, errText sql.NullString
	var createdAt int64
	var startedAt, endedAt sql.NullInt64

	err := row.Scan(&run.ID, &parent, &run.ProfileID, &run.Task, &run.Mode, &model, &run.TimeoutSeconds,
		&run.Cleanup, &run.Status, &result, &errText, &createdAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	run.ParentRunID = parent.String
	run.Model = model.String
	run.Result = result.String
	run.Error = errText.String
	run.CreatedAt = fromNanos(createdAt)
	run.StartedAt = nullTime(startedAt)
	run.EndedAt = nullTime(endedAt)
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertRunWithinLimit creates a pending run unless the profile already has
// limit non-terminal runs. The count and the insert share one transaction.
func (s *Store) InsertRunWithinLimit(ctx context.Context, in NewRun, limit int) (*models.SubagentRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subagent_runs WHERE profile_id = ? AND status IN (?, ?)`,
		in.ProfileID, models.RunStatusPending, models.RunStatusRunning,
	).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("count active runs: %w", err)
	}
	if active >= limit {
		return nil, models.ErrSubagentConcurrencyExceeded
	}

	if in.ParentRunID != "" {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM subagent_runs WHERE id = ?`, in.ParentRunID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("parent run %s: %w", in.ParentRunID, models.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("query parent run: %w", err)
		}
	}

	now := s.now()
	run := &models.SubagentRun{
		ID:             uuid.New().String(),
		ParentRunID:    in.ParentRunID,
		ProfileID:      in.ProfileID,
		Task:           in.Task,
		Mode:           in.Mode,
		Model:          in.Model,
		TimeoutSeconds: in.TimeoutSeconds,
		Cleanup:        in.Cleanup,
		Status:         models.RunStatusPending,
		CreatedAt:      now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO subagent_runs (id, parent_run_id, profile_id, task, mode, model, timeout_seconds, cleanup, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullString(run.ParentRunID), run.ProfileID, run.Task, run.Mode, nullString(run.Model),
		run.TimeoutSeconds, run.Cleanup, run.Status, toNanos(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*models.SubagentRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM subagent_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs, newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]models.SubagentRun, error) {
	query := `SELECT ` + runColumns + ` FROM subagent_runs WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.ProfileID != "" {
		query += ` AND profile_id = ?`
		args = append(args, f.ProfileID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	return s.queryRuns(ctx, query, args...)
}

// PendingRuns returns up to limit pending runs, oldest first.
func (s *Store) PendingRuns(ctx context.Context, limit int) ([]models.SubagentRun, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM subagent_runs WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		models.RunStatusPending, limit,
	)
}

// ExpiredRuns returns running runs whose timeout elapsed before now.
func (s *Store) ExpiredRuns(ctx context.Context, now time.Time) ([]models.SubagentRun, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM subagent_runs
		 WHERE status = ? AND started_at IS NOT NULL AND started_at + timeout_seconds * 1000000000 < ?
		 ORDER BY started_at ASC`,
		models.RunStatusRunning, toNanos(now),
	)
}

// Descendants returns every run below id in the spawn hierarchy, breadth first.
func (s *Store) Descendants(ctx context.Context, id string) ([]models.SubagentRun, error) {
	return s.queryRuns(ctx,
		`WITH RECURSIVE tree(id, depth) AS (
			SELECT id, 1 FROM subagent_runs WHERE parent_run_id = ?
			UNION ALL
			SELECT r.id, tree.depth + 1 FROM subagent_runs r JOIN tree ON r.parent_run_id = tree.id
		)
		SELECT r.id, r.parent_run_id, r.profile_id, r.task, r.mode, r.model, r.timeout_seconds, r.cleanup,
			r.status, r.result, r.error, r.created_at, r.started_at, r.ended_at
		FROM subagent_runs r JOIN tree ON r.id = tree.id
		ORDER BY tree.depth ASC, r.created_at ASC`,
		id,
	)
}

// CountActiveRuns returns the number of non-terminal runs for a profile.
func (s *Store) CountActiveRuns(ctx context.Context, profileID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subagent_runs WHERE profile_id = ? AND status IN (?, ?)`,
		profileID, models.RunStatusPending, models.RunStatusRunning,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return n, nil
}

// TransitionRun moves a run to status "to" only if it is currently in one of
// "from". It reports whether the transition happened, so a racing timeout or
// cancellation is never overwritten by a late completion.
func (s *Store) TransitionRun(ctx context.Context, id string, from []models.RunStatus, to models.RunStatus, result, errText string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition run: %w", models.ErrInvalidTransition)
	}

	now := toNanos(s.now())
	query := `UPDATE subagent_runs SET status = ?`
	args := []any{to}
	switch {
	case to == models.RunStatusRunning:
		query += `, started_at = ?`
		args = append(args, now)
	case to.IsTerminal():
		query += `, ended_at = ?, result = ?, error = ?`
		args = append(args, now, nullString(result), nullString(errText))
	}
	query += ` WHERE id = ? AND status IN (?` + repeatPlaceholders(len(from)-1) + `)`
	args = append(args, id)
	for _, st := range from {
		args = append(args, st)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// PurgeRuns deletes terminal runs with the purge policy that ended before cutoff.
func (s *Store) PurgeRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subagent_runs
		 WHERE cleanup = ? AND status IN (?, ?, ?, ?) AND ended_at IS NOT NULL AND ended_at < ?`,
		models.CleanupPurge,
		models.RunStatusCompleted, models.RunStatusError, models.RunStatusTimeout, models.RunStatusCancelled,
		toNanos(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]models.SubagentRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.SubagentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func repeatPlaceholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
