package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/fleet/internal/models"
)

// machineColumns includes the live load so callers never trust a stale counter.
const machineColumns = `m.id, m.affinities, m.max_concurrent, m.active_count, m.status, m.last_heartbeat, m.registered_at,
	(SELECT COUNT(*) FROM tasks t WHERE t.assigned_machine = m.id AND t.status IN ('assigned', 'claimed', 'running'))`

func scanMachine(row scanner) (*models.Machine, error) {
	var m models.Machine
	var affinities string
	var lastHeartbeat, registeredAt int64

	if err := row.Scan(&m.ID, &affinities, &m.MaxConcurrent, &m.ActiveCount, &m.Status,
		&lastHeartbeat, &registeredAt, &m.Load); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(affinities), &m.Affinities); err != nil {
		return nil, fmt.Errorf("decode affinities: %w", err)
	}
	if m.Affinities == nil {
		m.Affinities = []string{}
	}
	m.LastHeartbeat = fromNanos(lastHeartbeat)
	m.RegisteredAt = fromNanos(registeredAt)
	return &m, nil
}

// UpsertMachine registers a machine or refreshes its declared capabilities.
// The original registration time survives re-registration.
func (s *Store) UpsertMachine(ctx context.Context, id string, affinities []string, maxConcurrent int) (*models.Machine, error) {
	if affinities == nil {
		affinities = []string{}
	}
	encoded, err := json.Marshal(affinities)
	if err != nil {
		return nil, fmt.Errorf("encode affinities: %w", err)
	}

	now := toNanos(s.now())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO machines (id, affinities, max_concurrent, active_count, status, last_heartbeat, registered_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			affinities = excluded.affinities,
			max_concurrent = excluded.max_concurrent,
			status = excluded.status,
			last_heartbeat = MAX(machines.last_heartbeat, excluded.last_heartbeat)`,
		id, string(encoded), maxConcurrent, models.MachineStatusOnline, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert machine: %w", err)
	}
	return s.GetMachine(ctx, id)
}

// Heartbeat refreshes a machine's liveness and reported load. Ordering uses
// the machine's own send time: a heartbeat sent before the last applied one
// is ignored. Liveness uses the receive time so clock skew between the
// machine and the service cannot make a machine look fresh or stale.
// applied reports whether this heartbeat was the newest seen.
func (s *Store) Heartbeat(ctx context.Context, id string, activeCount int, sentAt time.Time) (applied bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET last_heartbeat = ?, last_sent_at = ?, active_count = ?, status = ?
		 WHERE id = ? AND last_sent_at <= ?`,
		toNanos(s.now()), toNanos(sentAt), activeCount, models.MachineStatusOnline, id, toNanos(sentAt),
	)
	if err != nil {
		return false, fmt.Errorf("update heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM machines WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("machine %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("query machine: %w", err)
	}
	return false, nil
}

// GetMachine retrieves a machine by ID.
func (s *Store) GetMachine(ctx context.Context, id string) (*models.Machine, error) {
	m, err := scanMachine(s.db.QueryRowContext(ctx, `SELECT `+machineColumns+` FROM machines m WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("machine %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query machine: %w", err)
	}
	return m, nil
}

// ListMachines returns every registered machine, earliest registration first.
func (s *Store) ListMachines(ctx context.Context) ([]models.Machine, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+machineColumns+` FROM machines m ORDER BY m.registered_at ASC, m.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query machines: %w", err)
	}
	defer rows.Close()

	var machines []models.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		machines = append(machines, *m)
	}
	return machines, rows.Err()
}

// MarkOffline marks a machine offline and requeues its assigned but
// unclaimed tasks, in one transaction, only while its last heartbeat is still
// older than cutoff. A heartbeat recorded after the caller decided the machine
// was stale wins: marked is false and nothing is requeued.
func (s *Store) MarkOffline(ctx context.Context, id string, cutoff time.Time) (marked bool, requeued []string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE machines SET status = ? WHERE id = ? AND last_heartbeat < ?`,
		models.MachineStatusOffline, id, toNanos(cutoff),
	)
	if err != nil {
		return false, nil, fmt.Errorf("mark machine offline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return false, nil, nil
	}

	requeued, err = s.requeueAssignedTx(ctx, tx, id)
	if err != nil {
		return false, nil, err
	}
	if err := tx.Commit(); err != nil {
		return false, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return true, requeued, nil
}

// SetMachineStatus caches the derived status written by the dispatcher sweep.
func (s *Store) SetMachineStatus(ctx context.Context, id string, status models.MachineStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE machines SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update machine status: %w", err)
	}
	return nil
}
