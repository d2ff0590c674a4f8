package dispatcher

import (
	"context"
	"log/slog"
	"time"
)

// AlertKind classifies operator alerts.
type AlertKind string

const (
	AlertNoMachineAvailable AlertKind = "no_machine_available"
	AlertStaleRunning       AlertKind = "stale_running"
)

// Alert is a condition that needs an operator.
type Alert struct {
	Kind      AlertKind
	TaskID    string
	Project   string
	MachineID string
	Age       time.Duration
	Message   string
}

// Alerter receives operator alerts. Implementations must not block for long.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

type alertKey struct {
	kind   AlertKind
	taskID string
}

// LogAlerter writes alerts as structured warnings.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates an alerter that logs through l.
func NewLogAlerter(l *slog.Logger) *LogAlerter {
	if l == nil {
		l = slog.Default()
	}
	return &LogAlerter{logger: l}
}

func (a *LogAlerter) Alert(ctx context.Context, alert Alert) {
	a.logger.WarnContext(ctx, alert.Message,
		"alert", string(alert.Kind),
		"task", alert.TaskID,
		"project", alert.Project,
		"machine", alert.MachineID,
		"age", alert.Age,
	)
}
