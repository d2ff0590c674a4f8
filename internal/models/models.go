// Package models defines the core domain types for fleet.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusAssigned, TaskStatusClaimed, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskResult is the payload a machine reports when a task finishes.
type TaskResult struct {
	Summary          string   `json:"summary,omitempty"`
	ChangedArtifacts []string `json:"changed_artifacts,omitempty"`
	ExternalURL      string   `json:"external_url,omitempty"`
	Cost             float64  `json:"cost,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Task represents a unit of work in the control plane.
type Task struct {
	ID              string      `json:"id"`
	Project         string      `json:"project"`
	Description     string      `json:"description"`
	Priority        int         `json:"priority"`
	Budget          float64     `json:"budget"`
	Status          TaskStatus  `json:"status"`
	AssignedMachine string      `json:"assigned_machine,omitempty"`
	Result          *TaskResult `json:"result,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	AssignedAt      *time.Time  `json:"assigned_at,omitempty"`
	ClaimedAt       *time.Time  `json:"claimed_at,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
}

// MachineStatus is derived from heartbeat age and load; it is never authoritative.
type MachineStatus string

const (
	MachineStatusOnline  MachineStatus = "online"
	MachineStatusBusy    MachineStatus = "busy"
	MachineStatusOffline MachineStatus = "offline"
)

// Machine is a registered remote execution endpoint.
type Machine struct {
	ID            string        `json:"id"`
	Affinities    []string      `json:"affinities"`
	MaxConcurrent int           `json:"max_concurrent"`
	ActiveCount   int           `json:"active_count"`
	Load          int           `json:"load"`
	Status        MachineStatus `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	RegisteredAt  time.Time     `json:"registered_at"`
}

// FreeCapacity returns how many more tasks the machine can take.
func (m *Machine) FreeCapacity() int {
	load := m.Load
	if m.ActiveCount > load {
		load = m.ActiveCount
	}
	free := m.MaxConcurrent - load
	if free < 0 {
		return 0
	}
	return free
}

// HasAffinity reports whether the machine declared the project.
func (m *Machine) HasAffinity(project string) bool {
	for _, a := range m.Affinities {
		if a == project {
			return true
		}
	}
	return false
}

// DeriveStatus computes the machine status at now.
func (m *Machine) DeriveStatus(now time.Time, staleAfter time.Duration) MachineStatus {
	if now.Sub(m.LastHeartbeat) > staleAfter {
		return MachineStatusOffline
	}
	if m.FreeCapacity() == 0 {
		return MachineStatusBusy
	}
	return MachineStatusOnline
}

// RunStatus represents the lifecycle state of a subagent run.
//
// pending -> running -> completed | error | timeout | cancelled
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
	RunStatusTimeout   RunStatus = "timeout"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusError, RunStatusTimeout, RunStatusCancelled:
		return true
	}
	return false
}

// CleanupPolicy decides what happens to a run record after it ends.
type CleanupPolicy string

const (
	CleanupRetain CleanupPolicy = "retain"
	CleanupPurge  CleanupPolicy = "purge"
)

// SubagentRun is a bounded, profile-scoped child work unit.
type SubagentRun struct {
	ID             string        `json:"id"`
	ParentRunID    string        `json:"parent_run_id,omitempty"`
	ProfileID      string        `json:"profile_id"`
	Task           string        `json:"task"`
	Mode           string        `json:"mode"`
	Model          string        `json:"model,omitempty"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	Cleanup        CleanupPolicy `json:"cleanup"`
	Status         RunStatus     `json:"status"`
	Result         string        `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
}

// Timeout returns the run timeout as a duration.
func (r *SubagentRun) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// EventType identifies the kind of stream event pushed by a remote session.
type EventType string

const (
	EventText    EventType = "text"
	EventToolUse EventType = "tool_use"
	EventResult  EventType = "result"
)

// StreamEvent is one unit of live output from a remote session.
type StreamEvent struct {
	TaskID  string       `json:"task_id"`
	Type    EventType    `json:"type"`
	Payload EventPayload `json:"payload"`
}

// EventPayload carries the type-specific fields of a stream event.
type EventPayload struct {
	Text             string   `json:"text,omitempty"`
	Tool             string   `json:"tool,omitempty"`
	Input            string   `json:"input,omitempty"`
	Status           string   `json:"status,omitempty"`
	Summary          string   `json:"summary,omitempty"`
	Cost             float64  `json:"cost,omitempty"`
	ChangedArtifacts []string `json:"changed_artifacts,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// PendingInput is a human reply waiting for the owning machine to poll it.
type PendingInput struct {
	TaskID     string    `json:"task_id"`
	Text       string    `json:"text"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
