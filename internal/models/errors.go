package models

import "errors"

// Sentinel errors shared by the store, control plane and subagent manager.
var (
	ErrBudgetExceeded              = errors.New("budget exceeds configured ceiling")
	ErrClaimConflict               = errors.New("task claimed by another machine")
	ErrNoMachineAvailable          = errors.New("no machine available")
	ErrMachineStale                = errors.New("machine heartbeat is stale")
	ErrSubagentConcurrencyExceeded = errors.New("subagent profile at concurrency limit")
	ErrStreamChannelUnavailable    = errors.New("stream channel unavailable")
	ErrNotFound                    = errors.New("resource not found")
	ErrNotOwner                    = errors.New("not the assigned machine")
	ErrInvalidInput                = errors.New("invalid input")
	ErrUnknownProfile              = errors.New("unknown subagent profile")
	ErrInvalidTransition           = errors.New("invalid status transition")
)
