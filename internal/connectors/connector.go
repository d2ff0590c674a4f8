// Package connectors defines the execution paths subagent runs and the
// machine runner hand work to.
package connectors

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Request is one unit of work handed to an Executor.
type Request struct {
	RunID  string
	Prompt string
	Model  string
}

// Response is what an Executor produced.
type Response struct {
	Output string
	Cost   float64
}

// Executor runs a subagent task to completion. Implementations must return
// promptly once ctx is done.
type Executor interface {
	Name() string
	Run(ctx context.Context, req Request) (*Response, error)
}

// Registry maps execution mode names to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates a registry holding the given executors.
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	for _, e := range executors {
		r.Register(e)
	}
	return r
}

// Register adds or replaces an executor under its name.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	r.executors[e.Name()] = e
	r.mu.Unlock()
}

// Get returns the executor for a mode.
func (r *Registry) Get(mode string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[mode]
	if !ok {
		return nil, fmt.Errorf("no executor for mode %q", mode)
	}
	return e, nil
}

// Names returns the registered mode names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
