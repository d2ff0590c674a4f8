// Package localexec provides a local command executor with an allowlist.
package localexec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/fentz26/fleet/internal/connectors"
	"github.com/kballard/go-shellquote"
)

// DefaultAllowlist defines the executable commands and their permitted subcommands.
var DefaultAllowlist = map[string][]string{
	"go":  {"test", "vet", "build"},
	"git": {"diff", "status", "log"},
}

// maxOutput bounds the output kept in a run result.
const maxOutput = 64 * 1024

var _ connectors.Executor = (*LocalExec)(nil)

// LocalExec runs allowlisted commands on this host.
type LocalExec struct {
	workDir   string
	allowlist map[string][]string
}

// Option customizes a LocalExec.
type Option func(*LocalExec)

// WithAllowlist replaces the default allowlist.
func WithAllowlist(allow map[string][]string) Option {
	return func(l *LocalExec) {
		if len(allow) > 0 {
			l.allowlist = allow
		}
	}
}

// New creates a new LocalExec connector.
func New(workDir string, opts ...Option) *LocalExec {
	l := &LocalExec{workDir: workDir, allowlist: DefaultAllowlist}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := l.allowlist[cmd]
	if !ok || len(args) == 0 {
		return false
	}
	for _, allowed := range allowedSubcmds {
		if args[0] == allowed {
			return true
		}
	}
	return false
}

// Execute runs a command if it's in the allowlist.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	return l.Stream(ctx, cmd, args, nil)
}

// Stream runs a command and calls onLine for every stdout line as it is
// produced. onLine may be nil.
func (l *LocalExec) Stream(ctx context.Context, cmd string, args []string, onLine func(string)) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stderr = &stderr
	pipe, err := execCmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := execCmd.Start(); err != nil {
		return nil, fmt.Errorf("exec error: %w", err)
	}

	// Wait closes the pipe, so stdout is drained before it is called.
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if stdout.Len() < maxOutput {
			stdout.WriteString(line)
			stdout.WriteByte('\n')
		}
		if onLine != nil {
			onLine(line)
		}
	}
	io.Copy(io.Discard, pipe)

	err = execCmd.Wait()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Run treats the prompt as a command line. A non-zero exit is an error
// carrying stderr.
func (l *LocalExec) Run(ctx context.Context, req connectors.Request) (*connectors.Response, error) {
	fields, err := shellquote.Split(req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(fields) == 0 {
		return nil, errors.New("empty command")
	}

	res, err := l.Execute(ctx, fields[0], fields[1:])
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return nil, fmt.Errorf("exit code %d: %s", res.ExitCode, msg)
	}
	return &connectors.Response{Output: res.Stdout}, nil
}
