package localexec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/fleet/internal/connectors"
)

func TestIsAllowed(t *testing.T) {
	exec := New("")

	tests := []struct {
		cmd     string
		args    []string
		allowed bool
	}{
		{"go", []string{"test", "./..."}, true},
		{"git", []string{"status"}, true},
		{"git", []string{"diff"}, true},
		{"git", []string{"push"}, false},    // not in allowlist
		{"rm", []string{"-rf", "/"}, false}, // not in allowlist
		{"go", []string{"run", "."}, false}, // subcommand not allowed
		{"go", []string{}, false},           // no subcommand
		{"unknown", []string{"cmd"}, false}, // unknown command
	}

	for _, tt := range tests {
		t.Run(tt.cmd+" "+strings.Join(tt.args, " "), func(t *testing.T) {
			got := exec.IsAllowed(tt.cmd, tt.args)
			if got != tt.allowed {
				t.Errorf("IsAllowed(%s, %v) = %v, want %v", tt.cmd, tt.args, got, tt.allowed)
			}
		})
	}
}

func TestWithAllowlist(t *testing.T) {
	exec := New("", WithAllowlist(map[string][]string{"echo": {"hello"}}))

	if exec.IsAllowed("go", []string{"test"}) {
		t.Error("Custom allowlist should replace the default")
	}
	if !exec.IsAllowed("echo", []string{"hello", "world"}) {
		t.Error("Expected echo hello to be allowed")
	}
}

func TestExecute_NotAllowed(t *testing.T) {
	exec := New("")

	_, err := exec.Execute(context.Background(), "rm", []string{"-rf", "/"})
	if err == nil {
		t.Error("Expected error for non-allowed command")
	}
}

func TestStream_Lines(t *testing.T) {
	exec := New("", WithAllowlist(map[string][]string{"sh": {"-c"}}))

	var lines []string
	res, err := exec.Stream(context.Background(), "sh", []string{"-c", "printf 'one\\ntwo\\n'"}, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if strings.Join(lines, ",") != "one,two" {
		t.Errorf("Unexpected lines: %v", lines)
	}
	if res.ExitCode != 0 || res.Stdout != "one\ntwo\n" {
		t.Errorf("Unexpected result: %+v", res)
	}
}

func TestRun(t *testing.T) {
	exec := New("", WithAllowlist(map[string][]string{
		"echo":  {"hello"},
		"false": {"x"},
		"sleep": {"5"},
	}))
	ctx := context.Background()

	resp, err := exec.Run(ctx, connectors.Request{Prompt: "echo hello world"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Output != "hello world\n" {
		t.Errorf("Unexpected output: %q", resp.Output)
	}

	if _, err := exec.Run(ctx, connectors.Request{Prompt: "false x"}); err == nil || !strings.Contains(err.Error(), "exit code 1") {
		t.Errorf("Expected exit code error, got %v", err)
	}
	if _, err := exec.Run(ctx, connectors.Request{Prompt: "   "}); err == nil {
		t.Error("Expected error for empty command")
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := exec.Run(short, connectors.Request{Prompt: "sleep 5"}); err == nil {
		t.Error("Expected cancellation error")
	}
	if time.Since(start) > 3*time.Second {
		t.Error("Run did not honor context cancellation")
	}
}

func TestRun_Quoting(t *testing.T) {
	exec := New("", WithAllowlist(map[string][]string{"sh": {"-c"}}))
	ctx := context.Background()

	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"double quotes", `sh -c "echo a   b"`, "a b\n"},
		{"single quotes", `sh -c 'printf "%s|" x y'`, "x|y|\n"},
		{"escaped space", `sh -c echo\ one\ two`, "one two\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := exec.Run(ctx, connectors.Request{Prompt: tt.prompt})
			if err != nil {
				t.Fatalf("Run(%q) failed: %v", tt.prompt, err)
			}
			if resp.Output != tt.want {
				t.Errorf("Run(%q) output = %q, want %q", tt.prompt, resp.Output, tt.want)
			}
		})
	}

	if _, err := exec.Run(ctx, connectors.Request{Prompt: `sh -c "echo a`}); err == nil || !strings.Contains(err.Error(), "parse command") {
		t.Errorf("Expected parse error for unbalanced quote, got %v", err)
	}
}

func TestName(t *testing.T) {
	exec := New("")
	if exec.Name() != "localexec" {
		t.Errorf("Expected name 'localexec', got %s", exec.Name())
	}
}
