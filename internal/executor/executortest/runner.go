// Package executortest provides a scripted executor.Runner for tests.
package executortest

import (
	"context"
	"strings"
	"sync"

	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/executor"
)

// HandlerFunc produces the outcome of one scripted command.
type HandlerFunc func(cmd executor.Command) (*executor.Result, error)

// Runner records every command and answers from per-binary handlers.
// Commands without a handler fail as if the binary were missing.
type Runner struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	calls    []executor.Command
}

// NewRunner returns an empty scripted runner.
func NewRunner() *Runner {
	return &Runner{handlers: map[string]HandlerFunc{}}
}

// Handle installs fn for commands named name.
func (r *Runner) Handle(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Stdout installs a handler that always succeeds with out.
func (r *Runner) Stdout(name, out string) {
	r.Handle(name, func(executor.Command) (*executor.Result, error) {
		return OK(out), nil
	})
}

// Fail installs a handler that always exits with code and stderr.
func (r *Runner) Fail(name string, code int, stderr string) {
	r.Handle(name, func(cmd executor.Command) (*executor.Result, error) {
		return &executor.Result{ExitCode: code, Stderr: stderr},
			&errdefs.ExternalToolError{Kind: errdefs.ToolNonZero, Command: cmd.String(), ExitCode: code, Stderr: stderr}
	})
}

// Run implements executor.Runner.
func (r *Runner) Run(_ context.Context, cmd executor.Command) (*executor.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	fn, ok := r.handlers[cmd.Name]
	r.mu.Unlock()

	if !ok {
		return nil, &errdefs.ExternalToolError{Kind: errdefs.ToolSpawn, Command: cmd.String(), ExitCode: -1}
	}
	return fn(cmd)
}

// Calls returns a copy of the recorded commands.
func (r *Runner) Calls() []executor.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]executor.Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallLines returns the recorded commands rendered as command lines.
func (r *Runner) CallLines() []string {
	calls := r.Calls()
	lines := make([]string, 0, len(calls))
	for _, c := range calls {
		lines = append(lines, c.String())
	}
	return lines
}

// CallsTo returns how many times name was run.
func (r *Runner) CallsTo(name string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Name == name {
			n++
		}
	}
	return n
}

// HasCall reports whether a recorded command line starts with prefix.
func (r *Runner) HasCall(prefix string) bool {
	for _, line := range r.CallLines() {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// OK builds a successful result.
func OK(stdout string) *executor.Result {
	return &executor.Result{Stdout: stdout, Success: true}
}
