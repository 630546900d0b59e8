// Package executor runs external tools (qemu-img, lspci, nvidia-smi,
// ansible-playbook) with uniform timeout handling, output capture and timing.
//
// Every subprocess in corral goes through a Runner so that tests can
// substitute executortest.Runner and assert on the invocations.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/corral/internal/errdefs"
	"github.com/jbweber/corral/internal/log"
)

// DefaultTimeout applies when a Command does not set one.
const DefaultTimeout = 5 * time.Minute

// Command describes one invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the current environment
	Timeout time.Duration
	Stdin   io.Reader
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the outcome of a command that was started.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Success  bool
}

// Runner runs commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct {
	// DefaultTimeout overrides the package default when non-zero.
	DefaultTimeout time.Duration
	// Metrics receives per-run observations when set.
	Metrics *Metrics
}

// NewExecRunner returns a host runner.
func NewExecRunner(metrics *Metrics) *ExecRunner {
	return &ExecRunner{Metrics: metrics}
}

// Run starts cmd and waits for it.
//
// A spawn failure, a timeout and a non-zero exit are all reported as
// *errdefs.ExternalToolError; the returned Result is non-nil whenever the
// process was started.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	logger := log.GetLogger(ctx).WithFields(logrus.Fields{"command": cmd.Name})

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = r.DefaultTimeout
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	if cmd.Stdin != nil {
		c.Stdin = cmd.Stdin
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	logger.Debugf("Running %s", cmd)
	start := time.Now()

	if err := c.Start(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s cancelled: %w", cmd.Name, ctx.Err())
		}
		r.observe(cmd.Name, errdefs.ToolSpawn, 0)
		return nil, &errdefs.ExternalToolError{Kind: errdefs.ToolSpawn, Command: cmd.String(), ExitCode: -1, Err: err}
	}

	waitErr := c.Wait()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}

	switch {
	case waitErr == nil:
		res.Success = true
		r.observe(cmd.Name, "success", res.Duration)
		logger.Debugf("%s completed in %v", cmd.Name, res.Duration)
		return res, nil

	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		r.observe(cmd.Name, errdefs.ToolTimeout, res.Duration)
		logger.Warnf("%s timed out after %v", cmd.Name, timeout)
		return res, &errdefs.ExternalToolError{
			Kind:     errdefs.ToolTimeout,
			Command:  cmd.String(),
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
			Err:      fmt.Errorf("killed after %v", timeout),
		}

	case ctx.Err() != nil:
		r.observe(cmd.Name, "cancelled", res.Duration)
		return res, fmt.Errorf("%s cancelled: %w", cmd.Name, ctx.Err())

	default:
		r.observe(cmd.Name, errdefs.ToolNonZero, res.Duration)
		logger.Debugf("%s exited with code %d in %v", cmd.Name, res.ExitCode, res.Duration)
		return res, &errdefs.ExternalToolError{
			Kind:     errdefs.ToolNonZero,
			Command:  cmd.String(),
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
}

func (r *ExecRunner) observe(tool string, outcome any, d time.Duration) {
	if r.Metrics == nil {
		return
	}
	r.Metrics.Observe(tool, fmt.Sprint(outcome), d)
}

// LookPath reports whether name resolves on PATH.
func LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
