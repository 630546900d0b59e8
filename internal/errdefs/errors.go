// Package errdefs defines the error taxonomy shared by every corral component.
//
// Callers classify failures with errors.As against the concrete types below
// and map them to process exit codes with ExitCode.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports malformed configuration or an unsatisfiable request.
// It is never retried.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Invalid is a shorthand for building a ValidationError.
func Invalid(field, value, reason string, args ...any) error {
	return &ValidationError{Field: field, Value: value, Reason: fmt.Sprintf(reason, args...)}
}

// ResourceConflictError reports a resource already claimed by another owner.
type ResourceConflictError struct {
	Kind     string // "pci device", "bridge", "subnet", "domain", ...
	Resource string
	Owner    string
}

func (e *ResourceConflictError) Error() string {
	return fmt.Sprintf("%s %s is already claimed by %s", e.Kind, e.Resource, e.Owner)
}

// ToolErrorKind classifies external tool failures.
type ToolErrorKind string

const (
	// ToolSpawn means the command could not be started at all.
	ToolSpawn ToolErrorKind = "spawn"
	// ToolTimeout means the command was killed after its timeout elapsed.
	ToolTimeout ToolErrorKind = "timeout"
	// ToolNonZero means the command ran to completion with a non-zero exit code.
	ToolNonZero ToolErrorKind = "command failed"
)

// ExternalToolError reports a subprocess failure.
type ExternalToolError struct {
	Kind     ToolErrorKind
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExternalToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Command)
	if e.Kind == ToolNonZero {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		fmt.Fprintf(&b, "\nstderr: %s", stderr)
	}
	return b.String()
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the same invocation could succeed.
// Spawn failures are permanent; timeouts may be transient.
func (e *ExternalToolError) Retryable() bool {
	return e.Kind == ToolTimeout
}

// StateCorruptionError reports a state file that exists but cannot be parsed.
// It requires manual intervention.
type StateCorruptionError struct {
	Path string
	Err  error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("state file %s is corrupted (manual intervention required): %v", e.Path, e.Err)
}

func (e *StateCorruptionError) Unwrap() error { return e.Err }

// HypervisorTransportError reports that the virtualization daemon could not be reached.
type HypervisorTransportError struct {
	Op  string
	Err error
}

func (e *HypervisorTransportError) Error() string {
	return fmt.Sprintf("hypervisor unreachable during %s: %v", e.Op, e.Err)
}

func (e *HypervisorTransportError) Unwrap() error { return e.Err }

// NotFoundError reports a missing cluster, config file or VM.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// SystemError reports a missing host capability.
type SystemError struct {
	Check  string
	Reason string
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system check %s failed: %s", e.Check, e.Reason)
}

// Stage names used in StageError.
const (
	StagePlan      = "plan"
	StageProvision = "provision"
	StageStop      = "stop"
	StageDestroy   = "destroy"
	StageStatus    = "status"
)

// StageError attaches the lifecycle stage and the named resource to an error.
type StageError struct {
	Stage    string
	Resource string
	Err      error
}

func (e *StageError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Resource, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// InStage wraps err with stage and resource. A nil err stays nil.
func InStage(stage, resource string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Resource: resource, Err: err}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsConflict reports whether err is or wraps a ResourceConflictError.
func IsConflict(err error) bool {
	var target *ResourceConflictError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsTransport reports whether err is or wraps a HypervisorTransportError.
func IsTransport(err error) bool {
	var target *HypervisorTransportError
	return errors.As(err, &target)
}
