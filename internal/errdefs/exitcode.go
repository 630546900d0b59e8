package errdefs

import "errors"

// Process exit codes surfaced by the CLI.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitNotFound = 2
	ExitSystem   = 5
)

// ExitCode maps an error to the exit code the CLI should return.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		notFound  *NotFoundError
		transport *HypervisorTransportError
		system    *SystemError
		tool      *ExternalToolError
	)

	switch {
	case errors.As(err, &notFound):
		return ExitNotFound
	case errors.As(err, &transport), errors.As(err, &system):
		return ExitSystem
	case errors.As(err, &tool) && tool.Kind == ToolSpawn:
		// a required binary is missing from the host
		return ExitSystem
	default:
		return ExitFailure
	}
}
