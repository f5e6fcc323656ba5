package docker

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrCommandFailed is returned when an external command exits non-zero.
	ErrCommandFailed = errors.New("runtime command failed")

	// ErrCommandTimeout is returned when an external command exceeds its timeout.
	ErrCommandTimeout = errors.New("runtime command timed out")

	// ErrRuntimeUnavailable is returned when the runtime cannot be reached at all.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
)

// ExternalCommandError carries the result of a failed runtime invocation.
type ExternalCommandError struct {
	Op     string
	Args   []string
	Result CommandResult
	Err    error
}

func (e *ExternalCommandError) Error() string {
	msg := fmt.Sprintf("%s: %s exited with code %d", e.Op, strings.Join(e.Args, " "), e.Result.ExitCode)
	if stderr := strings.TrimSpace(e.Result.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *ExternalCommandError) Unwrap() error {
	return e.Err
}

// NewExternalCommandError creates a new ExternalCommandError.
func NewExternalCommandError(op string, args []string, result CommandResult) *ExternalCommandError {
	return &ExternalCommandError{
		Op:     op,
		Args:   args,
		Result: result,
		Err:    ErrCommandFailed,
	}
}
