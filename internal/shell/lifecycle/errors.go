package lifecycle

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrValidation is returned when a request is missing required input.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidIdentity is returned for identities outside the allowed charset.
	ErrInvalidIdentity = errors.New("invalid workload identity")

	// ErrNotFound is returned when a workload directory does not exist.
	ErrNotFound = errors.New("workload not found")

	// ErrManifestNotFound is returned when a workload directory holds no manifest.
	ErrManifestNotFound = errors.New("workload manifest not found")

	// ErrInternal is returned for unexpected failures, including recovered panics.
	ErrInternal = errors.New("internal error")
)

// LifecycleError wraps errors with operation context. Trace carries the
// goroutine stack when the error came from a recovered panic.
type LifecycleError struct {
	Op      string // Operation that failed (e.g., "Deploy")
	ID      string // Workload identity if known
	Message string
	Err     error
	Trace   string
}

func (e *LifecycleError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s workload %s: %s", e.Op, e.ID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// NewLifecycleError creates a new LifecycleError.
func NewLifecycleError(op, id, message string, err error) *LifecycleError {
	return &LifecycleError{
		Op:      op,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

// IsNotFound reports whether err means the workload or its manifest is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrManifestNotFound)
}
