// Package registry maps workload identities to their directories on disk.
// The directory tree is the durable state: a workload exists exactly when
// its directory does.
package registry

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrNotFound is returned when a workload directory does not exist.
	ErrNotFound = errors.New("workload directory not found")

	// ErrManifestNotFound is returned when a workload directory holds no manifest.
	ErrManifestNotFound = errors.New("no manifest found in workload directory")

	// ErrUnsafePath is returned when a name cannot be placed inside a workload directory.
	ErrUnsafePath = errors.New("unsafe artifact path")

	// ErrInvalidIdentity is returned for identities outside the allowed charset.
	ErrInvalidIdentity = errors.New("invalid workload identity")
)

// RegistryError wraps errors with additional context.
type RegistryError struct {
	Op      string // Operation that failed (e.g., "Persist")
	ID      string // Workload identity if applicable
	Message string
	Err     error
}

func (e *RegistryError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s workload %s: %s", e.Op, e.ID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// NewRegistryError creates a new RegistryError.
func NewRegistryError(op, id, message string, err error) *RegistryError {
	return &RegistryError{
		Op:      op,
		ID:      id,
		Message: message,
		Err:     err,
	}
}
