package launcher

import (
	"errors"
	"fmt"
)

var (
	// ErrScriptNotFound is returned when the script path does not exist or is not a regular file.
	ErrScriptNotFound = errors.New("script not found")

	// ErrScriptNotExecutable is returned when the script lacks an execute bit.
	ErrScriptNotExecutable = errors.New("script not executable")

	// ErrSpawnFailed is returned when the child process could not be started.
	ErrSpawnFailed = errors.New("failed to spawn script")
)

// LaunchError represents a synchronous failure to start a script.
type LaunchError struct {
	Script string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Script, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
