// Package docker queries and commands the container runtime on behalf of
// registered workloads.
package docker

import (
	"context"
	"time"

	"github.com/artpar/webtopd/internal/core/workload"
)

// =============================================================================
// Status Types
// =============================================================================

// Status is the live runtime view of one workload.
type Status struct {
	Running   bool
	Container string // Container name, empty when not found
	State     string // Lifecycle state reported by the runtime ("running", "exited", ...)
	Ports     string // Published ports as printed by `docker port`
}

// =============================================================================
// Command Types
// =============================================================================

// Command is one external process invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string        // Working directory; empty inherits the service's
	Timeout time.Duration // Zero means no timeout beyond ctx
}

// CommandResult holds the captured output of a finished command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external commands.
type Runner interface {
	// Run starts cmd and waits for it. A non-zero exit is not an error:
	// it is reported through CommandResult.ExitCode. Errors mean the
	// process could not be run or was cut off by ctx / the timeout.
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

// =============================================================================
// Runtime Interface
// =============================================================================

// Runtime defines the operations the lifecycle needs from the container runtime.
type Runtime interface {
	// Status looks up the workload's container, its state and published ports.
	// A missing container is reported as Running=false, not as an error.
	Status(ctx context.Context, identity string) (Status, error)

	// IsRunning runs only the container lookup.
	IsRunning(ctx context.Context, identity string) (bool, error)

	// Down runs the compose "down" command for manifestPath inside dir.
	Down(ctx context.Context, manifestPath, dir string) (CommandResult, error)

	// Ping checks that the runtime is reachable.
	Ping(ctx context.Context) error
}

// =============================================================================
// Options
// =============================================================================

// Options configures runtime implementations.
type Options struct {
	DockerBinary    string        // CLI binary, default "docker"
	ContainerPrefix string        // Naming convention prefix
	CommandTimeout  time.Duration // Per query command
	DownTimeout     time.Duration // Compose down
}

func (o Options) withDefaults() Options {
	if o.DockerBinary == "" {
		o.DockerBinary = "docker"
	}
	if o.ContainerPrefix == "" {
		o.ContainerPrefix = workload.DefaultContainerPrefix
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.DownTimeout <= 0 {
		o.DownTimeout = 120 * time.Second
	}
	return o
}
