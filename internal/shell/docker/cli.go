package docker

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/artpar/webtopd/internal/core/workload"
)

// =============================================================================
// CLI Runtime
// =============================================================================

// CLIRuntime implements Runtime by invoking the docker CLI.
type CLIRuntime struct {
	runner Runner
	opts   Options
	logger *slog.Logger
}

// NewCLIRuntime creates a runtime that shells out through runner.
func NewCLIRuntime(runner Runner, opts Options, logger *slog.Logger) *CLIRuntime {
	if runner == nil {
		runner = NewExecRunner()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIRuntime{
		runner: runner,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "runtime", "driver", "cli"),
	}
}

// Status runs the lookup, inspect and port queries in order. Inspect and
// port failures degrade to empty fields once the container was found.
func (c *CLIRuntime) Status(ctx context.Context, identity string) (Status, error) {
	name, err := c.findContainer(ctx, identity)
	if err != nil {
		return Status{}, err
	}
	if name == "" {
		return Status{Running: false}, nil
	}

	status := Status{Running: true, Container: name}

	inspectArgs := []string{"inspect", name, "--format", "{{.State.Status}}"}
	if res, err := c.query(ctx, inspectArgs); err != nil {
		c.logger.Warn("container inspect failed", "container", name, "error", err)
	} else {
		status.State = strings.TrimSpace(res.Stdout)
	}

	if res, err := c.query(ctx, []string{"port", name}); err != nil {
		c.logger.Warn("container port query failed", "container", name, "error", err)
	} else {
		status.Ports = strings.TrimSpace(res.Stdout)
	}

	return status, nil
}

// IsRunning reports whether the workload's container shows up in `docker ps`.
func (c *CLIRuntime) IsRunning(ctx context.Context, identity string) (bool, error) {
	name, err := c.findContainer(ctx, identity)
	if err != nil {
		return false, err
	}
	return name != "", nil
}

// Down runs `docker compose -f <manifest> down` inside dir. The result is
// returned verbatim; a non-zero exit also yields an *ExternalCommandError.
func (c *CLIRuntime) Down(ctx context.Context, manifestPath, dir string) (CommandResult, error) {
	args := []string{"compose", "-f", manifestPath, "down"}
	res, err := c.runner.Run(ctx, Command{
		Name:    c.opts.DockerBinary,
		Args:    args,
		Dir:     dir,
		Timeout: c.opts.DownTimeout,
	})
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, NewExternalCommandError("Down", append([]string{c.opts.DockerBinary}, args...), res)
	}
	return res, nil
}

// Ping checks the daemon through `docker version`.
func (c *CLIRuntime) Ping(ctx context.Context) error {
	_, err := c.query(ctx, []string{"version", "--format", "{{.Server.Version}}"})
	return err
}

// findContainer returns the exact container name for identity, or "" when
// no running container matches. docker's name filter is a substring match,
// so hits are compared against the full convention name. A lookup that
// exits non-zero folds into "not found"; only invocation failures are errors.
func (c *CLIRuntime) findContainer(ctx context.Context, identity string) (string, error) {
	want := workload.ContainerName(c.opts.ContainerPrefix, identity)
	res, err := c.query(ctx, []string{"ps", "--filter", "name=" + want, "--format", "{{.Names}}"})
	if err != nil {
		if errors.Is(err, ErrCommandFailed) {
			c.logger.Warn("container lookup failed", "container", want, "error", err)
			return "", nil
		}
		return "", err
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) == want {
			return want, nil
		}
	}
	return "", nil
}

// query runs a read-only docker command and treats non-zero exit as failure.
func (c *CLIRuntime) query(ctx context.Context, args []string) (CommandResult, error) {
	res, err := c.runner.Run(ctx, Command{
		Name:    c.opts.DockerBinary,
		Args:    args,
		Timeout: c.opts.CommandTimeout,
	})
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, NewExternalCommandError("query", append([]string{c.opts.DockerBinary}, args...), res)
	}
	return res, nil
}
