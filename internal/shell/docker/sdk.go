package docker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"

	"github.com/artpar/webtopd/internal/core/workload"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// =============================================================================
// SDK Runtime
// =============================================================================

// SDKRuntime answers status queries through the Docker Engine API. Compose
// has no Engine API, so Down is delegated to the CLI runtime.
type SDKRuntime struct {
	cli    *client.Client
	down   *CLIRuntime
	opts   Options
	logger *slog.Logger
}

// NewSDKRuntime connects to the daemon at host (empty uses DOCKER_HOST and
// the platform default).
func NewSDKRuntime(host string, runner Runner, opts Options, logger *slog.Logger) (*SDKRuntime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		clientOpts = append(clientOpts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", ErrRuntimeUnavailable)
	}

	opts = opts.withDefaults()
	return &SDKRuntime{
		cli:    cli,
		down:   NewCLIRuntime(runner, opts, logger),
		opts:   opts,
		logger: logger.With("component", "runtime", "driver", "sdk"),
	}, nil
}

// Close closes the Docker client connection.
func (s *SDKRuntime) Close() error {
	return s.cli.Close()
}

// Status looks the container up, then inspects it for state and ports.
// An inspect failure after a successful lookup degrades to empty fields.
func (s *SDKRuntime) Status(ctx context.Context, identity string) (Status, error) {
	name, err := s.findContainer(ctx, identity)
	if err != nil {
		return Status{}, err
	}
	if name == "" {
		return Status{Running: false}, nil
	}

	status := Status{Running: true, Container: name}

	ictx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	resp, err := s.cli.ContainerInspect(ictx, name)
	if err != nil {
		s.logger.Warn("container inspect failed", "container", name, "error", err)
		return status, nil
	}
	if resp.State != nil {
		status.State = resp.State.Status
	}
	if resp.NetworkSettings != nil {
		status.Ports = FormatPorts(resp.NetworkSettings.Ports)
	}
	return status, nil
}

// IsRunning reports whether a running container carries the workload's name.
func (s *SDKRuntime) IsRunning(ctx context.Context, identity string) (bool, error) {
	name, err := s.findContainer(ctx, identity)
	if err != nil {
		return false, err
	}
	return name != "", nil
}

// Down delegates to `docker compose down`.
func (s *SDKRuntime) Down(ctx context.Context, manifestPath, dir string) (CommandResult, error) {
	return s.down.Down(ctx, manifestPath, dir)
}

// Ping checks if the Docker daemon is reachable.
func (s *SDKRuntime) Ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	if _, err := s.cli.Ping(pctx); err != nil {
		return fmt.Errorf("failed to ping docker: %w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

func (s *SDKRuntime) findContainer(ctx context.Context, identity string) (string, error) {
	want := workload.ContainerName(s.opts.ContainerPrefix, identity)

	lctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	containers, err := s.cli.ContainerList(lctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", want)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w: %v", ErrRuntimeUnavailable, err)
	}

	for _, c := range containers {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == want {
				return want, nil
			}
		}
	}
	return "", nil
}

// FormatPorts renders a port map the way `docker port` prints it:
// one "3000/tcp -> 0.0.0.0:3030" line per binding, sorted.
func FormatPorts(ports nat.PortMap) string {
	var lines []string
	for port, bindings := range ports {
		for _, b := range bindings {
			host := b.HostIP
			if host == "" {
				host = "0.0.0.0"
			}
			lines = append(lines, fmt.Sprintf("%s -> %s", port, net.JoinHostPort(host, b.HostPort)))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
