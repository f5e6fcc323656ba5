// Package lifecycle composes the registry, script generator, launcher and
// container runtime into the deploy, status, stop, cleanup and list
// operations. It is the single boundary where failures become typed errors.
package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/artpar/webtopd/internal/core/manifest"
	"github.com/artpar/webtopd/internal/core/script"
	"github.com/artpar/webtopd/internal/core/workload"
	"github.com/artpar/webtopd/internal/shell/docker"
	"github.com/artpar/webtopd/internal/shell/launcher"
	"github.com/artpar/webtopd/internal/shell/registry"
	"github.com/artpar/webtopd/internal/shell/store"
	"golang.org/x/sync/errgroup"
)

// Launcher starts a run script without waiting for it.
type Launcher interface {
	Launch(ctx context.Context, scriptPath, dir string) (*launcher.Handle, error)
}

// Config holds the naming conventions and limits the manager applies.
type Config struct {
	ContainerPrefix string
	ContainerPort   int
	ImagePrefix     string
	DefaultIdentity string
	ScriptName      string
	ListConcurrency int
}

// DefaultConfig returns the webtop naming conventions.
func DefaultConfig() Config {
	return Config{
		ContainerPrefix: workload.DefaultContainerPrefix,
		ContainerPort:   workload.DefaultContainerPort,
		ImagePrefix:     workload.DefaultImagePrefix,
		DefaultIdentity: workload.DefaultIdentity,
		ScriptName:      workload.ScriptName,
		ListConcurrency: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ContainerPrefix == "" {
		c.ContainerPrefix = d.ContainerPrefix
	}
	if c.ContainerPort <= 0 {
		c.ContainerPort = d.ContainerPort
	}
	if c.ImagePrefix == "" {
		c.ImagePrefix = d.ImagePrefix
	}
	if c.DefaultIdentity == "" {
		c.DefaultIdentity = d.DefaultIdentity
	}
	if c.ScriptName == "" {
		c.ScriptName = d.ScriptName
	}
	if c.ListConcurrency <= 0 {
		c.ListConcurrency = d.ListConcurrency
	}
	return c
}

// Manager runs lifecycle operations. It is safe for concurrent use; calls
// that mutate one workload are serialized per identity.
type Manager struct {
	registry *registry.Registry
	runtime  docker.Runtime
	launcher Launcher
	index    store.Index // Optional
	matcher  *manifest.Matcher
	config   Config
	locks    *keyedMutex
	logger   *slog.Logger
}

// NewManager creates a Manager. index may be nil.
func NewManager(
	reg *registry.Registry,
	rt docker.Runtime,
	l Launcher,
	index store.Index,
	config Config,
	logger *slog.Logger,
) *Manager {
	config = config.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: reg,
		runtime:  rt,
		launcher: l,
		index:    index,
		matcher:  manifest.NewMatcher(config.ContainerPrefix, config.ContainerPort),
		config:   config,
		locks:    newKeyedMutex(),
		logger:   logger.With("component", "lifecycle"),
	}
}

// =============================================================================
// Deploy
// =============================================================================

// Deploy persists the bundle, writes the run script and spawns it. It
// returns as soon as the script is running.
func (m *Manager) Deploy(ctx context.Context, b Bundle) (result *DeployResult, err error) {
	var id string
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("deploy panicked", "webtop_id", id, "panic", r)
			err = &LifecycleError{
				Op:      "Deploy",
				ID:      id,
				Message: fmt.Sprint(r),
				Err:     ErrInternal,
				Trace:   string(debug.Stack()),
			}
			result = nil
		}
	}()

	if b.Manifest == nil || b.Manifest.Content == nil {
		return nil, NewLifecycleError("Deploy", "", "Missing docker-compose file", ErrValidation)
	}
	raw, err := io.ReadAll(b.Manifest.Content)
	if err != nil {
		return nil, NewLifecycleError("Deploy", "", "failed to read manifest", fmt.Errorf("%w: %w", ErrInternal, err))
	}

	info := m.matcher.Inspect(raw)
	if info.Identity != nil {
		id = *info.Identity
	} else {
		id = m.config.DefaultIdentity
		m.logger.Warn("no identity in manifest, using default", "webtop_id", id)
	}
	if !workload.ValidIdentity(id) {
		return nil, NewLifecycleError("Deploy", id, "identity outside allowed charset", ErrInvalidIdentity)
	}

	manifestName, err := m.artifactName(id, b.Manifest.Name, "docker-compose.yaml")
	if err != nil {
		return nil, err
	}
	buildNames := make([]string, len(b.BuildFiles))
	for i, a := range b.BuildFiles {
		if buildNames[i], err = m.artifactName(id, a.Name, fmt.Sprintf("Dockerfile.%d", i+1)); err != nil {
			return nil, err
		}
	}
	resourceNames := make([]string, len(b.Resources))
	for i, a := range b.Resources {
		if resourceNames[i], err = m.artifactName(id, a.Name, fmt.Sprintf("resource_%d", i+1)); err != nil {
			return nil, err
		}
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	dir := m.registry.Resolve(id)
	if _, err := m.registry.Persist(id, manifestName, bytes.NewReader(raw)); err != nil {
		return nil, m.wrapRegistryError("Deploy", id, err)
	}
	for i, a := range b.BuildFiles {
		if _, err := m.registry.Persist(id, buildNames[i], a.Content); err != nil {
			return nil, m.wrapRegistryError("Deploy", id, err)
		}
	}
	for i, a := range b.Resources {
		if _, err := m.registry.Persist(id, resourceNames[i], a.Content); err != nil {
			return nil, m.wrapRegistryError("Deploy", id, err)
		}
	}

	content := script.Generate(script.Params{
		Identity:    id,
		Dir:         dir,
		Manifest:    manifestName,
		BuildFiles:  buildNames,
		ImagePrefix: m.config.ImagePrefix,
	})
	scriptPath, err := m.registry.WriteScript(id, m.config.ScriptName, content)
	if err != nil {
		return nil, m.wrapRegistryError("Deploy", id, err)
	}

	handle, err := m.launcher.Launch(ctx, scriptPath, dir)
	if err != nil {
		return nil, NewLifecycleError("Deploy", id, "failed to launch run script", fmt.Errorf("%w: %w", ErrInternal, err))
	}

	result = &DeployResult{
		Identity: id,
		Dir:      dir,
		Port:     info.Port,
		Files: SavedFiles{
			Manifest:    manifestName,
			Dockerfiles: buildNames,
			Resources:   resourceNames,
		},
		PID:           handle.PID,
		RunID:         handle.RunID,
		ContainerName: workload.ContainerName(m.config.ContainerPrefix, id),
	}

	if summary, err := manifest.Describe(raw); err != nil {
		m.logger.Warn("manifest not parseable as compose", "webtop_id", id, "error", err)
	} else {
		result.Services = summary.Services
	}

	if m.index != nil {
		rec := &workload.Record{
			Identity:   id,
			Directory:  dir,
			Port:       info.Port,
			Manifest:   manifestName,
			BuildFiles: buildNames,
			Resources:  resourceNames,
			RunID:      handle.RunID,
			PID:        handle.PID,
			RunState:   workload.RunStateLaunched,
		}
		if err := m.index.UpsertWorkload(ctx, rec); err != nil {
			m.logger.Warn("failed to index workload", "webtop_id", id, "error", err)
		}
	}

	m.logger.Info("deployment initiated",
		"webtop_id", id,
		"port", portAttr(info.Port),
		"dockerfiles", len(buildNames),
		"resources", len(resourceNames),
		"pid", handle.PID,
		"run_id", handle.RunID,
	)
	return result, nil
}

// artifactName sanitizes an uploaded filename, falling back when nothing
// usable remains. The run script name is reserved.
func (m *Manager) artifactName(id, name, fallback string) (string, error) {
	clean := workload.SanitizeFilename(name)
	if clean == "" {
		clean = fallback
	}
	if clean == m.config.ScriptName {
		return "", NewLifecycleError("Deploy", id, fmt.Sprintf("artifact name %q is reserved", clean), ErrValidation)
	}
	return clean, nil
}

// =============================================================================
// Status
// =============================================================================

// Status reconciles the workload against the runtime. A workload that was
// never deployed is simply not running.
func (m *Manager) Status(ctx context.Context, id string) (*StatusResult, error) {
	if !workload.ValidIdentity(id) {
		return nil, NewLifecycleError("Status", id, "identity outside allowed charset", ErrInvalidIdentity)
	}

	st, err := m.runtime.Status(ctx, id)
	if err != nil {
		return nil, NewLifecycleError("Status", id, err.Error(), fmt.Errorf("%w: %w", ErrInternal, err))
	}

	result := &StatusResult{
		Identity:  id,
		Running:   st.Running,
		Container: st.Container,
		State:     st.State,
		Ports:     st.Ports,
		LastRun:   m.lastRun(ctx, id),
	}
	return result, nil
}

func (m *Manager) lastRun(ctx context.Context, id string) *RunInfo {
	if m.index == nil {
		return nil
	}
	rec, err := m.index.GetWorkload(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failed to read workload index", "webtop_id", id, "error", err)
		}
		return nil
	}
	return &RunInfo{
		RunID:      rec.RunID,
		PID:        rec.PID,
		State:      rec.RunState,
		ExitCode:   rec.ExitCode,
		Output:     rec.OutputTail,
		FinishedAt: rec.FinishedAt,
	}
}

// composeNames are the file names compose itself looks for.
var composeNames = []string{"compose.yaml", "compose.yml", "docker-compose.yaml", "docker-compose.yml"}

// findManifest picks the manifest among the workload's YAML files. Resources
// may be YAML too, so the name saved at deploy time wins, then a file naming
// this workload's container, then a conventional compose name, then the
// first candidate by name.
func (m *Manager) findManifest(ctx context.Context, id string) (string, error) {
	paths, err := m.registry.Manifests(id)
	if err != nil {
		return "", err
	}
	if len(paths) == 1 {
		return paths[0], nil
	}

	if m.index != nil {
		rec, err := m.index.GetWorkload(ctx, id)
		switch {
		case err == nil:
			for _, p := range paths {
				if filepath.Base(p) == rec.Manifest {
					return p, nil
				}
			}
		case !errors.Is(err, store.ErrNotFound):
			m.logger.Warn("failed to read workload index", "webtop_id", id, "error", err)
		}
	}

	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if got := m.matcher.Identity(raw); got != nil && *got == id {
			return p, nil
		}
	}

	for _, name := range composeNames {
		for _, p := range paths {
			if filepath.Base(p) == name {
				return p, nil
			}
		}
	}
	return paths[0], nil
}

// =============================================================================
// Stop
// =============================================================================

// Stop brings the workload's compose project down. The command's streams and
// exit code are returned verbatim; a non-zero exit also returns an error
// wrapping *docker.ExternalCommandError.
func (m *Manager) Stop(ctx context.Context, id string) (*StopResult, error) {
	if !workload.ValidIdentity(id) {
		return nil, NewLifecycleError("Stop", id, "identity outside allowed charset", ErrInvalidIdentity)
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	dir := m.registry.Resolve(id)
	manifestPath, err := m.findManifest(ctx, id)
	if err != nil {
		return nil, m.wrapRegistryError("Stop", id, err)
	}

	res, err := m.runtime.Down(ctx, manifestPath, dir)
	result := &StopResult{
		Identity: id,
		Dir:      dir,
		Manifest: filepath.Base(manifestPath),
		Output:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}
	if err != nil {
		m.logger.Error("compose down failed", "webtop_id", id, "exit_code", res.ExitCode, "error", err)
		return result, NewLifecycleError("Stop", id, "Failed to stop webtop", err)
	}

	m.logger.Info("workload stopped", "webtop_id", id)
	return result, nil
}

// =============================================================================
// Cleanup
// =============================================================================

// Cleanup stops the workload on a best-effort basis and removes its
// directory. A missing directory is reported without touching anything.
func (m *Manager) Cleanup(ctx context.Context, id string) (*CleanupResult, error) {
	if !workload.ValidIdentity(id) {
		return nil, NewLifecycleError("Cleanup", id, "identity outside allowed charset", ErrInvalidIdentity)
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	dir := m.registry.Resolve(id)
	ok, err := m.registry.Exists(id)
	if err != nil {
		return nil, m.wrapRegistryError("Cleanup", id, err)
	}
	if !ok {
		return nil, NewLifecycleError("Cleanup", id, "Webtop directory not found: "+id, ErrNotFound)
	}

	if manifestPath, err := m.findManifest(ctx, id); err == nil {
		if _, err := m.runtime.Down(ctx, manifestPath, dir); err != nil {
			m.logger.Warn("compose down before cleanup failed", "webtop_id", id, "error", err)
		}
	}

	if err := m.registry.Destroy(id); err != nil {
		return nil, m.wrapRegistryError("Cleanup", id, err)
	}

	if m.index != nil {
		if err := m.index.DeleteWorkload(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("failed to drop workload from index", "webtop_id", id, "error", err)
		}
	}

	m.logger.Info("workload cleaned up", "webtop_id", id, "dir", dir)
	return &CleanupResult{Identity: id, Dir: dir}, nil
}

// =============================================================================
// List
// =============================================================================

// List returns every registered workload with its running state, in
// registry order. A failed running check reports the workload as stopped.
func (m *Manager) List(ctx context.Context) ([]ListEntry, error) {
	ids, err := m.registry.List()
	if err != nil {
		return nil, m.wrapRegistryError("List", "", err)
	}

	ports := m.indexedPorts(ctx)

	entries := make([]ListEntry, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.ListConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			entry := ListEntry{
				Identity: id,
				Dir:      m.registry.Resolve(id),
				Port:     ports[id],
			}
			running, err := m.runtime.IsRunning(gctx, id)
			if err != nil {
				m.logger.Warn("running check failed", "webtop_id", id, "error", err)
				running = false
			}
			entry.Running = running
			if running {
				entry.ContainerName = workload.ContainerName(m.config.ContainerPrefix, id)
			}
			entries[i] = entry
			return nil
		})
	}
	_ = g.Wait()

	return entries, nil
}

func (m *Manager) indexedPorts(ctx context.Context) map[string]*int {
	ports := make(map[string]*int)
	if m.index == nil {
		return ports
	}
	records, err := m.index.ListWorkloads(ctx)
	if err != nil {
		m.logger.Warn("failed to read workload index", "error", err)
		return ports
	}
	for _, rec := range records {
		ports[rec.Identity] = rec.Port
	}
	return ports
}

// =============================================================================
// Run Results
// =============================================================================

// RecordRun stores the outcome of a finished run in the index. It is meant
// to be the launcher's exit callback. Recording waits for any in-flight
// operation on the same workload, so a run that exits before its deploy
// has been indexed is not lost. Outcomes of superseded runs are dropped.
func (m *Manager) RecordRun(res launcher.Result) {
	if m.index == nil {
		return
	}
	id, ok := m.registry.Identity(res.Dir)
	if !ok {
		m.logger.Warn("run finished outside the registry", "dir", res.Dir, "run_id", res.RunID)
		return
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	err := m.index.RecordRunResult(context.Background(), workload.RunResult{
		RunID:      res.RunID,
		ExitCode:   res.ExitCode,
		OutputTail: res.Output,
		FinishedAt: res.FinishedAt,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.logger.Debug("run result superseded", "webtop_id", id, "run_id", res.RunID, "pid", res.PID)
	case err != nil:
		m.logger.Warn("failed to record run result", "webtop_id", id, "run_id", res.RunID, "error", err)
	}
}

// =============================================================================
// Helpers
// =============================================================================

// wrapRegistryError maps registry sentinels onto lifecycle ones.
func (m *Manager) wrapRegistryError(op, id string, err error) error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return NewLifecycleError(op, id, "Webtop directory not found: "+id, fmt.Errorf("%w: %w", ErrNotFound, err))
	case errors.Is(err, registry.ErrManifestNotFound):
		return NewLifecycleError(op, id, "No YAML file found in webtop directory: "+id, fmt.Errorf("%w: %w", ErrManifestNotFound, err))
	case errors.Is(err, registry.ErrInvalidIdentity):
		return NewLifecycleError(op, id, "identity outside allowed charset", fmt.Errorf("%w: %w", ErrInvalidIdentity, err))
	case errors.Is(err, registry.ErrUnsafePath):
		return NewLifecycleError(op, id, err.Error(), fmt.Errorf("%w: %w", ErrValidation, err))
	default:
		return NewLifecycleError(op, id, err.Error(), fmt.Errorf("%w: %w", ErrInternal, err))
	}
}

func portAttr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
