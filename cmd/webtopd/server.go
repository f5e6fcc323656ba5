package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/artpar/webtopd/internal/shell/api"
	"github.com/artpar/webtopd/internal/shell/docker"
	"github.com/artpar/webtopd/internal/shell/launcher"
	"github.com/artpar/webtopd/internal/shell/lifecycle"
	"github.com/artpar/webtopd/internal/shell/metrics"
	"github.com/artpar/webtopd/internal/shell/registry"
	"github.com/artpar/webtopd/internal/shell/store"
	"github.com/artpar/webtopd/internal/shell/stream"
	"github.com/artpar/webtopd/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitRuntimeError    = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the webtopd application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	index      store.Index // nil when the database is disabled
	runtime    docker.Runtime
	launcher   *launcher.Launcher
	hub        *stream.Hub // nil when log streaming is disabled
	poller     *workers.StatusPoller
	logger     *slog.Logger
}

// NewServer wires all components from the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	reg := registry.New(cfg.Registry.Root, cfg.Registry.DirPrefix)
	if err := reg.Init(); err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	// Deployment index; the directory tree stays authoritative
	var index store.Index
	if cfg.Database.Enabled {
		if err := ensureDSNDir(cfg.Database.DSN); err != nil {
			return nil, &ServerError{
				Op:       "NewServer",
				Err:      err,
				ExitCode: ExitDatabaseError,
			}
		}
		s, err := store.NewSQLiteStore(cfg.Database.DSN)
		if err != nil {
			return nil, &ServerError{
				Op:       "NewServer",
				Err:      err,
				ExitCode: ExitDatabaseError,
			}
		}
		index = s
	} else {
		logger.Info("deployment index disabled")
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		closeIndex(index, logger)
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitRuntimeError,
		}
	}

	// An unreachable runtime is reported by /ready rather than failing startup
	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.CommandTimeout)
	if err := rt.Ping(pingCtx); err != nil {
		logger.Warn("container runtime not reachable", "driver", cfg.Runtime.Driver, "error", err)
	}
	cancel()

	m := metrics.New()

	// Runs only exit after mgr is assigned below
	var mgr *lifecycle.Manager
	launchOpts := launcher.Options{
		Shell:       cfg.Launcher.Shell,
		OutputLimit: cfg.Launcher.OutputLimit,
		OnExit: func(res launcher.Result) {
			m.ObserveRunFinished(res.ExitCode)
			mgr.RecordRun(res)
		},
	}
	var hub *stream.Hub
	if cfg.Stream.Enabled {
		hub = stream.NewHub(logger)
		launchOpts.Sink = func(dir, runID string) io.Writer {
			id, ok := reg.Identity(dir)
			if !ok {
				return nil
			}
			return hub.Writer(id, runID)
		}
	}
	l := launcher.New(launchOpts, logger)

	mgr = lifecycle.NewManager(reg, rt, l, index, lifecycle.Config{
		ContainerPrefix: cfg.Naming.ContainerPrefix,
		ContainerPort:   cfg.Naming.ContainerPort,
		ImagePrefix:     cfg.Naming.ImagePrefix,
		DefaultIdentity: cfg.Naming.DefaultIdentity,
		ScriptName:      cfg.Registry.ScriptName,
		ListConcurrency: cfg.Lifecycle.ListConcurrency,
	}, logger)

	checks := map[string]api.Checker{"runtime": rt}
	if index != nil {
		checks["database"] = index
	}
	handler := api.NewHandler(mgr, checks, m, api.Config{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, logger).WithOutputStream(hub)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var poller *workers.StatusPoller
	if cfg.Poller.Enabled {
		poller = workers.NewStatusPoller(reg, rt, m, workers.StatusPollerConfig{
			Interval:      cfg.Poller.Interval,
			Timeout:       cfg.Poller.Timeout,
			MaxConcurrent: cfg.Poller.MaxConcurrent,
		}, logger)
	}

	logger.Info("server configured",
		"registry_root", reg.Root(),
		"runtime_driver", cfg.Runtime.Driver,
		"database_enabled", index != nil,
		"poller_enabled", poller != nil,
		"stream_enabled", hub != nil,
	)

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		index:      index,
		runtime:    rt,
		launcher:   l,
		hub:        hub,
		poller:     poller,
		logger:     logger,
	}, nil
}

// newRuntime builds the adapter selected by runtime.driver. Both drivers
// shell out to docker compose for Down.
func newRuntime(cfg *Config, logger *slog.Logger) (docker.Runtime, error) {
	opts := docker.Options{
		DockerBinary:    cfg.Runtime.DockerBinary,
		ContainerPrefix: cfg.Naming.ContainerPrefix,
		CommandTimeout:  cfg.Runtime.CommandTimeout,
		DownTimeout:     cfg.Runtime.DownTimeout,
	}
	runner := docker.NewExecRunner()

	switch cfg.Runtime.Driver {
	case DriverSDK:
		rt, err := docker.NewSDKRuntime(cfg.Runtime.DockerHost, runner, opts, logger)
		if err != nil {
			return nil, err
		}
		return rt, nil
	case DriverCLI:
		return docker.NewCLIRuntime(runner, opts, logger), nil
	default:
		return nil, fmt.Errorf("unknown runtime driver %q", cfg.Runtime.Driver)
	}
}

// ensureDSNDir creates the parent directory of a file DSN.
func ensureDSNDir(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory %s: %w", dir, err)
	}
	return nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if s.poller != nil {
		s.poller.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server. Spawned run scripts are not
// killed; their reapers are awaited up to the shutdown timeout so that
// results reach the index.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.poller != nil {
		s.poller.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.launcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.logger.Warn("run scripts still active at shutdown; their results will not be recorded")
	}

	if s.hub != nil {
		s.hub.Close()
	}

	if c, ok := s.runtime.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger.Error("runtime client close error", "error", err)
		}
	}

	closeIndex(s.index, s.logger)

	s.logger.Info("shutdown complete")
	return nil
}

func closeIndex(index store.Index, logger *slog.Logger) {
	if index == nil {
		return
	}
	if err := index.Close(); err != nil {
		logger.Error("database close error", "error", err)
	}
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
