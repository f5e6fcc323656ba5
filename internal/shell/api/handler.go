// Package api provides the HTTP surface of webtopd.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/artpar/webtopd/internal/core/manifest"
	"github.com/artpar/webtopd/internal/core/workload"
	"github.com/artpar/webtopd/internal/shell/api/openapi"
	"github.com/artpar/webtopd/internal/shell/docker"
	"github.com/artpar/webtopd/internal/shell/lifecycle"
	"github.com/artpar/webtopd/internal/shell/metrics"
	"github.com/artpar/webtopd/internal/shell/stream"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// Version is reported by the index endpoint and the OpenAPI document.
const Version = "1.0.0"

// =============================================================================
// Dependencies
// =============================================================================

// Lifecycle is the set of workload operations the API exposes.
type Lifecycle interface {
	Deploy(ctx context.Context, b lifecycle.Bundle) (*lifecycle.DeployResult, error)
	Status(ctx context.Context, id string) (*lifecycle.StatusResult, error)
	Stop(ctx context.Context, id string) (*lifecycle.StopResult, error)
	Cleanup(ctx context.Context, id string) (*lifecycle.CleanupResult, error)
	List(ctx context.Context) ([]lifecycle.ListEntry, error)
}

// Checker is a dependency probed by the readiness endpoint.
type Checker interface {
	Ping(ctx context.Context) error
}

// Config holds HTTP-level limits.
type Config struct {
	MaxUploadBytes int64
	ReadyTimeout   time.Duration
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	lifecycle Lifecycle
	checks    map[string]Checker
	metrics   *metrics.Metrics
	docs      *openapi.Generator
	hub       *stream.Hub
	upgrader  websocket.Upgrader
	config    Config
	logger    *slog.Logger
}

// NewHandler creates a new API handler. checks and m may be nil.
func NewHandler(lc Lifecycle, checks map[string]Checker, m *metrics.Metrics, cfg Config, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}
	h := &Handler{
		lifecycle: lc,
		checks:    checks,
		metrics:   m,
		docs:      openapi.NewGenerator(openapi.WithVersion(Version)),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		config: cfg,
		logger: l.With("component", "api"),
	}
	registerDocs(h.docs)
	return h
}

// WithOutputStream enables the live run-output endpoint backed by hub.
// It must be called before Routes.
func (h *Handler) WithOutputStream(hub *stream.Hub) *Handler {
	h.hub = hub
	if hub != nil {
		registerStreamDocs(h.docs)
	}
	return h
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	r.Get("/", h.handleIndex)
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/openapi.json", h.docs.Handler())
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/deploy", func(r chi.Router) {
		r.Post("/", h.handleDeploy)
		r.Get("/list", h.handleList)
		r.Get("/status/{id}", h.handleStatus)
		r.Post("/stop/{id}", h.handleStop)
		r.Delete("/cleanup/{id}", h.handleCleanup)
		if h.hub != nil {
			r.Get("/logs/{id}", h.handleLogs)
		}
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latency per route pattern.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.ObserveRequest(r.Method, route, status, time.Since(start))
	})
}

// =============================================================================
// Service Handlers
// =============================================================================

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, IndexResponse{
		Status:  StatusOK,
		Message: "Webtop API is active",
		Version: Version,
		Endpoints: map[string]string{
			"GET /":                       "Health check",
			"POST /deploy":                "Deploy a new webtop instance",
			"GET /deploy/status/{id}":     "Check webtop status",
			"POST /deploy/stop/{id}":      "Stop a webtop instance",
			"DELETE /deploy/cleanup/{id}": "Cleanup webtop files",
			"GET /deploy/list":            "List all deployed webtops",
			"GET /deploy/logs/{id}":       "Stream live run output (websocket)",
			"GET /health":                 "Liveness probe",
			"GET /ready":                  "Readiness probe",
			"GET /openapi.json":           "OpenAPI document",
			"GET /metrics":                "Prometheus metrics",
		},
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.config.ReadyTimeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "check", name, "error", err)
			checks[name] = "failed"
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Deploy Handlers
// =============================================================================

func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	upload, err := parseBundle(w, r, h.config.MaxUploadBytes)
	if err != nil {
		h.observe("deploy", "rejected")
		switch {
		case errors.Is(err, errNoFiles):
			h.writeError(w, http.StatusBadRequest, ErrorResponse{Message: "No files received"})
		case errors.Is(err, errMissingManifest):
			h.writeError(w, http.StatusBadRequest, ErrorResponse{Message: "Missing docker-compose file"})
		case errors.Is(err, errBodyTooLarge):
			h.writeError(w, http.StatusRequestEntityTooLarge, ErrorResponse{Message: "Upload exceeds size limit"})
		default:
			h.writeError(w, http.StatusInternalServerError, ErrorResponse{Message: err.Error(), Traceback: err.Error()})
		}
		return
	}
	defer upload.Close()

	res, err := h.lifecycle.Deploy(r.Context(), upload.bundle)
	if err != nil {
		h.observe("deploy", "error")
		h.writeLifecycleError(w, "deploy", err, "")
		return
	}
	h.observe("deploy", "success")

	services := res.Services
	if services == nil {
		services = []manifest.Service{}
	}
	h.writeJSON(w, http.StatusOK, DeployResponse{
		Status:    StatusSuccess,
		Message:   "Webtop deployment initiated for user: " + res.Identity,
		WebtopID:  res.Identity,
		WebtopDir: res.Dir,
		Port:      res.Port,
		Files: SavedFilesResponse{
			YAML:        res.Files.Manifest,
			Dockerfiles: nonNil(res.Files.Dockerfiles),
			Resources:   nonNil(res.Files.Resources),
		},
		ProcessID:     res.PID,
		RunID:         res.RunID,
		ContainerName: res.ContainerName,
		Services:      services,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.lifecycle.Status(r.Context(), id)
	if err != nil {
		h.observe("status", "error")
		h.writeLifecycleError(w, "status", err, id)
		return
	}
	h.observe("status", "success")

	resp := StatusResponse{WebtopID: res.Identity}
	if res.Running {
		resp.Status = StatusRunning
		resp.Container = res.Container
		resp.ContainerStatus = res.State
		resp.Ports = res.Ports
	} else {
		resp.Status = StatusNotRunning
		resp.Message = "Container not found or stopped"
	}
	if run := res.LastRun; run != nil {
		resp.LastRun = &LastRunResponse{
			RunID:      run.RunID,
			ProcessID:  run.PID,
			State:      string(run.State),
			ExitCode:   run.ExitCode,
			Output:     run.Output,
			FinishedAt: run.FinishedAt,
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.lifecycle.Stop(r.Context(), id)
	if err != nil {
		h.observe("stop", "error")
		h.writeLifecycleError(w, "stop", err, id)
		return
	}
	h.observe("stop", "success")

	h.writeJSON(w, http.StatusOK, StopResponse{
		Status:    StatusSuccess,
		Message:   "Webtop stopped: " + res.Identity,
		Output:    res.Output,
		WebtopDir: res.Dir,
	})
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.lifecycle.Cleanup(r.Context(), id)
	if err != nil {
		h.observe("cleanup", "error")
		h.writeLifecycleError(w, "cleanup", err, id)
		return
	}
	h.observe("cleanup", "success")

	h.writeJSON(w, http.StatusOK, CleanupResponse{
		Status:           StatusSuccess,
		Message:          "Webtop cleaned up: " + res.Identity,
		RemovedDirectory: res.Dir,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.lifecycle.List(r.Context())
	if err != nil {
		h.observe("list", "error")
		h.writeLifecycleError(w, "list", err, "")
		return
	}
	h.observe("list", "success")

	items := make([]ListItem, 0, len(entries))
	for _, e := range entries {
		item := ListItem{
			WebtopID:  e.Identity,
			Directory: e.Dir,
			IsRunning: e.Running,
			Port:      e.Port,
		}
		if e.Running {
			name := e.ContainerName
			item.ContainerName = &name
		}
		items = append(items, item)
	}
	h.writeJSON(w, http.StatusOK, ListResponse{
		Status:  StatusSuccess,
		Webtops: items,
		Count:   len(items),
	})
}

// handleLogs upgrades to a websocket that receives the output of every run
// of the workload started while connected.
func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !workload.ValidIdentity(id) {
		h.writeError(w, http.StatusBadRequest, ErrorResponse{Message: "identity outside allowed charset", WebtopID: id})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "webtop_id", id, "error", err)
		return
	}
	client := stream.NewClient(conn, h.logger)
	h.hub.Register(id, client)
	h.logger.Debug("log stream opened", "webtop_id", id)

	go func() {
		defer func() {
			h.hub.Unregister(id, client)
			client.Close()
			h.logger.Debug("log stream closed", "webtop_id", id)
		}()
		client.Drain()
	}()
}

// =============================================================================
// Helpers
// =============================================================================

// writeLifecycleError maps lifecycle errors to status codes. Nothing here is
// fatal to the process.
func (h *Handler) writeLifecycleError(w http.ResponseWriter, op string, err error, id string) {
	resp := ErrorResponse{Message: err.Error(), WebtopID: id}

	var lcErr *lifecycle.LifecycleError
	if errors.As(err, &lcErr) {
		resp.Message = lcErr.Message
		if resp.WebtopID == "" {
			resp.WebtopID = lcErr.ID
		}
	}

	var cmdErr *docker.ExternalCommandError
	switch {
	case errors.Is(err, lifecycle.ErrValidation), errors.Is(err, lifecycle.ErrInvalidIdentity):
		h.writeError(w, http.StatusBadRequest, resp)

	case lifecycle.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, resp)

	case errors.As(err, &cmdErr):
		exitCode := cmdErr.Result.ExitCode
		resp.Error = cmdErr.Result.Stderr
		resp.ExitCode = &exitCode
		h.logger.Error("runtime command failed", "op", op, "webtop_id", id, "exit_code", exitCode, "error", err)
		h.writeError(w, http.StatusInternalServerError, resp)

	default:
		resp.Traceback = traceback(err, lcErr)
		h.logger.Error("request failed", "op", op, "webtop_id", resp.WebtopID, "error", err)
		h.writeError(w, http.StatusInternalServerError, resp)
	}
}

// traceback renders the error chain, plus the recovered stack for panics.
func traceback(err error, lcErr *lifecycle.LifecycleError) string {
	if lcErr == nil {
		return err.Error()
	}
	out := lcErr.Error()
	if lcErr.Err != nil {
		out += "\ncaused by: " + lcErr.Err.Error()
	}
	if lcErr.Trace != "" {
		out += "\n\n" + lcErr.Trace
	}
	return out
}

func (h *Handler) observe(op, outcome string) {
	if h.metrics != nil {
		h.metrics.ObserveOperation(op, outcome)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, resp ErrorResponse) {
	resp.Status = StatusError
	h.writeJSON(w, status, resp)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
