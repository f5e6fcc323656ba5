package api

import (
	"time"

	"github.com/artpar/webtopd/internal/core/manifest"
)

// Status discriminators carried by every response body.
const (
	StatusOK         = "ok"
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusRunning    = "running"
	StatusNotRunning = "not_running"
)

// =============================================================================
// Response Types
// =============================================================================

// IndexResponse lists the service capabilities.
type IndexResponse struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// SavedFilesResponse lists the names the uploaded artifacts were saved under.
type SavedFilesResponse struct {
	YAML        string   `json:"yaml"`
	Dockerfiles []string `json:"dockerfiles"`
	Resources   []string `json:"resources"`
}

// DeployResponse is returned once the run script has been spawned.
type DeployResponse struct {
	Status        string             `json:"status"`
	Message       string             `json:"message"`
	WebtopID      string             `json:"webtop_id"`
	WebtopDir     string             `json:"webtop_dir"`
	Port          *int               `json:"port"`
	Files         SavedFilesResponse `json:"files"`
	ProcessID     int                `json:"process_id"`
	RunID         string             `json:"run_id"`
	ContainerName string             `json:"container_name"`
	Services      []manifest.Service `json:"services"`
}

// LastRunResponse summarizes the most recent script run.
type LastRunResponse struct {
	RunID      string     `json:"run_id"`
	ProcessID  int        `json:"process_id"`
	State      string     `json:"state"`
	ExitCode   *int       `json:"exit_code"`
	Output     string     `json:"output,omitempty"`
	FinishedAt *time.Time `json:"finished_at"`
}

// StatusResponse is the reconciled status of one workload.
type StatusResponse struct {
	Status          string           `json:"status"`
	WebtopID        string           `json:"webtop_id"`
	Message         string           `json:"message,omitempty"`
	Container       string           `json:"container,omitempty"`
	ContainerStatus string           `json:"container_status,omitempty"`
	Ports           string           `json:"ports,omitempty"`
	LastRun         *LastRunResponse `json:"last_run,omitempty"`
}

// StopResponse carries the output of the compose down command.
type StopResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Output    string `json:"output"`
	WebtopDir string `json:"webtop_dir"`
}

// CleanupResponse confirms a removed workload.
type CleanupResponse struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	RemovedDirectory string `json:"removed_directory"`
}

// ListItem is one registered workload.
type ListItem struct {
	WebtopID      string  `json:"webtop_id"`
	Directory     string  `json:"directory"`
	IsRunning     bool    `json:"is_running"`
	ContainerName *string `json:"container_name"`
	Port          *int    `json:"port"`
}

// ListResponse lists all registered workloads.
type ListResponse struct {
	Status  string     `json:"status"`
	Webtops []ListItem `json:"webtops"`
	Count   int        `json:"count"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	WebtopID  string `json:"webtop_id,omitempty"`
	WebtopDir string `json:"webtop_dir,omitempty"`
	Error     string `json:"error,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// HealthResponse is the response for health check.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for readiness check.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
