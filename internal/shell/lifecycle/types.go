package lifecycle

import (
	"io"
	"time"

	"github.com/artpar/webtopd/internal/core/manifest"
	"github.com/artpar/webtopd/internal/core/workload"
)

// =============================================================================
// Deploy Input
// =============================================================================

// Artifact is one uploaded file. Name is the client-supplied filename and
// may be empty or unsafe; it is sanitized before use.
type Artifact struct {
	Name    string
	Content io.Reader
}

// Bundle is the set of artifacts submitted for one deploy.
type Bundle struct {
	Manifest   *Artifact
	BuildFiles []Artifact // Built in this order
	Resources  []Artifact
}

// =============================================================================
// Results
// =============================================================================

// SavedFiles lists the names the artifacts were saved under.
type SavedFiles struct {
	Manifest    string
	Dockerfiles []string
	Resources   []string
}

// DeployResult is returned once the run script has been spawned.
type DeployResult struct {
	Identity      string
	Dir           string
	Port          *int
	Files         SavedFiles
	PID           int
	RunID         string
	ContainerName string
	Services      []manifest.Service
}

// RunInfo summarizes the most recent script run recorded in the index.
type RunInfo struct {
	RunID      string
	PID        int
	State      workload.RunState
	ExitCode   *int
	Output     string
	FinishedAt *time.Time
}

// StatusResult is the reconciled status of one workload.
type StatusResult struct {
	Identity  string
	Running   bool
	Container string
	State     string
	Ports     string
	LastRun   *RunInfo
}

// StopResult carries the verbatim outcome of the compose down command.
type StopResult struct {
	Identity string
	Dir      string
	Manifest string
	Output   string
	Stderr   string
	ExitCode int
}

// CleanupResult describes a removed workload.
type CleanupResult struct {
	Identity string
	Dir      string
}

// ListEntry is one registered workload with its running state.
type ListEntry struct {
	Identity      string
	Dir           string
	Running       bool
	ContainerName string // Empty when not running
	Port          *int
}
