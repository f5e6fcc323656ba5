// Package launcher starts generated deployment scripts as detached child
// processes and reaps them in the background.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Types
// =============================================================================

// Handle identifies one launched script run. It is returned as soon as the
// child is spawned.
type Handle struct {
	RunID     string
	PID       int
	StartedAt time.Time
}

// Result describes a finished run.
type Result struct {
	RunID      string
	PID        int
	Dir        string // Working directory the script ran in
	ExitCode   int
	Output     string // Combined stdout/stderr tail
	Truncated  bool
	FinishedAt time.Time
	Err        error // Wait error other than a non-zero exit
}

// Options configures a Launcher.
type Options struct {
	// Shell interprets the script. Default: "bash".
	Shell string

	// OutputLimit bounds the captured output tail in bytes. Default: 64 KiB.
	OutputLimit int

	// OnExit is called from the reaper goroutine when a run finishes.
	OnExit func(Result)

	// Sink optionally returns an extra destination for a run's live output.
	// Writes must not block. A returned io.Closer is closed once the run is
	// reaped.
	Sink func(dir, runID string) io.Writer
}

const (
	defaultShell       = "bash"
	defaultOutputLimit = 64 * 1024
	pipeWaitDelay      = 5 * time.Second
)

// =============================================================================
// Launcher
// =============================================================================

// Launcher spawns scripts without waiting for them.
type Launcher struct {
	opts   Options
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a Launcher.
func New(opts Options, logger *slog.Logger) *Launcher {
	if opts.Shell == "" {
		opts.Shell = defaultShell
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = defaultOutputLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		opts:   opts,
		logger: logger.With("component", "launcher"),
	}
}

// Launch validates scriptPath and starts it in dir. Only spawn failures are
// returned; how the run ends is reported later through OnExit. The child is
// not bound to ctx so it outlives the request that started it.
func (l *Launcher) Launch(ctx context.Context, scriptPath, dir string) (*Handle, error) {
	if err := checkScript(scriptPath); err != nil {
		return nil, &LaunchError{Script: scriptPath, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Script: scriptPath, Err: err}
	}

	runID := uuid.New().String()
	out := newTailBuffer(l.opts.OutputLimit)
	var (
		w    io.Writer = out
		sink io.Writer
	)
	if l.opts.Sink != nil {
		if sink = l.opts.Sink(dir, runID); sink != nil {
			w = io.MultiWriter(out, sink)
		}
	}

	cmd := exec.Command(l.opts.Shell, scriptPath)
	cmd.Dir = dir
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Containers started by the script may inherit the output pipe.
	cmd.WaitDelay = pipeWaitDelay

	if err := cmd.Start(); err != nil {
		closeSink(sink)
		return nil, &LaunchError{Script: scriptPath, Err: fmt.Errorf("%w: %v", ErrSpawnFailed, err)}
	}

	h := &Handle{
		RunID:     runID,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now().UTC(),
	}
	l.logger.Info("script launched", "script", scriptPath, "pid", h.PID, "run_id", h.RunID)

	l.wg.Add(1)
	go l.reap(cmd, h, out, sink)

	return h, nil
}

// Wait blocks until every launched run has been reaped.
func (l *Launcher) Wait() {
	l.wg.Wait()
}

func (l *Launcher) reap(cmd *exec.Cmd, h *Handle, out *tailBuffer, sink io.Writer) {
	defer l.wg.Done()

	err := cmd.Wait()
	closeSink(sink)
	res := Result{
		RunID:      h.RunID,
		PID:        h.PID,
		Dir:        cmd.Dir,
		ExitCode:   cmd.ProcessState.ExitCode(),
		Output:     out.String(),
		Truncated:  out.Truncated(),
		FinishedAt: time.Now().UTC(),
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		res.Err = err
	}

	if res.ExitCode == 0 {
		l.logger.Info("script finished", "pid", res.PID, "run_id", res.RunID, "exit_code", res.ExitCode)
	} else {
		l.logger.Warn("script failed", "pid", res.PID, "run_id", res.RunID, "exit_code", res.ExitCode)
	}

	if l.opts.OnExit != nil {
		l.opts.OnExit(res)
	}
}

func closeSink(sink io.Writer) {
	if c, ok := sink.(io.Closer); ok {
		c.Close()
	}
}

func checkScript(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrScriptNotFound
		}
		return fmt.Errorf("%w: %v", ErrScriptNotFound, err)
	}
	if !info.Mode().IsRegular() {
		return ErrScriptNotFound
	}
	if info.Mode().Perm()&0o111 == 0 {
		return ErrScriptNotExecutable
	}
	return nil
}
