// Package workers contains background workers for webtopd.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Lister enumerates registered workload identities.
type Lister interface {
	List() ([]string, error)
}

// RunningChecker reports whether a workload's container is running.
type RunningChecker interface {
	IsRunning(ctx context.Context, identity string) (bool, error)
}

// Gauges receives the counts of one poll cycle.
type Gauges interface {
	SetWorkloads(registered, running int)
}

// StatusPollerConfig configures the status poller worker.
type StatusPollerConfig struct {
	// Interval is the time between poll cycles.
	// Default: 30 seconds.
	Interval time.Duration

	// Timeout bounds the runtime query for a single workload.
	// Default: 10 seconds.
	Timeout time.Duration

	// MaxConcurrent is the maximum number of workloads queried at once.
	// Default: 8.
	MaxConcurrent int
}

// DefaultStatusPollerConfig returns the default configuration.
func DefaultStatusPollerConfig() StatusPollerConfig {
	return StatusPollerConfig{
		Interval:      30 * time.Second,
		Timeout:       10 * time.Second,
		MaxConcurrent: 8,
	}
}

// StatusPoller periodically counts registered and running workloads.
// The directory tree stays the source of truth; the poller only observes.
type StatusPoller struct {
	lister  Lister
	runtime RunningChecker
	gauges  Gauges
	config  StatusPollerConfig
	logger  *slog.Logger

	mu         sync.Mutex
	registered int
	running    int

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatusPoller creates a new status poller. gauges may be nil.
func NewStatusPoller(
	lister Lister,
	rt RunningChecker,
	gauges Gauges,
	config StatusPollerConfig,
	logger *slog.Logger,
) *StatusPoller {
	defaults := DefaultStatusPollerConfig()
	if config.Interval == 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &StatusPoller{
		lister:  lister,
		runtime: rt,
		gauges:  gauges,
		config:  config,
		logger:  logger.With("component", "status_poller"),
	}
}

// Start begins the poller background goroutine.
func (p *StatusPoller) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(1)
	go p.run()

	p.logger.Info("status poller started",
		"interval", p.config.Interval,
		"max_concurrent", p.config.MaxConcurrent,
	)
}

// Stop gracefully stops the poller and waits for an in-progress cycle.
func (p *StatusPoller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("status poller stopped")
}

// Counts returns the result of the last completed cycle.
func (p *StatusPoller) Counts() (registered, running int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registered, p.running
}

func (p *StatusPoller) run() {
	defer p.wg.Done()

	// Run immediately on start
	p.runCycle(p.ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runCycle(p.ctx)
		}
	}
}

// runCycle executes a single poll across all registered workloads.
func (p *StatusPoller) runCycle(ctx context.Context) {
	ids, err := p.lister.List()
	if err != nil {
		p.logger.Error("failed to list workloads", "error", err)
		return
	}

	var (
		mu      sync.Mutex
		running int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.MaxConcurrent)
	for _, id := range ids {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, p.config.Timeout)
			defer cancel()

			ok, err := p.runtime.IsRunning(checkCtx, id)
			if err != nil {
				p.logger.Debug("runtime query failed", "webtop_id", id, "error", err)
				return nil
			}
			if ok {
				mu.Lock()
				running++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	p.registered, p.running = len(ids), running
	p.mu.Unlock()

	if p.gauges != nil {
		p.gauges.SetWorkloads(len(ids), running)
	}
	p.logger.Debug("completed status poll", "registered", len(ids), "running", running)
}
