package poll

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loamlab/loam/internal/client"
)

// DefaultStatusInterval is the cadence of job status pulls.
const DefaultStatusInterval = 1000 * time.Millisecond

// StatusPuller fetches one job status snapshot.
type StatusPuller interface {
	PullStatus(ctx context.Context) (client.JobStatus, error)
}

// StatusConfig configures a StatusPoller. Puller is required; everything
// else has a default.
type StatusConfig struct {
	Puller   StatusPuller
	Interval time.Duration
	// Coalesce skips a tick while a previous pull is still in flight.
	// Off by default: every tick issues a pull and responses apply in
	// arrival order.
	Coalesce bool
	Clock    Clock
	Logger   *slog.Logger
	// OnUpdate, if set, is called after each snapshot is applied.
	OnUpdate func(client.JobStatus)
}

// StatusPoller keeps a local copy of the server's ingestion job status.
// While started it pulls on a fixed cadence whether or not a job is
// running; each successful pull replaces the snapshot wholesale and a
// failed pull leaves it untouched.
type StatusPoller struct {
	puller   StatusPuller
	interval time.Duration
	coalesce bool
	clock    Clock
	logger   *slog.Logger
	onUpdate func(client.JobStatus)

	inflight atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      *sync.WaitGroup
	status  client.JobStatus
}

// NewStatus creates a stopped StatusPoller.
func NewStatus(cfg StatusConfig) *StatusPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultStatusInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StatusPoller{
		puller:   cfg.Puller,
		interval: cfg.Interval,
		coalesce: cfg.Coalesce,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		onUpdate: cfg.OnUpdate,
	}
}

// Start begins polling: one pull immediately, then one per interval.
// Calling Start on a running poller is a no-op.
func (p *StatusPoller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	wg := &sync.WaitGroup{}
	p.running = true
	p.cancel = cancel
	p.done = done
	p.wg = wg
	p.mu.Unlock()

	go p.run(runCtx, done, wg)
}

// Stop halts polling. When Stop returns, no pull goroutine is left and
// the snapshot will not change again. Stopping a stopped poller is a
// no-op.
func (p *StatusPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	wg := p.wg
	p.cancel, p.done, p.wg = nil, nil, nil
	p.mu.Unlock()

	cancel()
	<-done
	wg.Wait()
}

// Running reports whether the poller is currently started.
func (p *StatusPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Snapshot returns the most recently applied status. The zero value
// means no pull has succeeded yet.
func (p *StatusPoller) Snapshot() client.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := p.status
	status.Log = append([]string(nil), p.status.Log...)
	return status
}

func (p *StatusPoller) run(ctx context.Context, done chan struct{}, wg *sync.WaitGroup) {
	defer close(done)

	p.tryPull(ctx, wg)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.tryPull(ctx, wg)
		}
	}
}

// tryPull launches one pull attempt. With coalescing enabled the attempt
// is dropped while another request is still in flight; the flag clears as
// soon as the request finishes, before the snapshot is applied.
func (p *StatusPoller) tryPull(ctx context.Context, wg *sync.WaitGroup) {
	if p.coalesce && !p.inflight.CompareAndSwap(false, true) {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		status, err := p.puller.PullStatus(ctx)
		if p.coalesce {
			p.inflight.Store(false)
		}
		if err != nil {
			p.logger.Debug("status pull failed", "error", err)
			return
		}
		p.apply(status)
	}()
}

func (p *StatusPoller) apply(status client.JobStatus) {
	p.mu.Lock()
	if !p.running {
		// Stopped while the request was in flight.
		p.mu.Unlock()
		return
	}
	p.status = status
	onUpdate := p.onUpdate
	p.mu.Unlock()

	if onUpdate != nil {
		onUpdate(status)
	}
}
