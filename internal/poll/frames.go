package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loamlab/loam/internal/client"
)

// DefaultFrameInterval is the cadence of inspection frame pulls.
const DefaultFrameInterval = 800 * time.Millisecond

// FramePuller drains the server's inspection buffer.
type FramePuller interface {
	PullFrames(ctx context.Context) ([]client.Frame, error)
}

// FrameConfig configures a FramePoller. Puller is required.
type FrameConfig struct {
	Puller   FramePuller
	Ring     *Ring
	Interval time.Duration
	Clock    Clock
	Logger   *slog.Logger
}

// FramePoller streams inspection frames into a bounded ring while an
// ingestion job is running. Unlike the status poller it does not pull
// immediately on start; the first pull happens one full interval in.
// Pull failures are swallowed, frames the server produced between pulls
// are simply gone, and every activation gets a fresh timer.
type FramePoller struct {
	puller   FramePuller
	ring     *Ring
	interval time.Duration
	clock    Clock
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      *sync.WaitGroup
}

// NewFrames creates a stopped FramePoller.
func NewFrames(cfg FrameConfig) *FramePoller {
	if cfg.Ring == nil {
		cfg.Ring = NewRing(DefaultRingSize)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFrameInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FramePoller{
		puller:   cfg.Puller,
		ring:     cfg.Ring,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Start begins polling. The first pull happens one interval from now.
// Calling Start on a running poller is a no-op.
func (p *FramePoller) Start(ctx context.Context) {
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
// the ring will not change again. Stopping a stopped poller is a no-op.
func (p *FramePoller) Stop() {
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
func (p *FramePoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Frames returns a copy of the buffered frames, oldest first. Frames
// survive Stop so the last job's tail stays visible.
func (p *FramePoller) Frames() []client.Frame {
	return p.ring.Frames()
}

func (p *FramePoller) run(ctx context.Context, done chan struct{}, wg *sync.WaitGroup) {
	defer close(done)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.pullOnce(ctx)
			}()
		}
	}
}

func (p *FramePoller) pullOnce(ctx context.Context) {
	frames, err := p.puller.PullFrames(ctx)
	if err != nil {
		p.logger.Debug("inspection pull failed", "error", err)
		return
	}
	if len(frames) == 0 {
		return
	}
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		// Stopped while the request was in flight.
		return
	}
	p.ring.Append(frames)
}
