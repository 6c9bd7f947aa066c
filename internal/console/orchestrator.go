// Package console implements the interactive terminal frontend: an
// orchestrator that owns the poll loops and a bubbletea UI on top of it.
package console

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loamlab/loam/internal/client"
	"github.com/loamlab/loam/internal/poll"
	"github.com/loamlab/loam/internal/stage"
)

// Validation errors returned by StartJob before anything touches the
// network.
var (
	ErrNoKB        = errors.New("no knowledge base selected")
	ErrNoSelection = errors.New("no files selected")
)

// API is the slice of the server client the orchestrator needs.
type API interface {
	Scan(ctx context.Context, path string) (*stage.Node, error)
	ListKBs(ctx context.Context) ([]string, error)
	CreateKB(ctx context.Context, name string) error
	ListModels(ctx context.Context) ([]string, error)
	StartIngest(ctx context.Context, kb, rootPath string, relPaths []string, model string) (string, error)
	Search(ctx context.Context, kb, query string, topK int) ([]client.SearchHit, error)
	Ping(ctx context.Context) error
	poll.StatusPuller
	poll.FramePuller
}

// Job is one ingestion request.
type Job struct {
	KB        string
	Root      string
	Selection []string
	Model     string
}

// Config configures an Orchestrator. API is required.
type Config struct {
	API            API
	Logger         *slog.Logger
	Clock          poll.Clock
	StatusInterval time.Duration
	FrameInterval  time.Duration
	// RingSize bounds the telemetry frame buffer; zero means the poll
	// package default.
	RingSize int
	// Coalesce is passed through to the status poller.
	Coalesce bool
}

// Orchestrator ties the ingestion workflow together: it validates a job
// before submitting it, keeps the status poller alive for the whole
// session, and owns the telemetry poller's lifecycle, starting it
// optimistically when the server acks a job and stopping it when a
// status snapshot for that job reports it gone.
type Orchestrator struct {
	api    API
	logger *slog.Logger
	status *poll.StatusPoller
	frames *poll.FramePoller

	mu        sync.Mutex
	runCtx    context.Context
	jobActive bool
	jobID     string
}

// New creates a stopped Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	o := &Orchestrator{
		api:    cfg.API,
		logger: cfg.Logger,
	}
	o.status = poll.NewStatus(poll.StatusConfig{
		Puller:   cfg.API,
		Interval: cfg.StatusInterval,
		Coalesce: cfg.Coalesce,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
		OnUpdate: o.handleStatus,
	})
	var ring *poll.Ring
	if cfg.RingSize > 0 {
		ring = poll.NewRing(cfg.RingSize)
	}
	o.frames = poll.NewFrames(poll.FrameConfig{
		Puller:   cfg.API,
		Ring:     ring,
		Interval: cfg.FrameInterval,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	})
	return o
}

// Start begins status polling for the session. Telemetry stays off until
// a job is acked.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()
	o.status.Start(ctx)
}

// Close stops both pollers. Safe to call more than once.
func (o *Orchestrator) Close() {
	o.status.Stop()
	o.frames.Stop()
}

// StartJob validates and submits an ingestion job. On ack the telemetry
// poller starts immediately, before the first status snapshot confirms
// the job; if the server refuses with a conflict the error is
// client.ErrJobRunning and telemetry is left alone.
func (o *Orchestrator) StartJob(ctx context.Context, job Job) error {
	if job.KB == "" {
		return ErrNoKB
	}
	if len(job.Selection) == 0 {
		return ErrNoSelection
	}
	jobID, err := o.api.StartIngest(ctx, job.KB, job.Root, job.Selection, job.Model)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.jobActive = true
	o.jobID = jobID
	runCtx := o.runCtx
	o.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}
	o.frames.Start(runCtx)
	o.logger.Debug("job acked, telemetry started", "job_id", jobID, "kb", job.KB, "files", len(job.Selection))
	return nil
}

// handleStatus runs on every applied status snapshot. Only a snapshot
// carrying the acked job's ID can deactivate telemetry: a pull that was
// already in flight when the ack landed still describes the previous
// job and applies after StartJob returns. The finished job's ID stays
// in the tracker, so even a job that ends between two polls is matched
// by the next snapshot.
func (o *Orchestrator) handleStatus(s client.JobStatus) {
	o.mu.Lock()
	finished := o.jobActive && !s.IsRunning && s.JobID == o.jobID
	if finished {
		o.jobActive = false
	}
	o.mu.Unlock()

	if finished {
		o.frames.Stop()
		o.logger.Debug("job finished, telemetry stopped")
	}
}

// Status returns the latest job status snapshot.
func (o *Orchestrator) Status() client.JobStatus {
	return o.status.Snapshot()
}

// Frames returns the buffered telemetry frames, oldest first.
func (o *Orchestrator) Frames() []client.Frame {
	return o.frames.Frames()
}

// TelemetryActive reports whether the frame poller is currently running.
func (o *Orchestrator) TelemetryActive() bool {
	return o.frames.Running()
}

// Scan delegates to the server.
func (o *Orchestrator) Scan(ctx context.Context, path string) (*stage.Node, error) {
	return o.api.Scan(ctx, path)
}

// ListKBs delegates to the server.
func (o *Orchestrator) ListKBs(ctx context.Context) ([]string, error) {
	return o.api.ListKBs(ctx)
}

// CreateKB delegates to the server.
func (o *Orchestrator) CreateKB(ctx context.Context, name string) error {
	return o.api.CreateKB(ctx, name)
}

// ListModels delegates to the server.
func (o *Orchestrator) ListModels(ctx context.Context) ([]string, error) {
	return o.api.ListModels(ctx)
}

// Search delegates to the server.
func (o *Orchestrator) Search(ctx context.Context, kb, query string, topK int) ([]client.SearchHit, error) {
	return o.api.Search(ctx, kb, query, topK)
}

// Ping delegates to the server.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.api.Ping(ctx)
}
