// Package ingest runs ingestion jobs: extracting text from staged
// files, chunking, embedding, persisting to the KB, and emitting
// inspection frames for the console's live feed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loamlab/loam/internal/metrics"
)

// statusLogCap bounds the job log; older lines are dropped.
const statusLogCap = 50

// ErrBusy is returned by Begin while a job is still running. The API
// layer maps it to 409.
var ErrBusy = errors.New("ingestion job already running")

// Status is a point-in-time snapshot of the current (or most recent)
// ingestion job.
type Status struct {
	IsRunning       bool
	JobID           string
	CurrentFile     string
	ProgressPercent float64
	TotalFiles      int
	ProcessedFiles  int
	Log             []string
}

// Tracker holds the single-job state served by the status endpoint.
// At most one ingestion job runs per server.
type Tracker struct {
	mu        sync.Mutex
	running   bool
	jobID     string
	current   string
	total     int
	processed int
	log       []string
}

// NewTracker returns an idle Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin claims the tracker for a new job of totalFiles files and
// returns the job ID. Progress and log from the previous job are
// discarded. Returns ErrBusy while a job is still running.
func (t *Tracker) Begin(totalFiles int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return "", ErrBusy
	}

	t.running = true
	t.jobID = uuid.New().String()
	t.current = ""
	t.total = totalFiles
	t.processed = 0
	t.log = nil
	metrics.SetIngestRunning(true)
	return t.jobID, nil
}

// FileStarted records that the file at position index (0-based) is now
// being processed. Progress counts the files before it as done.
func (t *Tracker) FileStarted(relPath string, index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = relPath
	t.processed = index
}

// Log appends a timestamped line to the job log, dropping the oldest
// line once the cap is reached.
func (t *Tracker) Log(format string, args ...any) {
	line := "[" + time.Now().Format("15:04:05") + "] " + fmt.Sprintf(format, args...)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.log = append(t.log, line)
	if len(t.log) > statusLogCap {
		t.log = t.log[len(t.log)-statusLogCap:]
	}
}

// Finish releases the tracker and logs the job outcome. Progress and
// log stay visible until the next Begin.
func (t *Tracker) Finish(err error) {
	switch {
	case err == nil:
		t.Log("job finished")
	case errors.Is(err, context.Canceled):
		t.Log("ingestion cancelled")
	default:
		t.Log("job failed: %v", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.current = ""
	if err == nil {
		t.processed = t.total
	}
	metrics.SetIngestRunning(false)
}

// Running reports whether a job is in flight.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Status returns a copy of the tracker state. The log slice is copied
// so callers can't race with later appends.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	var percent float64
	if t.total > 0 {
		percent = float64(t.processed) / float64(t.total) * 100
	}

	logCopy := make([]string, len(t.log))
	copy(logCopy, t.log)

	return Status{
		IsRunning:       t.running,
		JobID:           t.jobID,
		CurrentFile:     t.current,
		ProgressPercent: percent,
		TotalFiles:      t.total,
		ProcessedFiles:  t.processed,
		Log:             logCopy,
	}
}
