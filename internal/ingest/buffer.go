package ingest

import (
	"sync"

	"github.com/loamlab/loam/internal/metrics"
)

// frameBufferCap bounds the inspection buffer between drains. Frames
// produced faster than clients poll are dropped oldest-first; losing
// frames is part of the contract, not an error.
const frameBufferCap = 20

// Frame is one chunk-processed event, sampled by the console's
// inspection poller.
type Frame struct {
	ID            string    `json:"id"`
	File          string    `json:"file"`
	ChunkIndex    int       `json:"chunk_index"`
	Content       string    `json:"content"`
	VectorPreview []float32 `json:"vector_preview"`
	ConceptColor  string    `json:"concept_color"`
	Timestamp     string    `json:"timestamp"`
}

// InspectionBuffer collects frames until a client drains them. Reads
// consume: a drained frame is never delivered twice.
type InspectionBuffer struct {
	mu     sync.Mutex
	frames []Frame
	cap    int
}

// NewInspectionBuffer creates a buffer holding up to size frames;
// size <= 0 falls back to the default cap.
func NewInspectionBuffer(size int) *InspectionBuffer {
	if size <= 0 {
		size = frameBufferCap
	}
	return &InspectionBuffer{cap: size}
}

// Push appends a frame, evicting the oldest when full.
func (b *InspectionBuffer) Push(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.frames = append(b.frames, f)
	if len(b.frames) > b.cap {
		overflow := len(b.frames) - b.cap
		b.frames = append([]Frame(nil), b.frames[overflow:]...)
		for i := 0; i < overflow; i++ {
			metrics.RecordFrameDropped()
		}
	}
}

// Drain returns all buffered frames in arrival order and empties the
// buffer.
func (b *InspectionBuffer) Drain() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.frames
	b.frames = nil
	return out
}

// Len returns the number of buffered frames.
func (b *InspectionBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}
