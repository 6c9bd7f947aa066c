package poll

import (
	"sync"

	"github.com/loamlab/loam/internal/client"
)

// DefaultRingSize is how many inspection frames the client retains.
const DefaultRingSize = 50

// Ring is a bounded FIFO of inspection frames. When full, appending
// evicts the oldest entries so the newest DefaultRingSize frames win.
type Ring struct {
	mu     sync.Mutex
	frames []client.Frame
	cap    int
}

// NewRing creates a Ring holding at most size frames. size <= 0 selects
// DefaultRingSize.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{cap: size}
}

// Append adds frames in order, evicting from the front when the ring
// overflows.
func (r *Ring) Append(frames []client.Frame) {
	if len(frames) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frames...)
	if excess := len(r.frames) - r.cap; excess > 0 {
		kept := make([]client.Frame, r.cap)
		copy(kept, r.frames[excess:])
		r.frames = kept
	}
}

// Frames returns a copy of the buffered frames, oldest first.
func (r *Ring) Frames() []client.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]client.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

// Len reports how many frames are buffered.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Cap reports the ring's capacity.
func (r *Ring) Cap() int {
	return r.cap
}
