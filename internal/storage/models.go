package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record or KB does not exist.
var ErrNotFound = errors.New("not found")

// ErrExists is returned when creating a KB that already exists.
var ErrExists = errors.New("already exists")

// ErrInvalidName is returned for KB names outside [a-z0-9_-]{1,64}.
var ErrInvalidName = errors.New("invalid knowledge base name")

// Document is one ingested file.
type Document struct {
	ID          int64
	RelPath     string
	ImportsJSON string // JSON array of raw import strings
	IngestedAt  time.Time
}

// Chunk is one embedded slice of a document.
type Chunk struct {
	ID         int64
	DocID      int64
	ChunkIndex int
	Content    string
	Vector     []float32 // nil when embedding failed
}

// Edge is a resolved import relation between two ingested documents.
type Edge struct {
	SrcPath string
	DstPath string
	Kind    string
}

// ChunkRef is a chunk's identity plus its vector, without content.
// Used by the brute-force vector scan.
type ChunkRef struct {
	ChunkID    int64
	RelPath    string
	ChunkIndex int
	Vector     []float32
}

// LexicalHit is one full-text match with its bm25 rank
// (smaller is better).
type LexicalHit struct {
	ChunkID    int64
	RelPath    string
	ChunkIndex int
	Snippet    string
	Rank       float64
}

// Stats summarizes a KB's contents.
type Stats struct {
	Documents int
	Chunks    int
	Edges     int
}
