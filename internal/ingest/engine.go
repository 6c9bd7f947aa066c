package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loamlab/loam/internal/metrics"
	"github.com/loamlab/loam/internal/storage"
)

// framePreviewRunes caps the chunk text carried by inspection frames.
const framePreviewRunes = 200

// vectorPreviewDims is how many leading dimensions a frame shows.
const vectorPreviewDims = 5

// Embedder generates embeddings for chunk text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Store is the KB surface the engine writes.
type Store interface {
	ReplaceDocument(doc storage.Document, chunks []storage.Chunk) (int64, error)
	ReplaceEdges(edges []storage.Edge) error
	ListDocuments() ([]storage.Document, error)
}

// Job names the inputs of one ingestion run. ChunkSize and
// ChunkOverlap fall back to the package defaults when zero.
type Job struct {
	KB           string
	Root         string
	RelPaths     []string
	ChunkSize    int
	ChunkOverlap int
}

// Engine executes ingestion jobs. Files are processed sequentially so
// the tracker's current file and the frame stream stay coherent; only
// the chunk embeds within a file fan out.
type Engine struct {
	tracker *Tracker
	buffer  *InspectionBuffer
	logger  *slog.Logger
}

// NewEngine creates an Engine reporting through the given tracker and
// inspection buffer. A nil logger falls back to slog.Default.
func NewEngine(tracker *Tracker, buffer *InspectionBuffer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{tracker: tracker, buffer: buffer, logger: logger}
}

// Run processes one job end to end. The caller owns the tracker's
// Begin/Finish; Run only advances progress and appends log lines.
// Per-file failures are logged and skipped; only cancellation aborts
// the job.
func (e *Engine) Run(ctx context.Context, store Store, emb Embedder, job Job) error {
	start := time.Now()
	e.tracker.Log("ingestion started: %d files into %s", len(job.RelPaths), job.KB)

	size, overlap := job.ChunkSize, job.ChunkOverlap
	if size <= 0 {
		size = ChunkSize
	}
	if overlap <= 0 {
		overlap = ChunkOverlap
	}

	var chunkTotal int
	for i, rel := range job.RelPaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.tracker.FileStarted(rel, i)

		abs, err := securePath(job.Root, rel)
		if err != nil {
			e.tracker.Log("skipping %s: %v", rel, err)
			e.logger.Warn("rejecting staged path", "path", rel, "error", err)
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			e.tracker.Log("skipping %s: file disappeared since scan", rel)
			continue
		}

		text, err := ExtractText(abs)
		if err != nil {
			e.tracker.Log("skipping %s: %v", rel, err)
			e.logger.Warn("text extraction failed", "path", rel, "error", err)
			continue
		}

		chunks := ChunkText(text, size, overlap)
		if len(chunks) == 0 {
			e.tracker.Log("skipping %s: no indexable text", rel)
			continue
		}

		vectors := e.embedChunks(ctx, emb, rel, chunks)
		if err := ctx.Err(); err != nil {
			return err
		}

		importsJSON := []byte("[]")
		if imports := ExtractImports(rel, text); len(imports) > 0 {
			if data, err := json.Marshal(imports); err == nil {
				importsJSON = data
			}
		}

		stored := make([]storage.Chunk, len(chunks))
		for j := range chunks {
			stored[j] = storage.Chunk{ChunkIndex: j, Content: chunks[j], Vector: vectors[j]}
		}
		doc := storage.Document{
			RelPath:     rel,
			ImportsJSON: string(importsJSON),
			IngestedAt:  time.Now(),
		}
		if _, err := store.ReplaceDocument(doc, stored); err != nil {
			e.tracker.Log("failed to store %s: %v", rel, err)
			e.logger.Error("persisting document failed", "path", rel, "error", err)
			continue
		}
		metrics.RecordDocumentIngested(len(chunks))
		chunkTotal += len(chunks)

		for j := range chunks {
			e.buffer.Push(Frame{
				ID:            rel + "#" + strconv.Itoa(j),
				File:          rel,
				ChunkIndex:    j,
				Content:       preview(chunks[j], framePreviewRunes),
				VectorPreview: vectorPreview(vectors[j]),
				ConceptColor:  conceptColor(vectors[j]),
				Timestamp:     time.Now().UTC().Format(time.RFC3339),
			})
			metrics.RecordFrameEmitted()
		}
		e.tracker.Log("indexed %s: %d chunks", rel, len(chunks))
	}

	if err := e.rebuildEdges(store); err != nil {
		e.tracker.Log("edge resolution failed: %v", err)
		e.logger.Error("rebuilding edges failed", "error", err)
	}

	e.tracker.Log("ingestion complete: %d files, %d chunks in %s",
		len(job.RelPaths), chunkTotal, time.Since(start).Round(time.Millisecond))
	return nil
}

// embedChunks embeds a file's chunks, batch first. When the batch
// fails for any reason other than cancellation, each chunk is retried
// individually so one bad chunk doesn't lose the file; failed chunks
// keep a nil vector and stay lexical-only searchable.
func (e *Engine) embedChunks(ctx context.Context, emb Embedder, rel string, chunks []string) [][]float32 {
	vectors, err := emb.EmbedBatch(ctx, chunks)
	if err == nil {
		return vectors
	}
	if ctx.Err() != nil {
		return make([][]float32, len(chunks))
	}
	e.logger.Warn("batch embedding failed, retrying per chunk", "file", rel, "error", err)

	vectors = make([][]float32, len(chunks))
	for i, c := range chunks {
		if ctx.Err() != nil {
			return vectors
		}
		vec, err := emb.Embed(ctx, c)
		if err != nil {
			e.tracker.Log("chunk %d of %s: embedding failed", i, rel)
			e.logger.Warn("chunk embedding failed", "file", rel, "chunk", i, "error", err)
			metrics.RecordEmbedFailure()
			continue
		}
		vectors[i] = vec
	}
	return vectors
}

// rebuildEdges re-resolves imports across the whole KB and replaces
// the edge set, so edges from earlier jobs pick up newly ingested
// targets too.
func (e *Engine) rebuildEdges(store Store) error {
	docs, err := store.ListDocuments()
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}

	known := make(map[string]bool, len(docs))
	for _, d := range docs {
		known[d.RelPath] = true
	}

	var edges []storage.Edge
	for _, d := range docs {
		var imports []string
		if err := json.Unmarshal([]byte(d.ImportsJSON), &imports); err != nil || len(imports) == 0 {
			continue
		}
		for _, dst := range ResolveImports(d.RelPath, imports, known) {
			edges = append(edges, storage.Edge{SrcPath: d.RelPath, DstPath: dst, Kind: "import"})
		}
	}

	if err := store.ReplaceEdges(edges); err != nil {
		return fmt.Errorf("replacing edges: %w", err)
	}
	e.tracker.Log("resolved %d import edges", len(edges))
	return nil
}

// securePath joins rel onto root, rejecting absolute paths and paths
// that escape the scan root.
func securePath(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", errors.New("absolute path not allowed")
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New("path escapes scan root")
	}
	return filepath.Join(root, clean), nil
}

// preview collapses whitespace and truncates to max runes.
func preview(s string, max int) string {
	collapsed := strings.Join(strings.Fields(s), " ")
	runes := []rune(collapsed)
	if len(runes) <= max {
		return collapsed
	}
	return string(runes[:max]) + "..."
}

// vectorPreview copies the first few dimensions of a vector.
func vectorPreview(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	n := vectorPreviewDims
	if len(v) < n {
		n = len(v)
	}
	out := make([]float32, n)
	copy(out, v[:n])
	return out
}

// conceptColor maps the first three vector dimensions to an RGB hex
// color: each dimension in [-1,1] scales to [0,255], clamped. Missing
// dimensions read as zero, so untrained or absent vectors render the
// neutral #808080.
func conceptColor(v []float32) string {
	var rgb [3]int
	for i := 0; i < 3; i++ {
		var dim float32
		if i < len(v) {
			dim = v[i]
		}
		c := math.Round(float64(dim+1) * 127.5)
		if c < 0 {
			c = 0
		}
		if c > 255 {
			c = 255
		}
		rgb[i] = int(c)
	}
	return fmt.Sprintf("#%02x%02x%02x", rgb[0], rgb[1], rgb[2])
}
