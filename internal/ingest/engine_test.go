package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/loamlab/loam/internal/storage"
)

type engineEmbedder struct {
	embedFn func(ctx context.Context, text string) ([]float32, error)
	batchFn func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *engineEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.embedFn != nil {
		return m.embedFn(ctx, text)
	}
	return []float32{0.5, -0.5, 0.25}, nil
}

func (m *engineEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.batchFn != nil {
		return m.batchFn(ctx, texts)
	}
	vecs := make([][]float32, len(texts))
	for i := range vecs {
		vecs[i] = []float32{0.5, -0.5, 0.25}
	}
	return vecs, nil
}

type engineStore struct {
	mu     sync.Mutex
	docs   []storage.Document
	chunks map[string][]storage.Chunk
	edges  []storage.Edge

	replaceDocFn   func(doc storage.Document, chunks []storage.Chunk) (int64, error)
	replaceEdgesFn func(edges []storage.Edge) error
}

func (m *engineStore) record(doc storage.Document, chunks []storage.Chunk) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, doc)
	if m.chunks == nil {
		m.chunks = make(map[string][]storage.Chunk)
	}
	m.chunks[doc.RelPath] = chunks
	return int64(len(m.docs)), nil
}

func (m *engineStore) ReplaceDocument(doc storage.Document, chunks []storage.Chunk) (int64, error) {
	if m.replaceDocFn != nil {
		return m.replaceDocFn(doc, chunks)
	}
	return m.record(doc, chunks)
}

func (m *engineStore) ReplaceEdges(edges []storage.Edge) error {
	if m.replaceEdgesFn != nil {
		return m.replaceEdgesFn(edges)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges = edges
	return nil
}

func (m *engineStore) ListDocuments() ([]storage.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Document(nil), m.docs...), nil
}

func newTestEngine(t *testing.T) (*Engine, *Tracker, *InspectionBuffer) {
	t.Helper()
	tr := NewTracker()
	buf := NewInspectionBuffer(100)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(tr, buf, logger), tr, buf
}

func writeStaged(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func runJob(t *testing.T, e *Engine, tr *Tracker, store Store, emb Embedder, job Job) error {
	t.Helper()
	if _, err := tr.Begin(len(job.RelPaths)); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	err := e.Run(context.Background(), store, emb, job)
	tr.Finish(err)
	return err
}

func logHas(t *testing.T, tr *Tracker, substr string) {
	t.Helper()
	for _, line := range tr.Status().Log {
		if strings.Contains(line, substr) {
			return
		}
	}
	t.Errorf("job log missing %q:\n%s", substr, strings.Join(tr.Status().Log, "\n"))
}

func TestEngine_RunStoresDocumentsAndFrames(t *testing.T) {
	e, tr, buf := newTestEngine(t)
	root := t.TempDir()
	writeStaged(t, root, "a.txt", "alpha bravo charlie")
	writeStaged(t, root, "sub/b.py", "import os\nvalue = 1\n")

	store := &engineStore{}
	job := Job{KB: "demo", Root: root, RelPaths: []string{"a.txt", "sub/b.py"}}
	if err := runJob(t, e, tr, store, &engineEmbedder{}, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.docs) != 2 {
		t.Fatalf("stored %d documents, want 2", len(store.docs))
	}
	if store.docs[0].RelPath != "a.txt" || store.docs[1].RelPath != "sub/b.py" {
		t.Errorf("stored paths = %q, %q", store.docs[0].RelPath, store.docs[1].RelPath)
	}
	if store.docs[0].ImportsJSON != "[]" {
		t.Errorf("a.txt imports = %q, want []", store.docs[0].ImportsJSON)
	}
	if store.docs[1].ImportsJSON != `["os"]` {
		t.Errorf("b.py imports = %q, want [\"os\"]", store.docs[1].ImportsJSON)
	}
	if store.docs[0].IngestedAt.IsZero() {
		t.Error("IngestedAt is zero")
	}

	chunks := store.chunks["a.txt"]
	if len(chunks) != 1 {
		t.Fatalf("a.txt has %d chunks, want 1", len(chunks))
	}
	if chunks[0].Content != "alpha bravo charlie" {
		t.Errorf("chunk content = %q", chunks[0].Content)
	}
	if len(chunks[0].Vector) != 3 {
		t.Errorf("chunk vector = %v, want 3 dims", chunks[0].Vector)
	}

	frames := buf.Drain()
	if len(frames) != 2 {
		t.Fatalf("buffered %d frames, want 2", len(frames))
	}
	f := frames[0]
	if f.ID != "a.txt#0" || f.File != "a.txt" || f.ChunkIndex != 0 {
		t.Errorf("frame identity = %q/%q/%d", f.ID, f.File, f.ChunkIndex)
	}
	if f.Content != "alpha bravo charlie" {
		t.Errorf("frame content = %q", f.Content)
	}
	if len(f.VectorPreview) != 3 || f.VectorPreview[0] != 0.5 {
		t.Errorf("frame vector preview = %v", f.VectorPreview)
	}
	if f.ConceptColor != "#bf409f" {
		t.Errorf("concept color = %q, want #bf409f", f.ConceptColor)
	}
	if _, err := time.Parse(time.RFC3339, f.Timestamp); err != nil {
		t.Errorf("frame timestamp %q is not RFC3339: %v", f.Timestamp, err)
	}

	logHas(t, tr, "ingestion started: 2 files into demo")
	logHas(t, tr, "indexed a.txt: 1 chunks")
	logHas(t, tr, "ingestion complete: 2 files, 2 chunks")
}

func TestEngine_EdgeResolutionLinksDocuments(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	root := t.TempDir()
	writeStaged(t, root, "pkg/a.py", "from .b import thing\n")
	writeStaged(t, root, "pkg/b.py", "x = 1\n")

	store := &engineStore{}
	job := Job{KB: "demo", Root: root, RelPaths: []string{"pkg/a.py", "pkg/b.py"}}
	if err := runJob(t, e, tr, store, &engineEmbedder{}, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.edges) != 1 {
		t.Fatalf("edges = %v, want one", store.edges)
	}
	edge := store.edges[0]
	if edge.SrcPath != "pkg/a.py" || edge.DstPath != "pkg/b.py" || edge.Kind != "import" {
		t.Errorf("edge = %+v", edge)
	}
	logHas(t, tr, "resolved 1 import edges")
}

func TestEngine_RebuildSeesEarlierDocuments(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	root := t.TempDir()
	writeStaged(t, root, "app.py", "import lib.helper\n")

	// lib/helper.py was ingested by an earlier job.
	store := &engineStore{docs: []storage.Document{
		{RelPath: "lib/helper.py", ImportsJSON: "[]"},
	}}
	job := Job{KB: "demo", Root: root, RelPaths: []string{"app.py"}}
	if err := runJob(t, e, tr, store, &engineEmbedder{}, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.edges) != 1 {
		t.Fatalf("edges = %v, want one", store.edges)
	}
	if store.edges[0].SrcPath != "app.py" || store.edges[0].DstPath != "lib/helper.py" {
		t.Errorf("edge = %+v", store.edges[0])
	}
}

func TestEngine_SkipsMissingAndEscapingPaths(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	root := t.TempDir()
	writeStaged(t, root, "ok.txt", "fine content")

	store := &engineStore{}
	job := Job{
		KB:       "demo",
		Root:     root,
		RelPaths: []string{"ghost.txt", "../outside.txt", "/etc/passwd", "ok.txt"},
	}
	if err := runJob(t, e, tr, store, &engineEmbedder{}, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.docs) != 1 || store.docs[0].RelPath != "ok.txt" {
		t.Fatalf("stored docs = %+v, want only ok.txt", store.docs)
	}
	logHas(t, tr, "file disappeared since scan")
	logHas(t, tr, "path escapes scan root")
	logHas(t, tr, "absolute path not allowed")
}

func TestEngine_SkipsBlankAndBinaryFiles(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	root := t.TempDir()
	writeStaged(t, root, "blank.txt", "   \n\t  ")
	writeStaged(t, root, "data.bin", "PK\x00\x03binary")

	store := &engineStore{}
	job := Job{KB: "demo", Root: root, RelPaths: []string{"blank.txt", "data.bin"}}
	if err := runJob(t, e, tr, store, &engineEmbedder{}, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.docs) != 0 {
		t.Errorf("stored docs = %+v, want none", store.docs)
	}
	logHas(t, tr, "skipping blank.txt: no indexable text")
	logHas(t, tr, "skipping data.bin: binary content")
}

func TestEngine_BatchFailureRetriesPerChunk(t *testing.T) {
	e, tr, buf := newTestEngine(t)
	root := t.TempDir()
	writeStaged(t, root, "long.txt", strings.Repeat("alpha bravo ", 60))

	calls := 0
	emb := &engineEmbedder{
		batchFn: func(_ context.Context, _ []string) ([][]float32, error) {
			return nil, errors.New("model crashed")
		},
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			calls++
			if calls == 1 {
				return []float32{0.9, 0.1, -0.2}, nil
			}
			return nil, errors.New("still crashing")
		},
	}

	store := &engineStore{}
	job := Job{KB: "demo", Root: root, RelPaths: []string{"long.txt"}}
	if err := runJob(t, e, tr, store, emb, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	chunks := store.chunks["long.txt"]
	if len(chunks) != 2 {
		t.Fatalf("stored %d chunks, want 2", len(chunks))
	}
	if chunks[0].Vector == nil {
		t.Error("chunk 0 vector is nil, want the per-chunk retry result")
	}
	if chunks[1].Vector != nil {
		t.Errorf("chunk 1 vector = %v, want nil after embed failure", chunks[1].Vector)
	}

	frames := buf.Drain()
	if len(frames) != 2 {
		t.Fatalf("buffered %d frames, want 2", len(frames))
	}
	if frames[0].ConceptColor != "#f28c66" {
		t.Errorf("frame 0 color = %q, want #f28c66", frames[0].ConceptColor)
	}
	if frames[1].ConceptColor != "#808080" {
		t.Errorf("frame 1 color = %q, want neutral #808080", frames[1].ConceptColor)
	}
	if frames[1].VectorPreview != nil {
		t.Errorf("frame 1 vector preview = %v, want nil", frames[1].VectorPreview)
	}
	logHas(t, tr, "chunk 1 of long.txt: embedding failed")
}

func TestEngine_StoreFailureContinues(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	root := t.TempDir()
	writeStaged(t, root, "bad.txt", "doomed content")
	writeStaged(t, root, "good.txt", "fine content")

	store := &engineStore{}
	store.replaceDocFn = func(doc storage.Document, chunks []storage.Chunk) (int64, error) {
		if doc.RelPath == "bad.txt" {
			return 0, errors.New("disk full")
		}
		return store.record(doc, chunks)
	}

	job := Job{KB: "demo", Root: root, RelPaths: []string{"bad.txt", "good.txt"}}
	if err := runJob(t, e, tr, store, &engineEmbedder{}, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(store.docs) != 1 || store.docs[0].RelPath != "good.txt" {
		t.Fatalf("stored docs = %+v, want only good.txt", store.docs)
	}
	logHas(t, tr, "failed to store bad.txt")
}

func TestEngine_CancellationAborts(t *testing.T) {
	e, tr, _ := newTestEngine(t)
	root := t.TempDir()
	writeStaged(t, root, "a.txt", "first file")
	writeStaged(t, root, "b.txt", "second file")
	writeStaged(t, root, "c.txt", "third file")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	emb := &engineEmbedder{
		batchFn: func(ctx context.Context, texts []string) ([][]float32, error) {
			calls++
			if calls == 2 {
				cancel()
				return nil, ctx.Err()
			}
			vecs := make([][]float32, len(texts))
			for i := range vecs {
				vecs[i] = []float32{0.1, 0.2, 0.3}
			}
			return vecs, nil
		},
	}

	store := &engineStore{}
	job := Job{KB: "demo", Root: root, RelPaths: []string{"a.txt", "b.txt", "c.txt"}}
	if _, err := tr.Begin(len(job.RelPaths)); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	err := e.Run(ctx, store, emb, job)
	tr.Finish(err)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if len(store.docs) != 1 {
		t.Errorf("stored %d documents after cancel, want 1", len(store.docs))
	}
	logHas(t, tr, "ingestion cancelled")
}

func TestEngine_FramePreviewTruncated(t *testing.T) {
	e, tr, buf := newTestEngine(t)
	root := t.TempDir()
	writeStaged(t, root, "wide.txt", strings.Repeat("abcd ", 60))

	store := &engineStore{}
	job := Job{KB: "demo", Root: root, RelPaths: []string{"wide.txt"}}
	if err := runJob(t, e, tr, store, &engineEmbedder{}, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	frames := buf.Drain()
	if len(frames) != 1 {
		t.Fatalf("buffered %d frames, want 1", len(frames))
	}
	content := frames[0].Content
	if !strings.HasSuffix(content, "...") {
		t.Errorf("preview %q does not end with ellipsis", content)
	}
	if n := utf8.RuneCountInString(content); n != framePreviewRunes+3 {
		t.Errorf("preview length = %d runes, want %d", n, framePreviewRunes+3)
	}
}
