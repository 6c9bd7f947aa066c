package retrieval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/loamlab/loam/internal/storage"
)

// stubQueryEmbedder returns a fixed vector or error for any query.
type stubQueryEmbedder struct {
	vec []float32
	err error
}

func (s *stubQueryEmbedder) Embed(context.Context, string) ([]float32, error) {
	return s.vec, s.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openSearchStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedChunk(t *testing.T, s *storage.Store, relPath, content string, vec []float32) {
	t.Helper()
	_, err := s.ReplaceDocument(storage.Document{RelPath: relPath}, []storage.Chunk{
		{ChunkIndex: 0, Content: content, Vector: vec},
	})
	if err != nil {
		t.Fatalf("seeding %s: %v", relPath, err)
	}
}

func TestSearch_FusesBothLists(t *testing.T) {
	store := openSearchStore(t)
	seedChunk(t, store, "a.txt", "alpha bravo", []float32{1, 0})
	seedChunk(t, store, "b.txt", "charlie delta", []float32{0, 1})

	// The embedded query aligns with b.txt, and the text matches b.txt
	// too, so b.txt leads both lists.
	s := NewSearcher(&stubQueryEmbedder{vec: []float32{0, 1}}, discardLogger())
	results, err := s.Search(context.Background(), store, "charlie", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	best := results[0]
	if best.RelPath != "b.txt" {
		t.Errorf("best hit = %q, want b.txt", best.RelPath)
	}
	wantScore := 1.0/61 + 1.0/61
	if math.Abs(best.Score-wantScore) > 1e-9 {
		t.Errorf("best score = %f, want %f (rank 1 in both lists)", best.Score, wantScore)
	}
	if got := strings.Join(best.Matched, "+"); got != "vector+lexical" {
		t.Errorf("best.Matched = %v, want both lists", best.Matched)
	}
	if best.Snippet == "" {
		t.Error("best hit has no snippet")
	}

	second := results[1]
	if second.RelPath != "a.txt" {
		t.Errorf("second hit = %q, want a.txt", second.RelPath)
	}
	if got := strings.Join(second.Matched, "+"); got != "vector" {
		t.Errorf("second.Matched = %v, want vector only", second.Matched)
	}
	if second.Snippet != "alpha bravo" {
		t.Errorf("vector-only snippet = %q, want chunk content", second.Snippet)
	}
}

func TestSearch_EmbedFailureDegradesToLexical(t *testing.T) {
	store := openSearchStore(t)
	seedChunk(t, store, "a.txt", "alpha bravo", []float32{1, 0})

	s := NewSearcher(&stubQueryEmbedder{err: errors.New("ollama down")}, discardLogger())
	results, err := s.Search(context.Background(), store, "alpha", 5)
	if err != nil {
		t.Fatalf("Search should degrade, not fail: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1 lexical hit", len(results))
	}
	if got := strings.Join(results[0].Matched, "+"); got != "lexical" {
		t.Errorf("Matched = %v, want lexical only", results[0].Matched)
	}
}

func TestSearch_EmptyKB(t *testing.T) {
	store := openSearchStore(t)

	s := NewSearcher(&stubQueryEmbedder{vec: []float32{1, 0}}, discardLogger())
	results, err := s.Search(context.Background(), store, "anything", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("empty KB returned %d results", len(results))
	}
}

func TestSearch_TopKLimitsResults(t *testing.T) {
	store := openSearchStore(t)
	vecs := [][]float32{{1, 0}, {0.9, 0.1}, {0.8, 0.2}, {0.7, 0.3}}
	for i, v := range vecs {
		seedChunk(t, store, string(rune('a'+i))+".txt", "shared term here", v)
	}

	s := NewSearcher(&stubQueryEmbedder{vec: []float32{1, 0}}, discardLogger())
	results, err := s.Search(context.Background(), store, "shared", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want topK=2", len(results))
	}
}

func TestSearch_VectorOnlySnippetCollapsesWhitespace(t *testing.T) {
	store := openSearchStore(t)
	seedChunk(t, store, "notes.md", "first line\n\tsecond   line\nthird", []float32{1, 0})

	// Query text matches nothing lexically; the hit is vector-only.
	s := NewSearcher(&stubQueryEmbedder{vec: []float32{1, 0}}, discardLogger())
	results, err := s.Search(context.Background(), store, "zzzz", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if got := results[0].Snippet; got != "first line second line third" {
		t.Errorf("snippet = %q, want collapsed single line", got)
	}
}

func TestExcerpt(t *testing.T) {
	if got := excerpt("  a\nb\t c  ", 100); got != "a b c" {
		t.Errorf("excerpt collapse = %q", got)
	}
	if got := excerpt("abcdef", 4); got != "abcd..." {
		t.Errorf("excerpt truncate = %q", got)
	}
	if got := excerpt("", 10); got != "" {
		t.Errorf("excerpt empty = %q", got)
	}
}
