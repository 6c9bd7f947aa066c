package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/loamlab/loam/internal/metrics"
	"github.com/loamlab/loam/internal/storage"
)

// rrfK is the rank-smoothing constant for reciprocal rank fusion.
const rrfK = 60

// DefaultTopK is the result count when the caller doesn't specify one.
const DefaultTopK = 10

// snippetRunes caps content excerpts for vector-only hits.
const snippetRunes = 200

// Store is the slice of the KB store hybrid search reads.
type Store interface {
	AllVectors() ([]storage.ChunkRef, error)
	ChunksByID(ids []int64) (map[int64]storage.Chunk, error)
	LexicalSearch(query string, limit int) ([]storage.LexicalHit, error)
}

// QueryEmbedder embeds the search query text.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is one hybrid search hit. Matched names the lists the chunk
// appeared in ("vector", "lexical", or both).
type Result struct {
	RelPath    string
	ChunkIndex int
	Snippet    string
	Score      float64
	Matched    []string
}

// Searcher answers queries against a KB by fusing brute-force cosine
// search with FTS5 full-text search.
type Searcher struct {
	embedder QueryEmbedder
	logger   *slog.Logger
}

// NewSearcher creates a Searcher. A nil logger falls back to the
// default slog logger.
func NewSearcher(e QueryEmbedder, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{embedder: e, logger: logger}
}

// Search runs both retrieval legs and fuses them with reciprocal rank
// fusion (score contribution 1/(60+rank) per list). A failed query
// embedding degrades to lexical-only search rather than erroring.
func (s *Searcher) Search(ctx context.Context, store Store, query string, topK int) ([]Result, error) {
	start := time.Now()
	if topK <= 0 {
		topK = DefaultTopK
	}

	lexHits, err := store.LexicalSearch(query, topK)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}

	mode := "hybrid"
	var vecHits []chunkScore
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		mode = "lexical_only"
		s.logger.Warn("query embedding failed, degrading to lexical-only search", "error", err)
	} else {
		refs, err := store.AllVectors()
		if err != nil {
			return nil, fmt.Errorf("loading vectors: %w", err)
		}
		vecHits = vectorTopK(refs, qvec, topK)
	}

	results, err := s.fuse(store, vecHits, lexHits, topK)
	if err != nil {
		return nil, err
	}
	metrics.RecordSearch(mode, time.Since(start))
	return results, nil
}

// fusedHit accumulates a chunk's fusion state across both lists.
type fusedHit struct {
	relPath    string
	chunkIndex int
	snippet    string
	score      float64
	vector     bool
	lexical    bool
}

func (s *Searcher) fuse(store Store, vecHits []chunkScore, lexHits []storage.LexicalHit, topK int) ([]Result, error) {
	hits := make(map[int64]*fusedHit, len(vecHits)+len(lexHits))

	for rank, h := range vecHits {
		hits[h.ChunkID] = &fusedHit{
			relPath:    h.RelPath,
			chunkIndex: h.ChunkIndex,
			score:      1.0 / float64(rrfK+rank+1),
			vector:     true,
		}
	}

	for rank, h := range lexHits {
		f, ok := hits[h.ChunkID]
		if !ok {
			f = &fusedHit{relPath: h.RelPath, chunkIndex: h.ChunkIndex}
			hits[h.ChunkID] = f
		}
		f.score += 1.0 / float64(rrfK+rank+1)
		f.lexical = true
		f.snippet = h.Snippet
	}

	// Vector-only hits have no FTS snippet; excerpt their content.
	var missing []int64
	for id, f := range hits {
		if f.snippet == "" {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		chunks, err := store.ChunksByID(missing)
		if err != nil {
			return nil, fmt.Errorf("loading snippets: %w", err)
		}
		for _, id := range missing {
			hits[id].snippet = excerpt(chunks[id].Content, snippetRunes)
		}
	}

	results := make([]Result, 0, len(hits))
	for _, f := range hits {
		var matched []string
		if f.vector {
			matched = append(matched, "vector")
		}
		if f.lexical {
			matched = append(matched, "lexical")
		}
		results = append(results, Result{
			RelPath:    f.relPath,
			ChunkIndex: f.chunkIndex,
			Snippet:    f.snippet,
			Score:      f.score,
			Matched:    matched,
		})
	}

	// Score descending; path then chunk index break ties so the order
	// is stable across runs.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].RelPath != results[j].RelPath {
			return results[i].RelPath < results[j].RelPath
		}
		return results[i].ChunkIndex < results[j].ChunkIndex
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// excerpt collapses whitespace runs and truncates to max runes.
func excerpt(s string, max int) string {
	collapsed := strings.Join(strings.Fields(s), " ")
	runes := []rune(collapsed)
	if len(runes) <= max {
		return collapsed
	}
	return string(runes[:max]) + "..."
}
