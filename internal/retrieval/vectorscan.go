package retrieval

import (
	"container/heap"
	"math"

	"github.com/loamlab/loam/internal/storage"
)

// chunkScore pairs a chunk's identity with its cosine similarity
// during the scan phase of vector search.
type chunkScore struct {
	ChunkID    int64
	RelPath    string
	ChunkIndex int
	Score      float32
}

// vectorTopK brute-force scans the given vectors and returns the topK
// most similar to query, best first. Knowledge bases are per-project
// local files, so a full scan stays well inside interactive latency.
func vectorTopK(refs []storage.ChunkRef, query []float32, topK int) []chunkScore {
	if topK <= 0 {
		return nil
	}
	queryNorm := norm(query)
	if queryNorm == 0 {
		return nil
	}

	h := &chunkScoreHeap{}
	heap.Init(h)

	for _, ref := range refs {
		score := cosine(query, ref.Vector, queryNorm)
		cs := chunkScore{
			ChunkID:    ref.ChunkID,
			RelPath:    ref.RelPath,
			ChunkIndex: ref.ChunkIndex,
			Score:      score,
		}
		if h.Len() < topK {
			heap.Push(h, cs)
		} else if score > (*h)[0].Score {
			(*h)[0] = cs
			heap.Fix(h, 0)
		}
	}

	if h.Len() == 0 {
		return nil
	}

	out := make([]chunkScore, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(chunkScore)
	}
	return out
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * |b|).
// aNorm is the precomputed L2 norm of vector a. Mismatched dimensions
// score zero.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// chunkScoreHeap is a min-heap of chunkScore ordered by Score, used to
// track top-K candidates during the scan.
type chunkScoreHeap []chunkScore

func (h chunkScoreHeap) Len() int           { return len(h) }
func (h chunkScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h chunkScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *chunkScoreHeap) Push(x any)        { *h = append(*h, x.(chunkScore)) }
func (h *chunkScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
