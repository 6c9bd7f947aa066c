package ingest

import "strings"

const (
	// ChunkSize is the sliding window width in runes.
	ChunkSize = 500
	// ChunkOverlap is how many runes consecutive windows share.
	ChunkOverlap = 50
)

// ChunkText splits text into rune windows of the given size, each
// overlapping the previous by overlap runes. Windows that are entirely
// whitespace are skipped. Boundaries are rune-aligned, so multi-byte
// characters never split.
func ChunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = ChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := size - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunk := string(runes[start:end])
		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
