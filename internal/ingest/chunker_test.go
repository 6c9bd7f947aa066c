package ingest

import (
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"pgregory.net/rapid"
)

// patternText builds deterministic text of n runes cycling a-z.
func patternText(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteByte(byte('a' + i%26))
	}
	return sb.String()
}

func TestChunkText_ShortInputSingleChunk(t *testing.T) {
	got := ChunkText("hello world", ChunkSize, ChunkOverlap)
	if len(got) != 1 {
		t.Fatalf("got %d chunks, want 1", len(got))
	}
	if got[0] != "hello world" {
		t.Errorf("chunk = %q, want input unchanged", got[0])
	}
}

func TestChunkText_WindowsOverlap(t *testing.T) {
	text := patternText(1200)
	got := ChunkText(text, 500, 50)

	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3", len(got))
	}
	wantLens := []int{500, 500, 300}
	for i, c := range got {
		if n := utf8.RuneCountInString(c); n != wantLens[i] {
			t.Errorf("chunk %d length = %d runes, want %d", i, n, wantLens[i])
		}
	}
	for i := 1; i < len(got); i++ {
		prevTail := got[i-1][len(got[i-1])-50:]
		head := got[i][:50]
		if prevTail != head {
			t.Errorf("chunk %d does not share 50 runes with its predecessor", i)
		}
	}
}

func TestChunkText_SkipsWhitespaceWindows(t *testing.T) {
	text := "abcdefghij" + strings.Repeat(" ", 10) + "klmnopqrst"
	got := ChunkText(text, 10, 0)

	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2 (whitespace window skipped): %q", len(got), got)
	}
	if got[0] != "abcdefghij" || got[1] != "klmnopqrst" {
		t.Errorf("chunks = %q", got)
	}
}

func TestChunkText_RuneAlignedBoundaries(t *testing.T) {
	text := strings.Repeat("世", 600)
	got := ChunkText(text, 500, 50)

	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if n := utf8.RuneCountInString(got[0]); n != 500 {
		t.Errorf("chunk 0 length = %d runes, want 500", n)
	}
	if n := utf8.RuneCountInString(got[1]); n != 150 {
		t.Errorf("chunk 1 length = %d runes, want 150", n)
	}
	for i, c := range got {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d contains invalid UTF-8", i)
		}
	}
}

func TestChunkText_OverlapClampedBelowSize(t *testing.T) {
	// overlap >= size would never advance; it clamps to size-1.
	got := ChunkText("abcde", 3, 7)
	want := []string{"abc", "bcd", "cde"}
	if len(got) != len(want) {
		t.Fatalf("got %d chunks %q, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestChunkText_EmptyAndBlankInput(t *testing.T) {
	if got := ChunkText("", 500, 50); len(got) != 0 {
		t.Errorf("empty input produced %d chunks", len(got))
	}
	if got := ChunkText("   \n\t  ", 500, 50); len(got) != 0 {
		t.Errorf("blank input produced %d chunks: %q", len(got), got)
	}
}

func TestChunkText_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringN(0, 400, -1).Draw(t, "text")
		size := rapid.IntRange(1, 64).Draw(t, "size")
		overlap := rapid.IntRange(0, 80).Draw(t, "overlap")

		chunks := ChunkText(text, size, overlap)

		kept := 0
		for i, c := range chunks {
			if n := utf8.RuneCountInString(c); n > size {
				t.Fatalf("chunk %d has %d runes, exceeds size %d", i, n, size)
			}
			if strings.TrimSpace(c) == "" {
				t.Fatalf("chunk %d is entirely whitespace", i)
			}
			if !strings.Contains(text, c) {
				t.Fatalf("chunk %d is not a substring of the input", i)
			}
			kept += utf8.RuneCountInString(c)
		}

		// Windows tile the whole input, so every non-whitespace rune
		// lands in at least one kept chunk.
		wantAtLeast := 0
		for _, r := range text {
			if !unicode.IsSpace(r) {
				wantAtLeast++
			}
		}
		if kept < wantAtLeast {
			t.Fatalf("chunks carry %d runes, fewer than the %d non-whitespace input runes", kept, wantAtLeast)
		}
	})
}
