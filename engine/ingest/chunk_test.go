package ingest

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

// bounds with a 4:1 chars-per-token ratio: target 100, max 160, min 30,
// overlap 20 characters.
var testBounds = Bounds{Target: 100, Max: 160, Min: 30, Overlap: 20}

func sentence(i int) string {
	return fmt.Sprintf("Sentence number %d talks about data mining concepts.", i)
}

func TestChunkTextRespectsBounds(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString(sentence(i))
		sb.WriteByte(' ')
	}
	chunks := ChunkText(sb.String(), testBounds)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > testBounds.Max {
			t.Errorf("chunk %d has %d chars, max %d", i, len(c), testBounds.Max)
		}
		if len(c) < testBounds.Min && i != len(chunks)-1 {
			t.Errorf("non-final chunk %d has %d chars, min %d", i, len(c), testBounds.Min)
		}
	}
}

func TestChunkTextOverlapCarried(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 20; i++ {
		sb.WriteString(sentence(i))
		sb.WriteByte(' ')
	}
	chunks := ChunkText(sb.String(), testBounds)
	if len(chunks) < 2 {
		t.Fatalf("need at least 2 chunks, got %d", len(chunks))
	}
	// The second chunk starts with the tail of the first.
	tail := overlapTail(chunks[0], testBounds.Overlap)
	if !strings.HasPrefix(chunks[1], tail) {
		t.Errorf("chunk 1 %q does not start with overlap %q", chunks[1], tail)
	}
}

func TestChunkTextBreaksOnMarkers(t *testing.T) {
	text := "=== Slide 1 ===\n# Introduction\n" + sentence(1) + " " + sentence(2) +
		"\n=== Slide 2 ===\n# Methods\n" + sentence(3) + " " + sentence(4)
	chunks := ChunkText(text, testBounds)
	if len(chunks) < 2 {
		t.Fatalf("expected a chunk boundary on the slide marker, got %d chunks", len(chunks))
	}
	for _, c := range chunks {
		if strings.Contains(c, "Introduction") && strings.Contains(c, "Methods") {
			t.Errorf("chunk spans slide boundary: %q", c)
		}
	}
}

func TestChunkTextMarkersStripped(t *testing.T) {
	text := "=== Page 1 ===\n" + sentence(1) + "\n=== Page 2 ===\n" + sentence(2)
	for _, c := range ChunkText(text, testBounds) {
		if strings.Contains(c, "=== Page") {
			t.Errorf("marker leaked into chunk: %q", c)
		}
	}
}

func TestChunkTextOversizedSentenceHardSplit(t *testing.T) {
	words := strings.Repeat("verylongword ", 60) // ~780 chars, no terminator
	chunks := ChunkText(words, testBounds)
	if len(chunks) < 4 {
		t.Fatalf("expected hard split, got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > testBounds.Max {
			t.Errorf("chunk %d has %d chars", i, len(c))
		}
	}
}

func TestChunkTextUnbrokenTokenStaysInBounds(t *testing.T) {
	// One whitespace-free token far beyond the max window.
	token := strings.Repeat("x", 500)
	chunks := ChunkText(token+".", testBounds)
	if len(chunks) < 3 {
		t.Fatalf("expected multiple windows, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > testBounds.Max {
			t.Errorf("chunk %d has %d chars, max %d", i, len(c), testBounds.Max)
		}
	}
}

func TestChunkTextUnbrokenTokenCutAtRunes(t *testing.T) {
	token := strings.Repeat("é", 300) // 600 bytes of two-byte runes
	chunks := ChunkText(token+".", testBounds)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple windows, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > testBounds.Max {
			t.Errorf("chunk %d has %d chars, max %d", i, len(c), testBounds.Max)
		}
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d cut inside a rune: %q", i, c)
		}
	}
}

func TestChunkTextFinalUndersizedMergesBack(t *testing.T) {
	// Enough text for two full chunks plus a tiny tail sentence.
	var sb strings.Builder
	for i := 0; i < 6; i++ {
		sb.WriteString(sentence(i))
		sb.WriteByte(' ')
	}
	sb.WriteString("Tiny end.")
	chunks := ChunkText(sb.String(), testBounds)
	last := chunks[len(chunks)-1]
	if len(last) < testBounds.Min && len(chunks) > 1 {
		prev := chunks[len(chunks)-2]
		if len(prev)+len(last)+1 <= testBounds.Max {
			t.Errorf("undersized tail %q not merged", last)
		}
	}
}

func TestChunkTextEmpty(t *testing.T) {
	if got := ChunkText("", testBounds); got != nil {
		t.Errorf("got %v", got)
	}
	if got := ChunkText("   \n  ", testBounds); got != nil {
		t.Errorf("got %v", got)
	}
}

func TestChunkTextDeterministic(t *testing.T) {
	text := "=== Page 1 ===\n" + sentence(1) + " " + sentence(2)
	a := ChunkText(text, testBounds)
	b := ChunkText(text, testBounds)
	if len(a) != len(b) {
		t.Fatal("nondeterministic chunk count")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("nondeterministic chunk text")
		}
	}
}

func TestBoundsFromTokens(t *testing.T) {
	b := BoundsFromTokens(400, 512, 64, 40, 4.0)
	if b.Target != 1600 || b.Max != 2048 || b.Min != 256 || b.Overlap != 160 {
		t.Errorf("bounds = %+v", b)
	}
}
