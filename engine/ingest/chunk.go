package ingest

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Bounds are the chunker limits in characters. Configuration expresses them
// in tokens; BoundsFromTokens applies the chars-per-token ratio.
type Bounds struct {
	Target  int
	Max     int
	Min     int
	Overlap int
}

// BoundsFromTokens converts token bounds to character bounds.
func BoundsFromTokens(target, max, min, overlap int, ratio float64) Bounds {
	return Bounds{
		Target:  int(float64(target) * ratio),
		Max:     int(float64(max) * ratio),
		Min:     int(float64(min) * ratio),
		Overlap: int(float64(overlap) * ratio),
	}
}

var (
	markerRe  = regexp.MustCompile(`(?m)^=== (?:Page|Slide) \d+ ===$`)
	headingRe = regexp.MustCompile(`(?m)^#{1,6} `)
)

// fragment is one sentence of the document. hard marks the first sentence
// after a page or slide marker: the chunker prefers to break there.
type fragment struct {
	text string
	hard bool
}

// ChunkText splits standardized text into chunks. Page and slide markers
// bound blocks; heading lines bound sections; sentences are packed toward
// the target length, never past the max, carrying an overlap tail between
// adjacent chunks. A structural break is honored whenever the open chunk
// already has enough text; undersized tails merge with a neighbor instead.
func ChunkText(text string, b Bounds) []string {
	frags := fragments(text)
	if len(frags) == 0 {
		return nil
	}

	var chunks []string
	var cur []string
	curLen := 0

	flush := func(carryOverlap bool) {
		if curLen == 0 {
			return
		}
		chunk := strings.Join(cur, " ")
		chunks = append(chunks, chunk)
		cur = cur[:0]
		curLen = 0
		if carryOverlap && b.Overlap > 0 {
			tail := overlapTail(chunk, b.Overlap)
			if tail != "" {
				cur = append(cur, tail)
				curLen = len(tail)
			}
		}
	}

	for _, f := range frags {
		if f.hard && curLen >= b.Min {
			// Break on the structural boundary, no overlap across it.
			flush(false)
		}
		cur = append(cur, f.text)
		curLen += len(f.text) + 1
		if curLen > b.Max {
			// Repack the open chunk into max-sized windows and keep the
			// last window open for the sentences that follow.
			pieces := hardSplit(strings.Join(cur, " "), b.Max, b.Overlap)
			chunks = append(chunks, pieces[:len(pieces)-1]...)
			last := pieces[len(pieces)-1]
			cur = append(cur[:0], last)
			curLen = len(last) + 1
		}
		if curLen >= b.Target {
			flush(true)
		}
	}
	flush(false)

	// The final chunk may come up short; fold it into its neighbor when the
	// merged chunk still fits.
	if n := len(chunks); n >= 2 && len(chunks[n-1]) < b.Min {
		merged := chunks[n-2] + " " + chunks[n-1]
		if len(merged) <= b.Max {
			chunks = append(chunks[:n-2], merged)
		}
	}
	return chunks
}

// fragments decomposes text into sentences, marking the first sentence of
// each marker-delimited block.
func fragments(text string) []fragment {
	var frags []fragment
	blocks := markerRe.Split(text, -1)
	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		first := true
		for _, section := range splitSections(block) {
			for _, para := range strings.Split(section, "\n\n") {
				for _, s := range sentences(para) {
					frags = append(frags, fragment{text: s, hard: first})
					first = false
				}
			}
		}
	}
	return frags
}

// splitSections breaks a block at heading lines, keeping each heading with
// the text that follows it.
func splitSections(block string) []string {
	idxs := headingRe.FindAllStringIndex(block, -1)
	if len(idxs) == 0 {
		return []string{block}
	}
	var sections []string
	prev := 0
	for _, idx := range idxs {
		if idx[0] > prev {
			if s := strings.TrimSpace(block[prev:idx[0]]); s != "" {
				sections = append(sections, s)
			}
			prev = idx[0]
		}
	}
	if s := strings.TrimSpace(block[prev:]); s != "" {
		sections = append(sections, s)
	}
	return sections
}

// sentences splits on terminal punctuation followed by space, and on line
// breaks. Heading lines come out as their own sentence.
func sentences(text string) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			atEnd := i == len(runes)-1
			if r == '\n' || atEnd || unicode.IsSpace(runes[i+1]) {
				if s := strings.TrimSpace(cur.String()); s != "" {
					out = append(out, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// overlapTail returns the last whole words of a chunk totaling at least n
// characters, to seed the next chunk.
func overlapTail(chunk string, n int) string {
	if len(chunk) <= n {
		return chunk
	}
	words := strings.Fields(chunk)
	total := 0
	i := len(words)
	for i > 0 && total < n {
		i--
		total += len(words[i]) + 1
	}
	return strings.Join(words[i:], " ")
}

// hardSplit cuts an oversized fragment into max-length windows at word
// boundaries, each window starting with the previous one's overlap tail.
// A single unbroken token longer than the window is cut at rune boundaries
// so no emitted piece exceeds max.
func hardSplit(text string, max, overlap int) []string {
	var words []string
	for _, w := range strings.Fields(text) {
		for max > 0 && len(w) > max {
			cut := runeCut(w, max)
			words = append(words, w[:cut])
			w = w[cut:]
		}
		words = append(words, w)
	}

	var pieces []string
	var cur []string
	curLen := 0
	for _, w := range words {
		if curLen+len(w)+1 > max && curLen > 0 {
			piece := strings.Join(cur, " ")
			pieces = append(pieces, piece)
			cur = cur[:0]
			curLen = 0
			if overlap > 0 {
				tail := overlapTail(piece, overlap)
				cur = append(cur, tail)
				curLen = len(tail)
			}
			// A near-max word would overflow the window even seeded with
			// just the tail; the tail gives way.
			if curLen+len(w)+1 > max {
				cur = cur[:0]
				curLen = 0
			}
		}
		cur = append(cur, w)
		curLen += len(w) + 1
	}
	if curLen > 0 {
		pieces = append(pieces, strings.Join(cur, " "))
	}
	return pieces
}

// runeCut returns the largest rune boundary in s not past n, always
// admitting at least one rune.
func runeCut(s string, n int) int {
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return cut
}
