package ingest

import (
	"regexp"
	"strings"
)

var (
	latexRe    = regexp.MustCompile(`\\[a-zA-Z]+(\{[^{}]*\})?`)
	base64Re   = regexp.MustCompile(`[A-Za-z0-9+/=]{80,}`)
	hyphenRe   = regexp.MustCompile(`(\w)-\n(\w)`)
	spacesRe   = regexp.MustCompile(`[ \t]+`)
	newlinesRe = regexp.MustCompile(`\n{3,}`)
)

// Ligature code points and zero-width characters PDF extractors leave in.
var ligatures = strings.NewReplacer(
	"ﬀ", "ff",
	"ﬁ", "fi",
	"ﬂ", "fl",
	"ﬃ", "ffi",
	"ﬄ", "ffl",
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\ufeff", "",
)

// Clean scrubs extraction artifacts from standardized text: stray LaTeX
// commands, base64-looking blobs, zero-width characters, and ligature code
// points. Hyphenated line breaks are joined and whitespace runs collapsed.
// Line structure survives so the chunker's markers stay on their own lines.
func Clean(text string) string {
	text = ligatures.Replace(text)
	text = hyphenRe.ReplaceAllString(text, "$1$2")
	text = latexRe.ReplaceAllString(text, " ")
	text = base64Re.ReplaceAllString(text, " ")
	text = spacesRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text = strings.Join(lines, "\n")
	text = newlinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
