package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfText extracts a PDF page by page, prefixing each page's text with a
// page marker. Each page runs through an extractor cascade: the plain-text
// path first, then reconstruction from positioned fragments. The document
// fails only when no page produced text.
func pdfText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sb strings.Builder
	pages := r.NumPage()
	for i := 1; i <= pages; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text := pageText(p)
		if strings.TrimSpace(text) == "" {
			continue
		}
		fmt.Fprintf(&sb, "=== Page %d ===\n", i)
		sb.WriteString(text)
		sb.WriteByte('\n')
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no extractable text in %d pages", pages)
	}
	return sb.String(), nil
}

// pageText runs the extractor cascade for one page. The library panics on
// some malformed content streams, so each extractor is fenced.
func pageText(p pdf.Page) string {
	if t, err := plainText(p); err == nil && strings.TrimSpace(t) != "" {
		return t
	}
	t, _ := positionedText(p)
	return t
}

func plainText(p pdf.Page) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plain text: %v", r)
		}
	}()
	return p.GetPlainText(nil)
}

func positionedText(p pdf.Page) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("positioned text: %v", r)
		}
	}()
	return textFromFragments(p.Content().Text), nil
}

// Fragments within lineTolerance points share a baseline; a horizontal gap
// wider than gapTolerance points separates words.
const (
	lineTolerance = 2.0
	gapTolerance  = 1.0
)

// textFromFragments rebuilds reading order from positioned fragments: lines
// run from the top of the page down, fragments within a line left to right.
// PDF coordinates grow upward, so a larger Y is higher on the page.
func textFromFragments(frags []pdf.Text) string {
	fs := make([]pdf.Text, 0, len(frags))
	for _, t := range frags {
		if strings.TrimSpace(t.S) != "" {
			fs = append(fs, t)
		}
	}
	if len(fs) == 0 {
		return ""
	}
	sort.SliceStable(fs, func(i, j int) bool {
		if fs[i].Y != fs[j].Y {
			return fs[i].Y > fs[j].Y
		}
		return fs[i].X < fs[j].X
	})

	var sb strings.Builder
	sb.WriteString(fs[0].S)
	for i := 1; i < len(fs); i++ {
		prev, cur := fs[i-1], fs[i]
		switch {
		case prev.Y-cur.Y > lineTolerance:
			sb.WriteByte('\n')
		case cur.X-(prev.X+prev.W) > gapTolerance:
			sb.WriteByte(' ')
		}
		sb.WriteString(cur.S)
	}
	return sb.String()
}
