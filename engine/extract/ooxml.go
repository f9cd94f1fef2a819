package extract

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// OOXML containers are plain zip archives; the text lives in well-known XML
// parts. Decoding with the streaming tokenizer avoids modelling the full
// schemas.

var slideRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// pptxText emits one block per slide: a slide marker, the first paragraph
// as a heading, then the remaining paragraphs.
func pptxText(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	type slide struct {
		n    int
		file *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		if m := slideRe.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{n: n, file: f})
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	var sb strings.Builder
	for _, s := range slides {
		paras, err := xmlParagraphs(s.file, "p")
		if err != nil {
			return "", fmt.Errorf("slide %d: %w", s.n, err)
		}
		fmt.Fprintf(&sb, "=== Slide %d ===\n", s.n)
		for i, p := range paras {
			if i == 0 {
				sb.WriteString("# ")
			}
			sb.WriteString(p.text)
			sb.WriteByte('\n')
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("no slides found")
	}
	return sb.String(), nil
}

var headingStyleRe = regexp.MustCompile(`(?i)^heading(\d)$`)

// docxText emits one line per paragraph; paragraphs styled HeadingN get an
// N-deep '#' prefix.
func docxText(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", err
	}
	defer zr.Close()

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("word/document.xml missing")
	}

	paras, err := xmlParagraphs(doc, "p")
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, p := range paras {
		if m := headingStyleRe.FindStringSubmatch(p.style); m != nil {
			level, _ := strconv.Atoi(m[1])
			sb.WriteString(strings.Repeat("#", level))
			sb.WriteByte(' ')
		}
		sb.WriteString(p.text)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

type paragraph struct {
	text  string
	style string
}

// xmlParagraphs walks one XML part and gathers text runs grouped by the
// given paragraph element (local name). Style is taken from a nested
// pStyle element's val attribute when present. Empty paragraphs drop out.
func xmlParagraphs(f *zip.File, paraLocal string) ([]paragraph, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var paras []paragraph
	var cur *paragraph
	var inText bool
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case paraLocal:
				paras = append(paras, paragraph{})
				cur = &paras[len(paras)-1]
			case "pStyle":
				if cur != nil {
					for _, a := range t.Attr {
						if a.Name.Local == "val" {
							cur.style = a.Value
						}
					}
				}
			case "t":
				inText = true
			}
		case xml.EndElement:
			if t.Name.Local == "t" {
				inText = false
			}
		case xml.CharData:
			if inText && cur != nil {
				cur.text += string(t)
			}
		}
	}

	out := paras[:0]
	for _, p := range paras {
		if strings.TrimSpace(p.text) != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
