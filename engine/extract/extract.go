// Package extract standardizes downloaded course documents into plain text
// with structural markers that the chunker keys on: "=== Page N ===" for
// PDF pages, "=== Slide N ===" plus "# title" lines for presentations, and
// heading prefixes for word-processing documents.
package extract

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"

	"github.com/coursekb/coursekb/engine/domain"
)

// Text converts a file to marked-up plain text, dispatching on extension.
// Unknown extensions and files that yield no text fail with the parse
// sentinel; the caller skips them and keeps the file on disk.
func Text(path string) (string, error) {
	var (
		text string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md":
		var b []byte
		b, err = os.ReadFile(path)
		text = string(b)
	case ".html", ".htm":
		text, err = htmlText(path)
	case ".pdf":
		text, err = pdfText(path)
	case ".pptx":
		text, err = pptxText(path)
	case ".docx":
		text, err = docxText(path)
	default:
		return "", fmt.Errorf("%w: unsupported extension %s", domain.ErrParse, filepath.Ext(path))
	}
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrParse, filepath.Base(path), err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %s", domain.ErrParse, filepath.Base(path))
	}
	return text, nil
}

// htmlText strips tags, keeping block-level line breaks.
func htmlText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	root, err := html.Parse(f)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				sb.WriteByte('\n')
			}
		case html.TextNode:
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return sb.String(), nil
}
