package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Document extensions accepted by the portal worker. Archives and images
// are rejected explicitly so a miscategorized link never lands on disk.
var (
	allowedExts = map[string]bool{
		".pdf": true, ".doc": true, ".docx": true,
		".ppt": true, ".pptx": true, ".txt": true, ".md": true,
	}
	rejectedExts = map[string]bool{
		".zip": true, ".rar": true, ".7z": true, ".gz": true, ".tar": true,
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true,
		".bmp": true, ".webp": true, ".ico": true,
	}
)

// AllowedFile reports whether the filename carries a document extension we
// download.
func AllowedFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if rejectedExts[ext] {
		return false
	}
	return allowedExts[ext]
}

const maxFolderLen = 200

// SanitizeFolder makes a course title safe as a directory name. Each
// filesystem-reserved character becomes an underscore and the result is
// truncated to 200 characters.
func SanitizeFolder(title string) string {
	s := strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		return r
	}, strings.TrimSpace(title))
	if len(s) > maxFolderLen {
		s = s[:maxFolderLen]
	}
	return s
}

// CourseFolder returns (and creates) the absolute folder for a course under
// <root>/knowledge_base/.
func CourseFolder(root, title string) (string, error) {
	dir := filepath.Join(root, "knowledge_base", SanitizeFolder(title))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// FilenameFromURL derives a filename from the URL path's decoded basename.
func FilenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return path.Base(raw)
	}
	base := path.Base(u.Path)
	if decoded, err := url.PathUnescape(base); err == nil {
		base = decoded
	}
	return base
}

// FilenameFromDisposition extracts the filename parameter of a
// Content-Disposition header; empty when absent.
func FilenameFromDisposition(header string) string {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "filename="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

// DedupSet tracks filenames already present in a course folder, case
// folded. Seeded from disk once per task, then extended as the run commits
// new files, so a name discovered through two pages transfers once.
type DedupSet struct {
	seen map[string]bool
}

// NewDedupSet seeds the set from the folder's current contents.
func NewDedupSet(folder string) *DedupSet {
	d := &DedupSet{seen: make(map[string]bool)}
	entries, err := os.ReadDir(folder)
	if err != nil {
		return d
	}
	for _, e := range entries {
		if !e.IsDir() {
			d.seen[strings.ToLower(e.Name())] = true
		}
	}
	return d
}

// Claim marks the name as taken. Returns false when it was already present.
func (d *DedupSet) Claim(name string) bool {
	key := strings.ToLower(name)
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

// Download streams a URL to dest through a temp file, renaming on success.
// The session client's cookies ride along. Zero-byte responses are treated
// as failures and removed. Returns bytes written.
func Download(ctx context.Context, client *http.Client, rawURL, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("http status %d", resp.StatusCode)
	}

	tmpPath := dest + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("write file: %w", err)
	}
	if n == 0 {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("empty response body")
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename: %w", err)
	}
	return n, nil
}
