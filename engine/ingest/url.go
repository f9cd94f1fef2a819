package ingest

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// SourceURL maps an on-disk artifact path to its retrievable HTTP URL. The
// static-file server mounts knowledge_base/ at <base>/knowledge_base/, so
// the URL is the path below the nearest knowledge_base ancestor, segment
// encoded, joined to the base.
func SourceURL(path, baseURL string) (string, error) {
	norm := filepath.ToSlash(path)
	idx := strings.LastIndex(norm, "/knowledge_base/")
	if idx < 0 {
		if strings.HasPrefix(norm, "knowledge_base/") {
			idx = -len("/")
		} else {
			return "", fmt.Errorf("path %s is not under knowledge_base", path)
		}
	}
	rel := norm[idx+len("/knowledge_base/"):]

	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.TrimRight(baseURL, "/") + "/knowledge_base/" + strings.Join(segs, "/"), nil
}
