// Package storage holds the artifact store contract shared by the local, gcs
// and memory backends.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
)

// BlobStore persists captured artifacts and returns a URI for them.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// ImagePath is the object path of a task artifact. Artifacts are addressed by
// content hash under a per-task directory.
func ImagePath(prefix string, taskID int64, sha256Hex, contentType string) string {
	name := sha256Hex + ExtensionFor(contentType)
	return path.Join(strings.Trim(prefix, "/"), fmt.Sprintf("%d", taskID), name)
}

// ExtensionFor maps a content type to a file extension.
func ExtensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ".bin"
	}
	switch mediaType {
	case "image/png":
		return ".png"
	case "text/html":
		return ".html"
	case "application/json":
		return ".json"
	default:
		return ".bin"
	}
}
