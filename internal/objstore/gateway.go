// Package objstore stores media blobs and issues public URLs for them.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Gateway is an opaque blob store. Keys are slash-separated
// "<folder>/<name>" paths.
type Gateway interface {
	Upload(ctx context.Context, data []byte, name, contentType, folder string) (publicURL string, err error)
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ErrNotFound is returned by Download for unknown keys.
var ErrNotFound = errors.New("object not found")

// Key joins folder and name into a clean object key rooted at the store,
// so ".." segments can never climb above it.
func Key(folder, name string) (string, error) {
	if name == "" {
		return "", errors.New("object name is required")
	}
	key := path.Clean(path.Join("/", folder, name))[1:]
	if key == "" {
		return "", fmt.Errorf("invalid object key %q/%q", folder, name)
	}
	return key, nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
