package objstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FS is a Gateway backed by a local directory, typically served by a
// static file server at PublicBaseURL.
type FS struct {
	root    string
	baseURL string
}

// NewFS creates the root directory if needed.
func NewFS(root, publicBaseURL string) (*FS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &FS{root: root, baseURL: publicBaseURL}, nil
}

func (f *FS) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// Upload writes data atomically under folder/name.
func (f *FS) Upload(_ context.Context, data []byte, name, _ string, folder string) (string, error) {
	key, err := Key(folder, name)
	if err != nil {
		return "", err
	}
	dst := f.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("create folder: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit object: %w", err)
	}
	return f.publicURL(key, dst), nil
}

// Download reads an object back.
func (f *FS) Download(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// Delete removes an object. Deleting a missing key is not an error.
func (f *FS) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FS) publicURL(key, full string) string {
	if f.baseURL == "" {
		return "file://" + full
	}
	return joinURL(f.baseURL, key)
}
