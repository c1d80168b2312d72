// Package storage publishes exported documents to a blob backend
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Backend names
const (
	BackendLocal = "local"
	BackendMinIO = "minio"
)

// Object describes a stored blob
type Object struct {
	Key     string `json:"key"`
	URL     string `json:"url"`
	Size    int64  `json:"size"`
	Backend string `json:"backend"`
}

// Blob stores export artifacts under a key
type Blob interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*Object, error)
	Name() string
}

// PutFile uploads a local file to b under key
func PutFile(ctx context.Context, b Blob, key, localPath, contentType string) (*Object, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	return b.Put(ctx, key, f, info.Size(), contentType)
}

// ContentType guesses a content type from an object key
func ContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".pdf":
		return "application/pdf"
	case ".json":
		return "application/json"
	case ".css":
		return "text/css; charset=utf-8"
	case ".txt":
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

// LocalFS stores blobs below Root. URLs are Root-relative paths joined to BaseURL.
type LocalFS struct {
	Root    string
	BaseURL string
}

// Name returns the backend name
func (l LocalFS) Name() string { return BackendLocal }

// Put writes r to Root/key
func (l LocalFS) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*Object, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	abs := filepath.Join(l.Root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", clean, err)
	}

	f, err := os.Create(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", clean, err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", clean, err)
	}

	url := abs
	if l.BaseURL != "" {
		url = strings.TrimRight(l.BaseURL, "/") + "/" + clean
	}
	return &Object{Key: clean, URL: url, Size: n, Backend: BackendLocal}, nil
}

// Exists reports whether key is present
func (l LocalFS) Exists(key string) bool {
	clean, err := cleanKey(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(l.Root, filepath.FromSlash(clean)))
	return err == nil
}

// Open opens a stored blob for reading
func (l LocalFS) Open(key string) (*os.File, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(l.Root, filepath.FromSlash(clean)))
}

func cleanKey(key string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return clean, nil
}
