// Package blob stores uploaded diagram images. The orchestrator persists
// only the returned path; bytes live in the store.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the referenced blob no longer exists.
var ErrNotFound = errors.New("blob not found")

// Store is the blob-store capability.
type Store interface {
	// Put persists data and returns an opaque path for later retrieval.
	// ext is the file extension hint (without the dot), e.g. "png".
	Put(data []byte, ext string) (string, error)
	// Get returns the bytes stored under path, or ErrNotFound.
	Get(path string) ([]byte, error)
	// Exists reports whether path is retrievable.
	Exists(path string) bool
}

// FS is the filesystem implementation: files under <root>/<uuid>.<ext>.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FS{root: root}, nil
}

func (f *FS) Put(data []byte, ext string) (string, error) {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "png"
	}
	name := uuid.NewString() + "." + ext
	full := filepath.Join(f.root, name)
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return name, nil
}

func (f *FS) Get(path string) ([]byte, error) {
	data, err := os.ReadFile(f.resolve(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (f *FS) Exists(path string) bool {
	_, err := os.Stat(f.resolve(path))
	return err == nil
}

// resolve confines path lookups to the storage root.
func (f *FS) resolve(path string) string {
	return filepath.Join(f.root, filepath.Base(path))
}
