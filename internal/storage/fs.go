package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/pictura/internal/apperr"
)

// FS implements Provider backed by the local file system.
type FS struct {
	root string // absolute path to the image directory
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute image directory.
func (f *FS) Root() string { return f.root }

// blobPath resolves the location of a blob and rejects any result that
// escapes the root.
func (f *FS) blobPath(user, imageIdentifier string) (string, error) {
	if err := validKey(user, imageIdentifier); err != nil {
		return "", err
	}
	abs := filepath.Join(f.root, filepath.FromSlash(objectKey(user, imageIdentifier)))
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: path escapes root: %s/%s", user, imageIdentifier)
	}
	return abs, nil
}

// Locate maps an absolute path below the root back to its user and image
// identifier. ok is false for paths that are not blob locations.
func (f *FS) Locate(path string) (user, imageIdentifier string, ok bool) {
	rel, err := filepath.Rel(f.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return "", "", false
	}
	user, imageIdentifier = parts[0], parts[len(parts)-1]
	if strings.HasPrefix(imageIdentifier, ".pictura-tmp-") {
		return "", "", false
	}
	if objectKey(user, imageIdentifier) != filepath.ToSlash(rel) {
		return "", "", false
	}
	return user, imageIdentifier, true
}

// Store atomically writes blob: tmp file → fsync → rename.
func (f *FS) Store(_ context.Context, user, imageIdentifier string, blob []byte) error {
	abs, err := f.blobPath(user, imageIdentifier)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".pictura-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(blob); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// Load returns the raw bytes of a blob.
func (f *FS) Load(_ context.Context, user, imageIdentifier string) ([]byte, error) {
	abs, err := f.blobPath(user, imageIdentifier)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("storage: load %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load %s/%s: %w", user, imageIdentifier, err)
	}
	return data, nil
}

// Delete removes a blob.
func (f *FS) Delete(_ context.Context, user, imageIdentifier string) error {
	abs, err := f.blobPath(user, imageIdentifier)
	if err != nil {
		return err
	}
	err = os.Remove(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: delete %s/%s: %w", user, imageIdentifier, err)
	}
	return nil
}

// Exists reports whether a blob is present.
func (f *FS) Exists(_ context.Context, user, imageIdentifier string) (bool, error) {
	abs, err := f.blobPath(user, imageIdentifier)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: stat %s/%s: %w", user, imageIdentifier, err)
	}
	return true, nil
}

// Status checks that the root is still a writable directory.
func (f *FS) Status(context.Context) error {
	info, err := os.Stat(f.root)
	if err != nil {
		return fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage: root is not a directory: %s", f.root)
	}
	return nil
}
