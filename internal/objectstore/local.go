package objectstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"flowrunner/internal/apierr"
)

// LocalStore stores result archives on the local filesystem, for
// single-node deployments without S3.
type LocalStore struct {
	baseDir string
}

// NewLocalStore builds a LocalStore rooted at baseDir, creating it if
// necessary.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, apierr.Wrap(apierr.StorageUnavailable, "create object store dir", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

func (l *LocalStore) path(key string) string {
	// Cleaning the key as a rooted path drops every leading "..", so the
	// joined path always stays under baseDir.
	key = filepath.Clean(string(filepath.Separator) + key)
	return filepath.Join(l.baseDir, key)
}

func (l *LocalStore) Put(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", apierr.Wrap(apierr.StorageUnavailable, "create object dir", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", apierr.Wrap(apierr.StorageUnavailable, "create object file", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, body); err != nil {
		return "", apierr.Wrap(apierr.StorageUnavailable, "write object", err)
	}
	return path, nil
}

func (l *LocalStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.New(apierr.NotFound, "object not found")
		}
		return nil, apierr.Wrap(apierr.StorageUnavailable, "open object", err)
	}
	return f, nil
}

func (l *LocalStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil && !os.IsNotExist(err) {
		return apierr.Wrap(apierr.StorageUnavailable, "delete object", err)
	}
	return nil
}
