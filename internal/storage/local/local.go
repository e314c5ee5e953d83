// Package local provides a local filesystem object cache backend.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reposync/reposync/internal/errs"
	"github.com/reposync/reposync/internal/metrics"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// LocalBackend implements storage.Backend using the local filesystem.
type LocalBackend struct {
	rootPath   string
	createDirs bool
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{
		rootPath:   cfg.RootPath,
		createDirs: cfg.CreateDirs,
	}, nil
}

// fullPath maps a key to a file below the root. Keys are produced by
// pathutil.CacheKey and never contain "..", but a hand-crafted key must not
// escape the root either.
func (b *LocalBackend) fullPath(key string) (string, error) {
	p := filepath.Join(b.rootPath, filepath.FromSlash(key))
	rel, err := filepath.Rel(b.rootPath, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", errs.InvalidPathf("local.fullPath", "key %q escapes the storage root", key)
	}
	return p, nil
}

// GetObject opens the file stored under key.
func (b *LocalBackend) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	path, err := b.fullPath(key)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			metrics.RecordObjectOperation("local", "get_object", time.Since(start), true)
			return nil, 0, errs.E(errs.KindNotFound, "local.GetObject", "object "+key+" not found", err)
		}
		metrics.RecordObjectOperation("local", "get_object", time.Since(start), false)
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		metrics.RecordObjectOperation("local", "get_object", time.Since(start), false)
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}

	metrics.RecordObjectOperation("local", "get_object", time.Since(start), true)
	return f, info.Size(), nil
}

// PutObject writes content to the local filesystem atomically. The content
// type is not persisted.
func (b *LocalBackend) PutObject(_ context.Context, key string, body io.Reader, size int64, _ string) error {
	start := time.Now()
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)

	if b.createDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			metrics.RecordObjectOperation("local", "put_object", time.Since(start), false)
			return fmt.Errorf("create dirs for %s: %w", key, err)
		}
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, ".reposync-*.tmp")
	if err != nil {
		metrics.RecordObjectOperation("local", "put_object", time.Since(start), false)
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordObjectOperation("local", "put_object", time.Since(start), false)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.RecordObjectOperation("local", "put_object", time.Since(start), false)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}
	if size >= 0 && written != size {
		os.Remove(tmpName)
		metrics.RecordObjectOperation("local", "put_object", time.Since(start), false)
		return fmt.Errorf("write %s: short write (%d of %d bytes)", key, written, size)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		metrics.RecordObjectOperation("local", "put_object", time.Since(start), false)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}

	metrics.RecordObjectOperation("local", "put_object", time.Since(start), true)
	metrics.RecordObjectBytesWritten(written)
	return nil
}

// DeleteObject removes a file from the local filesystem.
func (b *LocalBackend) DeleteObject(_ context.Context, key string) error {
	start := time.Now()
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		metrics.RecordObjectOperation("local", "delete_object", time.Since(start), false)
		return fmt.Errorf("delete %s: %w", key, err)
	}
	metrics.RecordObjectOperation("local", "delete_object", time.Since(start), true)
	return nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
