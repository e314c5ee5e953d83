// Package storage defines the object cache store used to hold file bytes
// between a user's edit and the next push.
package storage

import (
	"context"
	"io"
)

// Backend is the interface for raw object I/O (S3, local filesystem).
// File metadata lives in the catalog; a backend only knows keys and bytes.
//
// GetObject returns an error of kind errs.KindNotFound when the key is absent.
// DeleteObject returns nil when the key is already absent.
type Backend interface {
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	DeleteObject(ctx context.Context, key string) error

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// ObjectStore is the byte-level contract the engine consumes.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
