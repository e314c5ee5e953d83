package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/reposync/reposync/internal/errs"
)

// Cache adapts a Backend to the ObjectStore contract and classifies failures:
// a missing key is KindNotFound, anything else is KindStorageUnavailable.
type Cache struct {
	backend Backend
}

// NewCache wraps a backend.
func NewCache(backend Backend) *Cache {
	return &Cache{backend: backend}
}

// Backend returns the wrapped backend.
func (c *Cache) Backend() Backend {
	return c.backend
}

// Put stores data under key, replacing any previous object.
func (c *Cache) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := c.backend.PutObject(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return errs.E(errs.KindStorageUnavailable, "storage.Put", "cannot store object "+key, err)
	}
	return nil
}

// Get returns the bytes stored under key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	rc, _, err := c.backend.GetObject(ctx, key)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil, err
		}
		return nil, errs.E(errs.KindStorageUnavailable, "storage.Get", "cannot read object "+key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errs.E(errs.KindStorageUnavailable, "storage.Get", "cannot read object "+key, err)
	}
	return data, nil
}

// Delete removes the object under key. Deleting an absent key succeeds.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.backend.DeleteObject(ctx, key); err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil
		}
		return errs.E(errs.KindStorageUnavailable, "storage.Delete", "cannot delete object "+key, err)
	}
	return nil
}
