package storage

import (
	"context"
	"fmt"

	"github.com/reposync/reposync/internal/storage/local"
	s3backend "github.com/reposync/reposync/internal/storage/s3"
)

// Config selects and configures a backend.
type Config struct {
	Type  string // "s3" or "local"
	S3    s3backend.BackendConfig
	Local local.Config
}

// NewBackend creates a Backend from a backend type and its settings.
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Type {
	case "s3":
		return s3backend.NewBackend(ctx, cfg.S3)
	case "local":
		return local.New(cfg.Local)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
