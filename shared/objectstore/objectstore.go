// Package objectstore lists objects in the content store by key prefix.
package objectstore

import (
	"context"
	"fmt"
	"log/slog"
)

// Backend names accepted by New
const (
	BackendS3         = "s3"
	BackendFilesystem = "filesystem"
)

// Lister returns the keys of every object whose key starts with prefix.
// An empty result is not an error.
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config selects and configures a backend
type Config struct {
	Backend  string
	S3       S3Config
	BasePath string
}

// New builds the Lister named by cfg.Backend
func New(ctx context.Context, cfg *Config, logger *slog.Logger) (Lister, error) {
	switch cfg.Backend {
	case BackendS3, "":
		return NewS3Lister(ctx, &cfg.S3, logger)
	case BackendFilesystem:
		return NewFileLister(cfg.BasePath)
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}
