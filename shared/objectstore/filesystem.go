package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileLister treats a local directory as the content store. Keys are paths
// relative to the base directory using forward slashes. Intended for
// development where no object storage service is available.
type FileLister struct {
	basePath string
}

// NewFileLister initializes a FileLister rooted at basePath
func NewFileLister(basePath string) (*FileLister, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("objectstore: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: ensure base path: %w", err)
	}
	return &FileLister{basePath: basePath}, nil
}

// List walks the base directory and returns keys starting with prefix
func (l *FileLister) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.ReplaceAll(prefix, "\\", "/")
	prefix = strings.TrimLeft(prefix, "/")

	var keys []string
	err := filepath.WalkDir(l.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: list %q: %w", prefix, err)
	}

	return keys, nil
}
