package dataset

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/calldataai/calldata/internal/storage"
)

// Source opens a fresh reader over the dataset CSV on every call.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	Check(ctx context.Context) error
	Name() string
}

type FileSource struct {
	Path string
}

func (s FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	return file, nil
}

func (s FileSource) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		return fmt.Errorf("stat dataset: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("dataset %s is a directory", s.Path)
	}
	return nil
}

func (s FileSource) Name() string {
	return s.Path
}

type ObjectSource struct {
	Store storage.ObjectStore
	Key   string
}

func (s ObjectSource) Open(ctx context.Context) (io.ReadCloser, error) {
	body, err := s.Store.Get(ctx, s.Key)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	return body, nil
}

func (s ObjectSource) Check(ctx context.Context) error {
	if _, err := s.Store.Stat(ctx, s.Key); err != nil {
		return fmt.Errorf("stat dataset: %w", err)
	}
	return nil
}

func (s ObjectSource) Name() string {
	return "s3://" + s.Key
}

// NewSource resolves a configured dataset path. s3://<key> paths need an
// object store; anything else is read from the local filesystem.
func NewSource(path string, store storage.ObjectStore) (Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("dataset path is required")
	}
	key, ok := storage.ParseObjectURI(path)
	if !ok {
		return FileSource{Path: path}, nil
	}
	if key == "" {
		return nil, fmt.Errorf("dataset object key is required in %q", path)
	}
	if store == nil {
		return nil, fmt.Errorf("dataset %q requires an object store", path)
	}
	return ObjectSource{Store: store, Key: key}, nil
}

// IsObjectPath reports whether path points into the object store.
func IsObjectPath(path string) bool {
	_, ok := storage.ParseObjectURI(path)
	return ok
}
