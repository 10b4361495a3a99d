// Package objectstore abstracts the bucket that extract files land in.
//
// The loader only needs to open a descriptor's content as a stream, so the
// interface is a single method. The filesystem implementation maps buckets
// to directories, which is what the test environment and the on-prem
// deployments use.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/medflow-io/medflow/internal/extract"
)

// Sentinel errors for object store access.
var (
	// ErrObjectNotFound is returned when the descriptor's object does not
	// exist in the store.
	ErrObjectNotFound = errors.New("object not found")

	// ErrInvalidKey is returned for keys that would escape the bucket root.
	ErrInvalidKey = errors.New("invalid object key")
)

type (
	// Store opens extract file content for reading.
	Store interface {
		// Open returns the object's content stream. The caller closes it.
		Open(ctx context.Context, file *extract.FileDescriptor) (io.ReadCloser, error)
	}

	// FilesystemStore serves objects from a directory tree laid out as
	// root/bucket/key. Version ids are ignored; the filesystem holds one
	// version per key.
	FilesystemStore struct {
		root string
	}
)

// NewFilesystemStore creates a store rooted at dir.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: root directory is empty", ErrInvalidKey)
	}

	return &FilesystemStore{root: dir}, nil
}

// Open opens root/bucket/key for reading.
func (s *FilesystemStore) Open(ctx context.Context, file *extract.FileDescriptor) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if file == nil {
		return nil, extract.ErrNilFile
	}

	path, err := s.resolve(file.Bucket, file.Key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, file.Bucket, file.Key)
	}

	if err != nil {
		return nil, fmt.Errorf("open %s/%s: %w", file.Bucket, file.Key, err)
	}

	return f, nil
}

// resolve joins bucket and key under the root, rejecting traversal.
func (s *FilesystemStore) resolve(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("%w: bucket and key are required", ErrInvalidKey)
	}

	path := filepath.Join(s.root, bucket, filepath.FromSlash(key))

	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s/%s", ErrInvalidKey, bucket, key)
	}

	return path, nil
}
