// Package storage provides the remote blob stores that hold MSA archives.
// Every store is bound to a single bucket when it is constructed; blobs are
// addressed by name within that bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrInvalidName = errors.New("storage: invalid blob name")

// BlobStore is a named blob store scoped to one bucket.
type BlobStore interface {
	Has(ctx context.Context, name string) (bool, error)
	// Get returns an error satisfying errors.Is(err, os.ErrNotExist) when
	// the blob is absent.
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Put(ctx context.Context, name string, data io.Reader) error
}

// FileUploader is an optional interface for BlobStores that can upload
// directly from a local file without buffering.
type FileUploader interface {
	PutFile(ctx context.Context, name string, path string) error
}

// ValidateName rejects names that cannot be used as a single path element.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Close releases the store's resources if it holds any.
func Close(s BlobStore) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
