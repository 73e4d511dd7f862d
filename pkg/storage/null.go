package storage

import (
	"context"
	"io"
	"os"
)

// NullStore implements BlobStore but does nothing.
// It is used when caching is disabled: every lookup misses.
type NullStore struct{}

func NewNullStore() *NullStore {
	return &NullStore{}
}

func (s *NullStore) Has(ctx context.Context, name string) (bool, error) {
	return false, nil
}

func (s *NullStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	return nil, os.ErrNotExist
}

func (s *NullStore) Put(ctx context.Context, name string, data io.Reader) error {
	// Drain the reader to satisfy the contract (e.g. if it's a pipe)
	_, err := io.Copy(io.Discard, data)
	return err
}
