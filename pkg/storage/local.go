package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// LocalStore keeps blobs on a local or network-mounted filesystem.
type LocalStore struct {
	rootDir string
	logger  *slog.Logger
}

// NewLocalStore stores the blobs of bucket under rootDir/bucket.
func NewLocalStore(rootDir, bucket string) (*LocalStore, error) {
	if err := ValidateName(bucket); err != nil {
		return nil, err
	}
	dir := filepath.Join(rootDir, bucket)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &LocalStore{
		rootDir: dir,
		logger:  slog.Default().With("component", "localstore", "bucket", bucket),
	}, nil
}

func (s *LocalStore) getBlobPath(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if len(name) < 4 {
		return filepath.Join(s.rootDir, name), nil
	}
	// {root}/{bucket}/{ab}/{cd}/{name}
	return filepath.Join(s.rootDir, name[0:2], name[2:4], name), nil
}

// BlobPath returns where name is (or would be) stored.
func (s *LocalStore) BlobPath(name string) (string, error) {
	return s.getBlobPath(name)
}

func (s *LocalStore) Has(ctx context.Context, name string) (bool, error) {
	path, err := s.getBlobPath(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *LocalStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	path, err := s.getBlobPath(name)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (s *LocalStore) Put(ctx context.Context, name string, data io.Reader) error {
	path, err := s.getBlobPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		s.logger.Error("failed to create directory", "path", filepath.Dir(path), "error", err)
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to temp file first for atomicity
	f, err := os.CreateTemp(filepath.Dir(path), name+".*.tmp")
	if err != nil {
		s.logger.Error("failed to create temp file", "dir", filepath.Dir(path), "error", err)
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := f.Name()

	defer func() {
		f.Close()
		os.Remove(tmpPath) // Cleanup if rename didn't happen
	}()

	n, err := io.Copy(f, data)
	if err != nil {
		s.logger.Error("failed to write data", "name", name, "written", n, "error", err)
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := f.Close(); err != nil {
		s.logger.Error("failed to close temp file", "path", tmpPath, "error", err)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		s.logger.Error("failed to rename temp file", "from", tmpPath, "to", path, "error", err)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// PutFile hardlinks srcPath into the store when both live on the same
// filesystem and falls back to copying otherwise.
func (s *LocalStore) PutFile(ctx context.Context, name string, srcPath string) error {
	path, err := s.getBlobPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".link.tmp"
	os.Remove(tmpPath)
	if err := os.Link(srcPath, tmpPath); err == nil {
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to rename linked file: %w", err)
		}
		return nil
	}

	s.logger.Debug("hardlink failed, copying", "src", srcPath, "name", name)
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return s.Put(ctx, name, f)
}
