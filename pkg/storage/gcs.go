package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSStore keeps blobs as objects in a Google Cloud Storage bucket.
// Credentials come from the environment (Application Default Credentials).
type GCSStore struct {
	client     *gcs.Client
	bucket     *gcs.BucketHandle
	ownsClient bool
	logger     *slog.Logger
}

func NewGCSStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSStore, error) {
	c, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	s := NewGCSStoreFromClient(c, bucket)
	s.ownsClient = true
	return s, nil
}

// NewGCSStoreFromClient shares an existing client. Close leaves it open.
func NewGCSStoreFromClient(c *gcs.Client, bucket string) *GCSStore {
	return &GCSStore{
		client: c,
		bucket: c.Bucket(bucket),
		logger: slog.Default().With("component", "gcsstore", "bucket", bucket),
	}
}

func (s *GCSStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

func (s *GCSStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	_, err := s.bucket.Object(name).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *GCSStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	r, err := s.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return r, err
}

// Put creates the object only if it does not exist yet; an object that is
// already present is left untouched and reported as success.
func (s *GCSStore) Put(ctx context.Context, name string, data io.Reader) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.bucket.Object(name).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/zip"

	if _, err := io.Copy(w, data); err != nil {
		// Cancelling the context aborts the upload; Close then reports it.
		cancel()
		w.Close()
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	err := w.Close()
	if isPreconditionFailed(err) {
		s.logger.Info("object appeared during upload, keeping existing copy", "name", name)
		return nil
	}
	return err
}

func (s *GCSStore) PutFile(ctx context.Context, name string, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return s.Put(ctx, name, f)
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
