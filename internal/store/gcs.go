package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"

	"shapelake/internal/domain"
)

// Compile-time check.
var _ domain.ComponentStore = (*GCSStore)(nil)

// GCSStore stages components in a Google Cloud Storage bucket. Credentials
// come from the ambient environment (application default credentials).
type GCSStore struct {
	bucket *gcs.BucketHandle
}

// NewGCSStore creates a GCS-backed component store.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs store: bucket is required")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{bucket: client.Bucket(bucket)}, nil
}

// Put uploads the component bytes under ref.
func (s *GCSStore) Put(ctx context.Context, ref string, r io.Reader) (int64, error) {
	if err := validRef(ref); err != nil {
		return 0, err
	}
	w := s.bucket.Object(ref).NewWriter(ctx)
	n, err := io.Copy(w, r)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("put gcs object %s: %w", ref, err)
	}
	return n, nil
}

// Get opens a sequential read stream for the component at ref.
func (s *GCSStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}
	r, err := s.bucket.Object(ref).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, &domain.MissingComponentError{Ref: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("get gcs object %s: %w", ref, err)
	}
	return r, nil
}

// Delete removes the component at ref. An absent object is not an error.
func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	if err := validRef(ref); err != nil {
		return err
	}
	err := s.bucket.Object(ref).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("delete gcs object %s: %w", ref, err)
	}
	return nil
}
