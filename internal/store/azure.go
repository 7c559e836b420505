package store

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"shapelake/internal/domain"
)

// Compile-time check.
var _ domain.ComponentStore = (*AzureStore)(nil)

// AzureConfig holds shared-key credentials for an Azure Blob container.
type AzureConfig struct {
	Account   string
	Key       string
	Container string
}

// AzureStore stages components in an Azure Blob Storage container.
type AzureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore creates an Azure-backed component store.
func NewAzureStore(cfg AzureConfig) (*AzureStore, error) {
	if cfg.Account == "" || cfg.Container == "" {
		return nil, fmt.Errorf("azure store: account and container are required")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.Account)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	return &AzureStore{client: client, container: cfg.Container}, nil
}

// Put uploads the component bytes under ref.
func (s *AzureStore) Put(ctx context.Context, ref string, r io.Reader) (int64, error) {
	if err := validRef(ref); err != nil {
		return 0, err
	}
	counted := &countingReader{r: r}
	if _, err := s.client.UploadStream(ctx, s.container, ref, counted, nil); err != nil {
		return 0, fmt.Errorf("put azure blob %s: %w", ref, err)
	}
	return counted.n, nil
}

// Get opens a sequential read stream for the component at ref.
func (s *AzureStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, ref, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, &domain.MissingComponentError{Ref: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("get azure blob %s: %w", ref, err)
	}
	return resp.Body, nil
}

// Delete removes the component at ref. An absent blob is not an error.
func (s *AzureStore) Delete(ctx context.Context, ref string) error {
	if err := validRef(ref); err != nil {
		return err
	}
	_, err := s.client.DeleteBlob(ctx, s.container, ref, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("delete azure blob %s: %w", ref, err)
	}
	return nil
}

// countingReader counts bytes passed through to report upload sizes.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
