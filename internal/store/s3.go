package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"shapelake/internal/domain"
)

// Compile-time check.
var _ domain.ComponentStore = (*S3Store)(nil)

// S3Config holds credentials and addressing for an S3-compatible backend.
// Path-style addressing is used so non-AWS endpoints (Hetzner, MinIO) work.
type S3Config struct {
	KeyID    string
	Secret   string
	Endpoint string // host only, scheme added
	Region   string
	Bucket   string
	Prefix   string // optional key prefix
}

// S3Store stages components in an S3-compatible bucket.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates an S3-backed component store.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 store: bucket is required")
	}
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.KeyID, cfg.Secret, "",
		),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String("https://" + cfg.Endpoint)
	}
	return &S3Store{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *S3Store) key(ref string) string {
	if s.prefix == "" {
		return ref
	}
	return s.prefix + "/" + ref
}

// Put uploads the component bytes under ref.
func (s *S3Store) Put(ctx context.Context, ref string, r io.Reader) (int64, error) {
	if err := validRef(ref); err != nil {
		return 0, err
	}
	// S3 needs a known content length; buffer through a counting reader is
	// not enough, so read fully. Bundle components are bounded uploads.
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read component body: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return 0, fmt.Errorf("put s3 object %s: %w", ref, err)
	}
	return int64(len(data)), nil
}

// Get opens a sequential read stream for the component at ref.
func (s *S3Store) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, &domain.MissingComponentError{Ref: ref}
		}
		return nil, fmt.Errorf("get s3 object %s: %w", ref, err)
	}
	return out.Body, nil
}

// Delete removes the component at ref. S3 deletes are idempotent.
func (s *S3Store) Delete(ctx context.Context, ref string) error {
	if err := validRef(ref); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(ref)),
	})
	if err != nil {
		return fmt.Errorf("delete s3 object %s: %w", ref, err)
	}
	return nil
}
