package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"shopimage/internal/domain"
)

// S3Options configures an S3Store.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Store keeps objects in an S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store builds a minio client for the configured endpoint.
func NewS3Store(opts S3Options) (*S3Store, error) {
	if strings.TrimSpace(opts.Endpoint) == "" || strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("storage: s3 endpoint and bucket are required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create s3 client: %w", err)
	}
	return &S3Store{client: client, bucket: opts.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return mapS3Error("bucket exists", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return mapS3Error("make bucket", err)
	}
	return nil
}

// Upload stores data under key.
func (s *S3Store) Upload(ctx context.Context, key string, data []byte, contentType string) (Receipt, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", domain.ErrStoreRejected, err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, s.bucket, cleanKey, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return Receipt{}, mapS3Error("put object", err)
	}
	return Receipt{Path: cleanKey, Size: info.Size, ETag: info.ETag, ContentType: contentType}, nil
}

// SignedURL presigns a GET for an existing object.
func (s *S3Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", domain.ErrNotFound
	}
	if _, err := s.client.StatObject(ctx, s.bucket, cleanKey, minio.StatObjectOptions{}); err != nil {
		return "", mapS3Error("stat object", err)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, cleanKey, ttl, url.Values{})
	if err != nil {
		return "", mapS3Error("presigned get object", err)
	}
	return u.String(), nil
}

// mapS3Error folds minio errors onto the gateway's sentinel errors.
func mapS3Error(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s: %s", domain.ErrNotFound, op, resp.Code)
	case resp.StatusCode == 0 || resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", domain.ErrStoreRejected, op, err)
	}
}

var _ Gateway = (*S3Store)(nil)
