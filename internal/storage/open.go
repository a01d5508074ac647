package storage

import (
	"context"
	"fmt"

	"shopimage/internal/infra"
)

// Open builds the Gateway selected by STORAGE_DRIVER. The FileStore is also
// returned for the file driver so the API can serve its signed links; it is
// nil for s3.
func Open(ctx context.Context, cfg *infra.Config) (Gateway, *FileStore, error) {
	switch cfg.StorageDriver {
	case "s3":
		store, err := NewS3Store(S3Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.StorageBucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, nil, fmt.Errorf("storage: ensure bucket: %w", err)
		}
		return store, nil, nil
	case "file", "":
		key := cfg.StorageSigningKey
		if key == "" {
			key = cfg.JWTSecret
		}
		files, err := NewFileStore(cfg.StoragePath, cfg.StorageBaseURL, key)
		if err != nil {
			return nil, nil, err
		}
		return files, files, nil
	default:
		return nil, nil, fmt.Errorf("storage: unsupported driver %q", cfg.StorageDriver)
	}
}
