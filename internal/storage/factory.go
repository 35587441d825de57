package storage

import (
	"context"
	"fmt"

	"chainvault/internal/chain"
	"chainvault/internal/config"
)

// NewStorageFromConfig creates a Storage implementation based on the storage config type.
func NewStorageFromConfig(ctx context.Context, cfg config.StorageConfig) (chain.Storage, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStorage(cfg.Name), nil
	case "filesystem":
		if cfg.FSRoot == "" {
			return nil, fmt.Errorf("filesystem storage requires fs_root to be set")
		}
		return NewFileSystemStorage(cfg.Name, cfg.FSRoot)
	case "s3":
		return NewS3Storage(ctx, cfg.Name, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			UsePathStyle:    cfg.S3UsePathStyle,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
