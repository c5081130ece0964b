package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType is an artifact storage backend.
type StoreType string

const (
	StoreTypeFS     StoreType = "fs"
	StoreTypeMemory StoreType = "memory"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
)

// NewStoreFromEnv creates an artifact store from environment variables.
//
//   - KAPSULE_ARTIFACT_STORE: "fs" (default), "memory", "s3" or "gcs"
//   - KAPSULE_DATA_DIR: base directory for the fs store (default "data")
//
// For S3:
//   - KAPSULE_S3_BUCKET (required)
//   - KAPSULE_S3_REGION or AWS_REGION
//   - KAPSULE_S3_ENDPOINT, KAPSULE_S3_PREFIX (optional)
//
// For GCS (built with -tags gcp):
//   - KAPSULE_GCS_BUCKET (required)
//   - KAPSULE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("KAPSULE_ARTIFACT_STORE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		return newFileStoreFromEnv()
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeS3:
		return newS3StoreFromEnv(ctx)
	case StoreTypeGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", storeType)
	}
}

func newFileStoreFromEnv() (Store, error) {
	dataDir := os.Getenv("KAPSULE_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	return NewFileStore(filepath.Join(dataDir, "artifacts"))
}

func s3ConfigFromEnv() (S3StoreConfig, error) {
	bucket := os.Getenv("KAPSULE_S3_BUCKET")
	if bucket == "" {
		return S3StoreConfig{}, fmt.Errorf("KAPSULE_S3_BUCKET is required for S3 storage")
	}
	region := os.Getenv("KAPSULE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("KAPSULE_S3_ENDPOINT"),
		Prefix:   os.Getenv("KAPSULE_S3_PREFIX"),
	}, nil
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	cfg, err := s3ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return NewS3Store(ctx, cfg)
}

// NewResolverFromEnv returns a Resolver over store, adding S3 and GCS object
// access when their buckets are configured.
func NewResolverFromEnv(ctx context.Context, store Store, maxBytes int64) (*Resolver, error) {
	opts := []ResolverOption{WithStore(store), WithMaxBytes(maxBytes)}
	switch s := store.(type) {
	case ObjectReader:
		if _, ok := s.(*S3Store); ok {
			opts = append(opts, WithS3(s))
		} else {
			opts = append(opts, WithGCS(s))
		}
	default:
		if os.Getenv("KAPSULE_S3_BUCKET") != "" {
			cfg, err := s3ConfigFromEnv()
			if err != nil {
				return nil, err
			}
			s3s, err := NewS3Store(ctx, cfg)
			if err != nil {
				return nil, err
			}
			opts = append(opts, WithS3(s3s))
		}
	}
	return NewResolver(opts...), nil
}
