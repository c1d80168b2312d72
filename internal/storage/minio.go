package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig configures the S3-compatible backend
type MinIOConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
	// URLExpiry is how long presigned download URLs stay valid
	URLExpiry time.Duration `json:"url_expiry" yaml:"url_expiry"`
}

// MinIO uploads blobs to a bucket and returns presigned download URLs
type MinIO struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewMinIO connects to the configured endpoint
func NewMinIO(cfg MinIOConfig) (*MinIO, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 72 * time.Hour
	}
	return &MinIO{client: client, bucket: cfg.Bucket, expiry: expiry}, nil
}

// Name returns the backend name
func (m *MinIO) Name() string { return BackendMinIO }

// Put uploads r and returns a presigned URL for it
func (m *MinIO) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*Object, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}

	info, err := m.client.PutObject(ctx, m.bucket, clean, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", clean, err)
	}

	presigned, err := m.client.PresignedGetObject(ctx, m.bucket, clean, m.expiry, make(url.Values))
	if err != nil {
		return nil, fmt.Errorf("failed to presign %s: %w", clean, err)
	}

	log.Printf("[storage] uploaded %s (%d bytes) to bucket %s", clean, info.Size, m.bucket)
	return &Object{Key: clean, URL: presigned.String(), Size: info.Size, Backend: BackendMinIO}, nil
}

func (m *MinIO) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", m.bucket, err)
	}
	log.Printf("[storage] created bucket %s", m.bucket)
	return nil
}
