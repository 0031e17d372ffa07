package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"lorahub/internal/config"
)

const bucketCheckTimeout = 10 * time.Second

// minioStorage stores archived readings in one S3-compatible bucket.
type minioStorage struct {
	client *minio.Client
	bucket string
}

// NewMinIO connects to cfg.Endpoint and creates the archive bucket when it
// does not exist yet.
func NewMinIO(ctx context.Context, cfg config.MinIOConfig) (Storage, error) {
	var missing []error
	if cfg.Endpoint == "" {
		missing = append(missing, errors.New("INFRA_MINIO_ENDPOINT is required"))
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		missing = append(missing, errors.New("INFRA_MINIO_ACCESS_KEY and INFRA_MINIO_SECRET_KEY are required"))
	}
	if cfg.Bucket == "" {
		missing = append(missing, errors.New("INFRA_MINIO_BUCKET is required"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, fmt.Errorf("invalid archive config: %w", err)
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &minioStorage{client: cli, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *minioStorage) ensureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, bucketCheckTimeout)
	defer cancel()

	ok, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if ok {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	return nil
}

func (m *minioStorage) Put(ctx context.Context, key string, r io.Reader, opt PutObjectOptions) (ObjectInfo, error) {
	up, err := m.client.PutObject(ctx, m.bucket, key, r, opt.Size, minio.PutObjectOptions{
		ContentType:  opt.ContentType,
		UserMetadata: opt.Metadata,
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %s: %w", key, err)
	}
	lm := up.LastModified
	if lm.IsZero() {
		lm = time.Now()
	}
	return ObjectInfo{
		Key:          up.Key,
		Size:         up.Size,
		ETag:         up.ETag,
		ContentType:  opt.ContentType,
		LastModified: lm,
		Metadata:     opt.Metadata,
	}, nil
}

func (m *minioStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	objs := m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	})

	out := []ObjectInfo{}
	for o := range objs {
		if o.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, o.Err)
		}
		out = append(out, ObjectInfo{
			Key:          o.Key,
			Size:         o.Size,
			ETag:         o.ETag,
			ContentType:  o.ContentType,
			LastModified: o.LastModified,
			Metadata:     o.UserMetadata,
		})
	}
	return out, nil
}

func (m *minioStorage) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (m *minioStorage) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}
