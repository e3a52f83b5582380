// Package storage persists normalized upload images in S3-compatible
// object storage and serves them back through short-lived presigned URLs.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultURLExpiry bounds how long a presigned image URL stays valid.
// Long enough for a client to render results, short enough that links
// in shared responses go stale.
const DefaultURLExpiry = time.Hour

// ImageStore stores normalized JPEG uploads keyed per user.
type ImageStore interface {
	// PutImage stores a JPEG under a fresh key owned by userID and
	// returns the key.
	PutImage(ctx context.Context, userID string, jpeg []byte) (string, error)
	// ImageURL returns a presigned GET URL for a stored image.
	ImageURL(ctx context.Context, key string) (string, error)
	// DeleteImage removes a stored image.
	DeleteImage(ctx context.Context, key string) error
}

// MinioImageStore implements ImageStore on MinIO/S3 compatible storage.
type MinioImageStore struct {
	client    *minio.Client
	bucket    string
	urlExpiry time.Duration
}

// NewMinioImageStore connects to MinIO and ensures the bucket exists.
func NewMinioImageStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioImageStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioImageStore{client: client, bucket: bucket, urlExpiry: DefaultURLExpiry}, nil
}

func (m *MinioImageStore) PutImage(ctx context.Context, userID string, jpeg []byte) (string, error) {
	key := imageKey(userID)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(jpeg), int64(len(jpeg)),
		minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		return "", fmt.Errorf("put image: %w", err)
	}
	return key, nil
}

func (m *MinioImageStore) ImageURL(ctx context.Context, key string) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, m.urlExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign image: %w", err)
	}
	return url.String(), nil
}

func (m *MinioImageStore) DeleteImage(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	return nil
}

func imageKey(userID string) string {
	return fmt.Sprintf("captions/%s/%s.jpg", userID, uuid.NewString())
}
