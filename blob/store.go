package blob

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"chatsync/models"
)

const (
	imageKeyPrefix = "chat_images/"
	fileKeyPrefix  = "chat_files/"

	// DefaultURLExpiry is how long presigned download URLs stay valid.
	DefaultURLExpiry = 7 * 24 * time.Hour
)

// Uploader stores file content and returns a fetchable URL.
type Uploader interface {
	Upload(ctx context.Context, fileName string, msgType models.MessageType, contentType string, r io.Reader, size int64) (string, error)
}

// MinioStore implements Uploader for MinIO/S3 compatible storage.
type MinioStore struct {
	client    *minio.Client
	bucket    string
	urlExpiry time.Duration
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
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

	return &MinioStore{
		client:    client,
		bucket:    bucket,
		urlExpiry: DefaultURLExpiry,
	}, nil
}

// Upload stores one object under a unique key and returns a presigned
// download URL.
func (m *MinioStore) Upload(ctx context.Context, fileName string, msgType models.MessageType, contentType string, r io.Reader, size int64) (string, error) {
	key, err := ObjectKey(fileName, msgType)
	if err != nil {
		return "", err
	}

	if _, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("put object %q: %w", key, err)
	}

	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, m.urlExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign object %q: %w", key, err)
	}

	return url.String(), nil
}

// ObjectKey builds a unique storage key for an upload, preserving the
// original file extension.
func ObjectKey(fileName string, msgType models.MessageType) (string, error) {
	var prefix string
	switch msgType {
	case models.TypeImage:
		prefix = imageKeyPrefix
	case models.TypeFile:
		prefix = fileKeyPrefix
	default:
		return "", fmt.Errorf("unsupported message type %q for file upload", msgType)
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	return prefix + uuid.NewString() + ext, nil
}
