package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxSourceBytes caps a single uploaded source file or archive.
const MaxSourceBytes int64 = 64 * 1024 * 1024

// SourceStorage retains the original files that documents were imported
// from, one object per upload under sources/<kb_id>/.
type SourceStorage struct {
	client *minio.Client
	bucket string
}

// NewSourceStorage wires SourceStorage from an explicit client and bucket.
func NewSourceStorage(client *minio.Client, bucket string) (*SourceStorage, error) {
	if client == nil {
		return nil, errors.New("storage: minio client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}
	return &SourceStorage{client: client, bucket: bucket}, nil
}

// NewSourceStorageFromEnv initialises SourceStorage using MINIO_* environment
// variables. When they are unset the storage is disabled and (nil, nil) is
// returned; callers treat a nil storage as "do not retain sources".
func NewSourceStorageFromEnv() (*SourceStorage, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, nil
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return NewSourceStorage(client, bucket)
}

// Store uploads one source file and returns its object key. Keys embed a
// fresh UUID so repeated uploads of the same filename never collide.
func (s *SourceStorage) Store(ctx context.Context, kbID, filename, contentType string, data []byte) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: source storage not configured")
	}
	if int64(len(data)) > MaxSourceBytes {
		return "", fmt.Errorf("storage: source exceeds %d bytes", MaxSourceBytes)
	}

	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if base == "" || base == "." {
		base = "upload.bin"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	objectKey := path.Join("sources", kbID, uuid.NewString()+"_"+base)

	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.client.PutObject(uploadCtx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("storage: upload source: %w", err)
	}
	return objectKey, nil
}

// PresignedURL returns a temporary download URL for a stored source file.
func (s *SourceStorage) PresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage: source storage not configured")
	}
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	presignCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	url, err := s.client.PresignedGetObject(presignCtx, s.bucket, strings.TrimPrefix(objectKey, "/"), expiry, nil)
	if err != nil {
		return "", fmt.Errorf("storage: presign source url: %w", err)
	}
	return url.String(), nil
}

// Remove deletes a stored source file.
func (s *SourceStorage) Remove(ctx context.Context, objectKey string) error {
	if s == nil || s.client == nil {
		return nil
	}
	removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.client.RemoveObject(removeCtx, s.bucket, strings.TrimPrefix(objectKey, "/"), minio.RemoveObjectOptions{})
}
