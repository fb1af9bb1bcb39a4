package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/starford/pictura/internal/apperr"
)

// MinIOOptions configures the MinIO driver.
type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// MinIO implements Provider on a MinIO (or S3-compatible) bucket.
type MinIO struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinIO creates a MinIO client. It does not contact the server; call
// EnsureBucket before first use.
func NewMinIO(opts MinIOOptions) (*MinIO, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: init minio: %w", err)
	}
	return &MinIO{client: client, bucket: opts.Bucket, region: opts.Region}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("storage: check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("storage: make bucket %s: %w", m.bucket, err)
	}
	return nil
}

func isMinIONotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

func (m *MinIO) Store(ctx context.Context, user, imageIdentifier string, blob []byte) error {
	if err := validKey(user, imageIdentifier); err != nil {
		return err
	}
	_, err := m.client.PutObject(ctx, m.bucket, objectKey(user, imageIdentifier),
		bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("storage: put object: %w", err)
	}
	return nil
}

func (m *MinIO) Load(ctx context.Context, user, imageIdentifier string) ([]byte, error) {
	if err := validKey(user, imageIdentifier); err != nil {
		return nil, err
	}
	obj, err := m.client.GetObject(ctx, m.bucket, objectKey(user, imageIdentifier), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: get object: %w", err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if isMinIONotFound(err) {
		return nil, fmt.Errorf("storage: get object %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read object: %w", err)
	}
	return buf, nil
}

func (m *MinIO) Delete(ctx context.Context, user, imageIdentifier string) error {
	ok, err := m.Exists(ctx, user, imageIdentifier)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("storage: delete %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
	}
	if err := m.client.RemoveObject(ctx, m.bucket, objectKey(user, imageIdentifier), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("storage: remove object: %w", err)
	}
	return nil
}

func (m *MinIO) Exists(ctx context.Context, user, imageIdentifier string) (bool, error) {
	if err := validKey(user, imageIdentifier); err != nil {
		return false, err
	}
	_, err := m.client.StatObject(ctx, m.bucket, objectKey(user, imageIdentifier), minio.StatObjectOptions{})
	if isMinIONotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: stat object: %w", err)
	}
	return true, nil
}

func (m *MinIO) Status(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("storage: check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		return fmt.Errorf("storage: bucket %s does not exist", m.bucket)
	}
	return nil
}
