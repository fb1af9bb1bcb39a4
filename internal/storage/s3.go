package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/starford/pictura/internal/apperr"
)

// S3Options configures the AWS S3 driver. Credentials come from the default
// AWS chain (environment, shared config, instance role).
type S3Options struct {
	Region  string
	Bucket  string
	Prefix  string
	Timeout time.Duration
}

// S3 implements Provider on an AWS S3 bucket.
type S3 struct {
	client  *s3.Client
	bucket  string
	prefix  string
	timeout time.Duration
}

// NewS3 loads the default AWS configuration for the region and creates a
// client.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &S3{
		client:  s3.NewFromConfig(cfg),
		bucket:  opts.Bucket,
		prefix:  opts.Prefix,
		timeout: timeout,
	}, nil
}

func (s *S3) key(user, imageIdentifier string) (*string, error) {
	if err := validKey(user, imageIdentifier); err != nil {
		return nil, err
	}
	return aws.String(s.prefix + objectKey(user, imageIdentifier)), nil
}

func isS3NotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3) Store(ctx context.Context, user, imageIdentifier string, blob []byte) error {
	key, err := s.key(user, imageIdentifier)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           key,
		Body:          bytes.NewReader(blob),
		ContentLength: aws.Int64(int64(len(blob))),
	})
	if err != nil {
		return fmt.Errorf("storage: put object: %w", err)
	}
	return nil
}

func (s *S3) Load(ctx context.Context, user, imageIdentifier string) ([]byte, error) {
	key, err := s.key(user, imageIdentifier)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: key})
	if isS3NotFound(err) {
		return nil, fmt.Errorf("storage: get object %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get object: %w", err)
	}
	defer out.Body.Close()
	buf, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read object: %w", err)
	}
	return buf, nil
}

func (s *S3) Delete(ctx context.Context, user, imageIdentifier string) error {
	ok, err := s.Exists(ctx, user, imageIdentifier)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("storage: delete %s/%s: %w", user, imageIdentifier, apperr.ErrNotFound)
	}
	key, _ := s.key(user, imageIdentifier)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: key}); err != nil {
		return fmt.Errorf("storage: delete object: %w", err)
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, user, imageIdentifier string) (bool, error) {
	key, err := s.key(user, imageIdentifier)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: key})
	if isS3NotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: head object: %w", err)
	}
	return true, nil
}

func (s *S3) Status(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("storage: head bucket %s: %w", s.bucket, err)
	}
	return nil
}
