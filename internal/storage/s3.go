package storage

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3 serves artifacts from an S3-compatible bucket; locators are object keys.
type S3 struct {
	client *minio.Client
	bucket string
}

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewS3(cfg S3Config) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3) Open(ctx context.Context, locator string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, locator, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; surface a missing key now rather than mid-stream.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return obj, nil
}

func (s *S3) Delete(ctx context.Context, locator string) error {
	return s.client.RemoveObject(ctx, s.bucket, locator, minio.RemoveObjectOptions{})
}
