package securestore

import (
	"bytes"
	"context"
	"errors"
	"path"

	"github.com/benmeehan/tractive-agent/pkg/s3"
)

// S3Store mirrors encrypted blobs to object storage, for hosts without a private
// home directory (containers, shared runners).
type S3Store struct {
	client s3.ObjectStorageClient
	prefix string
}

// NewS3Store stores blobs under prefix in the client's bucket.
func NewS3Store(client s3.ObjectStorageClient, prefix string) *S3Store {
	if prefix == "" {
		prefix = "tractive/credentials"
	}
	return &S3Store{client: client, prefix: prefix}
}

func (s *S3Store) objectName(key string) string {
	return path.Join(s.prefix, key+".enc")
}

func (s *S3Store) Store(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.client.Upload(ctx, s.objectName(key), bytes.NewReader(data), int64(len(data)), "application/octet-stream", nil)
	return err
}

func (s *S3Store) Load(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := s.client.Download(ctx, s.objectName(key))
	if errors.Is(err, s3.ErrObjectNotFound) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.client.Remove(ctx, s.objectName(key))
}
