package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/benmeehan/tractive-agent/pkg/file"
)

// ErrObjectNotFound is returned when the requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Options describes how to reach a bucket. Keys are read from files so they never sit
// in the config itself.
type Options struct {
	Endpoint      string
	Bucket        string
	Region        string
	AccessKeyFile string
	SecretKeyFile string
}

// ObjectStorageClient is the subset of object storage operations used by the agent.
type ObjectStorageClient interface {
	Upload(ctx context.Context, objectName string, r io.Reader, size int64, contentType string, metadata map[string]string) (string, error)
	Download(ctx context.Context, objectName string) ([]byte, error)
	Remove(ctx context.Context, objectName string) error
}

// ObjectStorage wraps a minio client bound to one bucket.
type ObjectStorage struct {
	conn   *minio.Client
	bucket string
	region string
}

// NewObjectStorage builds a client for opts without touching the network.
func NewObjectStorage(opts Options, fileClient file.FileOperations) (*ObjectStorage, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	bucket := strings.TrimSpace(opts.Bucket)
	if endpoint == "" || bucket == "" || opts.AccessKeyFile == "" || opts.SecretKeyFile == "" {
		return nil, fmt.Errorf("missing object storage configuration")
	}

	accessKey, err := readSecretFile(fileClient, opts.AccessKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read access key: %w", err)
	}
	secretKey, err := readSecretFile(fileClient, opts.SecretKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read secret key: %w", err)
	}

	host, secure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	conn, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &ObjectStorage{conn: conn, bucket: bucket, region: opts.Region}, nil
}

// ensureBucket creates the bucket unless it already exists.
func (o *ObjectStorage) ensureBucket(ctx context.Context) error {
	location := o.region
	if location == "" {
		location = "us-east-1"
	}
	err := o.conn.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{Region: location})
	if err != nil {
		exists, errBucketExists := o.conn.BucketExists(ctx, o.bucket)
		if !(errBucketExists == nil && exists) {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Upload stores r under objectName and returns a presigned download URL valid for
// seven days.
func (o *ObjectStorage) Upload(ctx context.Context, objectName string, r io.Reader, size int64, contentType string, metadata map[string]string) (string, error) {
	if err := o.ensureBucket(ctx); err != nil {
		return "", err
	}

	_, err := o.conn.PutObject(ctx, o.bucket, objectName, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}

	presignedURL, err := o.conn.PresignedGetObject(ctx, o.bucket, objectName, 7*24*time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return presignedURL.String(), nil
}

// Download returns the full content of objectName.
func (o *ObjectStorage) Download(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := o.conn.GetObject(ctx, o.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapError(err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		return nil, wrapError(err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Remove deletes objectName. Removing a missing object is not an error.
func (o *ObjectStorage) Remove(ctx context.Context, objectName string) error {
	if err := o.conn.RemoveObject(ctx, o.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		if errors.Is(wrapError(err), ErrObjectNotFound) {
			return nil
		}
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func wrapError(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" {
		return ErrObjectNotFound
	}
	return err
}

func parseEndpoint(raw string) (string, bool, error) {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, fmt.Errorf("parse endpoint: %w", err)
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint: %q", raw)
		}
		return u.Host, u.Scheme == "https", nil
	}
	return raw, true, nil
}

func readSecretFile(fileClient file.FileOperations, path string) (string, error) {
	data, err := fileClient.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(data), nil
}
