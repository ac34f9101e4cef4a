package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// ObjectStorage is a mock implementation of the s3.ObjectStorageClient interface
type ObjectStorage struct {
	mock.Mock
}

func (m *ObjectStorage) Upload(ctx context.Context, objectName string, r io.Reader, size int64, contentType string, metadata map[string]string) (string, error) {
	args := m.Called(ctx, objectName, r, size, contentType, metadata)
	return args.String(0), args.Error(1)
}

func (m *ObjectStorage) Download(ctx context.Context, objectName string) ([]byte, error) {
	args := m.Called(ctx, objectName)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ObjectStorage) Remove(ctx context.Context, objectName string) error {
	args := m.Called(ctx, objectName)
	return args.Error(0)
}
