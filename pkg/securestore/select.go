package securestore

import (
	"fmt"

	"github.com/benmeehan/tractive-agent/pkg/file"
	"github.com/benmeehan/tractive-agent/pkg/s3"
)

// Backend names accepted by New.
const (
	BackendFile   = "file"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend  string
	Dir      string
	S3       s3.Options
	S3Prefix string
}

// New returns the store for opts.Backend. An empty backend means "file".
func New(opts Options, fileClient file.FileOperations) (SecureStore, error) {
	switch opts.Backend {
	case "", BackendFile:
		if opts.Dir == "" {
			return nil, fmt.Errorf("secure store: file backend needs a directory")
		}
		return NewFileStore(opts.Dir, fileClient), nil
	case BackendS3:
		client, err := s3.NewObjectStorage(opts.S3, fileClient)
		if err != nil {
			return nil, fmt.Errorf("secure store: %w", err)
		}
		return NewS3Store(client, opts.S3Prefix), nil
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("secure store: unknown backend %q", opts.Backend)
	}
}
