package ports

import (
	"context"
	"io"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// ObjectKey is what later Get/Delete calls must use. localfs returns the
	// input key; gdrive returns the Drive file id.
	ObjectKey string
	Size      int64
}

// StorageProvider stores rendered tile PNGs (localfs, gdrive).
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	// GetObject fails with a NOT_FOUND error when the key does not exist.
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error

	// Check verifies the backend is reachable, for deep health checks.
	Check(ctx context.Context) error
}
