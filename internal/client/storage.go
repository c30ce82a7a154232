package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrObjectNotFound marks a key that does not exist in the blob store.
// The asset resolver turns it into a fatal missing-asset failure;
// anything else storage-related is treated as transient.
var ErrObjectNotFound = errors.New("object not found")

// StorageError wraps a transient blob store fault. Jobs failing on a
// StorageError are retried by the queue.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// StorageClient defines the interface for object storage operations
type StorageClient interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Download(ctx context.Context, key string, dst io.Writer) (int64, error)
	Delete(ctx context.Context, key string) error
	Head(ctx context.Context, key string) (int64, error)
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	GetPublicURL(key string) string
}
