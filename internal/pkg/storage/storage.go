package storage

import (
	"context"
	"io"
)

// FileStorage is the minimal object store used for the source-image archive.
type FileStorage interface {
	// Put stores an object under key.
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error

	// Delete removes an object. Returns nil if it does not exist.
	Delete(ctx context.Context, key string) error

	// GetURL returns the public URL for key.
	GetURL(key string) string
}
