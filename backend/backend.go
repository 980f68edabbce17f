// Package backend stores the bodies of cached responses.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend is a flat key/value blob store. Keys use "/" as separator.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at key, replacing any existing value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read returns the data at key or ErrNotFound.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every key under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// FramedBackend stores blobs together with a BlobHeader.
type FramedBackend interface {
	Backend

	// WriteFramed stores body under key, framed with header.
	WriteFramed(ctx context.Context, key string, header *BlobHeader, body io.Reader) error

	// ReadFramed returns the header and the decoded body at key.
	// The caller must close the returned ReadCloser.
	ReadFramed(ctx context.Context, key string) (*BlobHeader, io.ReadCloser, error)
}
