// Package objstore abstracts the durable blob store the archiver and
// snapshotter upload to (EntDB §4.R, §4.N), the way internal/stream
// abstracts the log: one interface, a real cloud-backed
// implementation, and an in-memory reference implementation for
// tests.
package objstore

import (
	"context"
	"io"
)

// ObjectInfo describes one stored object without its body, returned
// by List.
type ObjectInfo struct {
	Key          string
	SizeBytes    int64
	LastModified int64 // unix ms
}

// Store is the object-storage interface the archiver and snapshotter
// are built on.
type Store interface {
	// Put uploads body under key, replacing any existing object there.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Get downloads the object at key. The caller must Close the
	// returned ReadCloser.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List enumerates objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes the object at key; deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error
}
