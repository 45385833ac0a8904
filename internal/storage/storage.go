package storage

import (
	"context"
)

// Storage archives comparison artifacts (failing screenshots, diff
// composites, HTML snapshots) outside the local working directory.
type Storage interface {
	// Put stores data under the given key and returns the storage URL
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get retrieves data from the given storage URL
	Get(ctx context.Context, url string) ([]byte, error)
}
