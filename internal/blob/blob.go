// Package blob is the object storage boundary for image bytes.
//
// Keys are opaque here; their shape is owned by pkg/storagekey.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo is the metadata returned by HeadObject.
type ObjectInfo struct {
	ContentType   string
	ContentLength int64
}

// Store copies, deletes and reads objects in one bucket.
// Implementations must be safe for concurrent use.
type Store interface {
	HeadObject(ctx context.Context, key string) (ObjectInfo, error)
	GetObjectBytes(ctx context.Context, key string) ([]byte, error)
	// CopyObjectIfMissing copies src to dst unless dst already exists. It
	// reports whether a copy was made.
	CopyObjectIfMissing(ctx context.Context, src, dst string) (bool, error)
	DeleteObjectIgnoreMissing(ctx context.Context, key string) error
}

// BucketReader streams an object from an arbitrary bucket. An empty bucket
// means the store's own bucket.
type BucketReader interface {
	OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// Move copies src to dst if missing and then deletes src. Moving an object
// onto itself is a no-op.
func Move(ctx context.Context, s Store, src, dst string) error {
	if src == dst {
		return nil
	}
	if _, err := s.CopyObjectIfMissing(ctx, src, dst); err != nil {
		return err
	}
	return s.DeleteObjectIgnoreMissing(ctx, src)
}
