// Package store writes downloaded resources to a storage backend as a
// stream. Backends classify their failures into the upload taxonomy so
// the retry engine can tell a throttled backend from a bad destination.
package store

import (
	"context"
	"io"
)

// UploadedRef describes a stored object.
type UploadedRef struct {
	// Destination is the backend-relative object key.
	Destination string
	// Checksum is the hex SHA-256 of the stored bytes.
	Checksum string
	// Size is the stored byte count.
	Size int64
}

// Uploader streams r into the backend under destination. Metadata
// travels with the object where the backend supports it. Failures are
// always *task.Failure values.
type Uploader interface {
	Upload(ctx context.Context, r io.Reader, destination string, metadata map[string]string) (*UploadedRef, error)
}
