package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"

	"github.com/oiwn/FetchBox/internal/task"
)

// Object is one stored value in the in-memory backend.
type Object struct {
	Data     []byte
	Metadata map[string]string
}

// MemoryUploader keeps objects in a map. It backs tests and doubles as
// a fault injector: set Fail to make every upload return that failure.
type MemoryUploader struct {
	mu      sync.Mutex
	objects map[string]Object

	// Fail, when non-nil, is returned by Upload after consuming r.
	Fail *task.Failure
}

// NewMemoryUploader returns an empty in-memory backend.
func NewMemoryUploader() *MemoryUploader {
	return &MemoryUploader{objects: make(map[string]Object)}
}

// Upload stores the stream under destination.
func (u *MemoryUploader) Upload(ctx context.Context, r io.Reader, destination string, metadata map[string]string) (*UploadedRef, error) {
	if destination == "" {
		return nil, task.NewFailure(task.PhaseUpload, task.CodeUploadInvalidDestination, false, "empty destination")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		f := task.NewFailure(task.PhaseUpload, task.CodeUploadNetwork, true, err.Error())
		f.Cause = err
		return nil, f
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Fail != nil {
		return nil, u.Fail
	}
	cp := make(map[string]string, len(metadata))
	for k, v := range metadata {
		cp[k] = v
	}
	u.objects[destination] = Object{Data: data, Metadata: cp}
	sum := sha256.Sum256(data)
	return &UploadedRef{
		Destination: destination,
		Checksum:    hex.EncodeToString(sum[:]),
		Size:        int64(len(data)),
	}, nil
}

// Get returns a stored object.
func (u *MemoryUploader) Get(destination string) (Object, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	obj, ok := u.objects[destination]
	return obj, ok
}

// Len returns the number of stored objects.
func (u *MemoryUploader) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.objects)
}
