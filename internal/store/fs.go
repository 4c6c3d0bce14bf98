package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/oiwn/FetchBox/internal/task"
)

// FSUploader stores objects under a root directory. Each upload goes to
// a temp file first and is renamed into place, so a crash mid-write
// never leaves a partial object at the destination key.
type FSUploader struct {
	root string
}

// NewFSUploader creates the root directory if needed.
func NewFSUploader(root string) (*FSUploader, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, classifyFS(err)
	}
	return &FSUploader{root: root}, nil
}

func (u *FSUploader) resolve(destination string) (string, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return "", task.NewFailure(task.PhaseUpload, task.CodeUploadInvalidDestination, false, "empty destination")
	}
	clean := filepath.Clean(filepath.FromSlash(destination))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", task.NewFailure(task.PhaseUpload, task.CodeUploadInvalidDestination, false,
			fmt.Sprintf("destination %q escapes the storage root", destination))
	}
	return filepath.Join(u.root, clean), nil
}

// Upload streams r to destination, hashing as it writes.
func (u *FSUploader) Upload(ctx context.Context, r io.Reader, destination string, metadata map[string]string) (*UploadedRef, error) {
	path, err := u.resolve(destination)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, classifyFS(err)
	}
	tmp := path + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, classifyFS(err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), contextReader{ctx: ctx, r: r})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return nil, classifyFS(err)
	}
	if len(metadata) > 0 {
		if err := u.writeMetadata(path, metadata); err != nil {
			return nil, err
		}
	}
	return &UploadedRef{
		Destination: destination,
		Checksum:    hex.EncodeToString(h.Sum(nil)),
		Size:        n,
	}, nil
}

// writeMetadata keeps object metadata in a sidecar JSON file, the
// closest a filesystem gets to object tags.
func (u *FSUploader) writeMetadata(path string, metadata map[string]string) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return task.SystemFailure("encode metadata", err)
	}
	if err := os.WriteFile(path+".meta.json", raw, 0o644); err != nil {
		return classifyFS(err)
	}
	return nil
}

// contextReader aborts a long copy when the context ends.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func classifyFS(err error) *task.Failure {
	var f *task.Failure
	if errors.As(err, &f) {
		return f
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		out := task.NewFailure(task.PhaseUpload, task.CodeUploadAccessDenied, false, err.Error())
		out.Cause = err
		return out
	case errors.Is(err, fs.ErrInvalid), errors.Is(err, fs.ErrNotExist):
		out := task.NewFailure(task.PhaseUpload, task.CodeUploadInvalidDestination, false, err.Error())
		out.Cause = err
		return out
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return task.SystemFailure("upload canceled", err)
	default:
		// Disk pressure and transient I/O faults may clear on retry.
		out := task.NewFailure(task.PhaseUpload, task.CodeUploadBackendStatus, true, err.Error())
		out.Cause = err
		return out
	}
}
