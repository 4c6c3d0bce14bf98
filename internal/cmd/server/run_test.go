package serverrun

import (
	"context"
	"testing"
	"time"

	cfgpkg "github.com/oiwn/FetchBox/internal/config"
)

// TestRunIntegration starts the full server against a memory uploader and
// verifies Run returns cleanly once the context is cancelled.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.FsyncMode = "never"
	cfg.Storage.Backend = "memory"
	cfg.Workers.Count = 1

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := Run(ctx, Options{HTTPAddr: "127.0.0.1:0", Config: cfg}); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunBadStorageBackend(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.FsyncMode = "never"
	cfg.Storage.Backend = "bogus"

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := Run(ctx, Options{HTTPAddr: "127.0.0.1:0", Config: cfg}); err == nil {
		t.Fatalf("expected error for unknown storage backend")
	}
}
