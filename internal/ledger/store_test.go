package ledger

import (
	"context"
	"testing"

	pebblestore "github.com/oiwn/FetchBox/internal/storage/pebble"
	"github.com/oiwn/FetchBox/internal/task"
)

func openTestLedger(t *testing.T) *Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, nil)
}

func TestCountersAndHistory(t *testing.T) {
	s := openTestLedger(t)
	ctx := context.Background()

	s.OnTaskCompleted("job-1", "t1", "resources/job-1/t1", 100)
	s.OnTaskCompleted("job-1", "t2", "resources/job-1/t2", 50)
	s.OnTaskFailed("job-1", "t3", task.CodeDownloadTimeout, "gave up")
	s.OnTaskCompleted("job-2", "t9", "resources/job-2/t9", 7)

	snap, err := s.Job(ctx, "job-1")
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if snap.Completed != 2 || snap.Failed != 1 || snap.BytesStored != 150 || snap.DeltaSeq != 3 {
		t.Fatalf("snapshot: %+v", snap)
	}

	hist, err := s.History(ctx, "job-1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history length: %d", len(hist))
	}
	if !hist[0].Completed || hist[0].TaskID != "t1" {
		t.Fatalf("first delta: %+v", hist[0])
	}
	if hist[2].Completed || hist[2].Code != task.CodeDownloadTimeout {
		t.Fatalf("failure delta: %+v", hist[2])
	}

	other, err := s.Job(ctx, "job-2")
	if err != nil || other.Completed != 1 || other.Failed != 0 {
		t.Fatalf("job isolation: %+v %v", other, err)
	}
}

func TestUnknownJobIsZero(t *testing.T) {
	s := openTestLedger(t)
	snap, err := s.Job(context.Background(), "missing")
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if snap.Completed != 0 || snap.Failed != 0 || snap.DeltaSeq != 0 {
		t.Fatalf("expected zero snapshot: %+v", snap)
	}
}
