package dlq

import (
	"context"
	"fmt"
	"testing"

	"github.com/oiwn/FetchBox/internal/queue"
	pebblestore "github.com/oiwn/FetchBox/internal/storage/pebble"
	"github.com/oiwn/FetchBox/internal/task"
)

func openTestStore(t *testing.T) (*pebblestore.DB, *Store) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, NewStore(db, "dl", nil)
}

func appendRecord(t *testing.T, db *pebblestore.DB, s *Store, seq uint64, tk *task.Task, code task.FailureCode, attempts uint32, failedAtMs int64) {
	t.Helper()
	b := db.NewBatch()
	defer b.Close()
	if err := s.Append(b, seq, tk, code, "boom", attempts, failedAtMs); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := db.CommitBatch(context.Background(), b); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestAppendAndGet(t *testing.T) {
	db, s := openTestStore(t)
	tk := &task.Task{ID: "t1", JobID: "job-1", URL: "https://example.com/a"}
	appendRecord(t, db, s, 7, tk, task.CodeDownloadTimeout, 3, 5000)

	rec, err := s.Get(context.Background(), 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Sequence != 7 || rec.Task.ID != "t1" || rec.FailureCode != task.CodeDownloadTimeout || rec.Attempts != 3 {
		t.Fatalf("record mismatch: %+v", rec)
	}
	if _, err := s.Get(context.Background(), 8); err != ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestListOrderLimitAndCursor(t *testing.T) {
	db, s := openTestStore(t)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		tk := &task.Task{ID: fmt.Sprintf("t%d", i), JobID: "job-1", URL: "https://example.com"}
		appendRecord(t, db, s, i, tk, task.CodeUploadNetwork, 1, int64(i*100))
	}
	recs, err := s.List(ctx, ListOptions{Limit: 3})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 3 || recs[0].Sequence != 1 || recs[2].Sequence != 3 {
		t.Fatalf("order/limit: %+v", recs)
	}
	recs, err = s.List(ctx, ListOptions{AfterSeq: 3})
	if err != nil {
		t.Fatalf("list after cursor: %v", err)
	}
	if len(recs) != 2 || recs[0].Sequence != 4 {
		t.Fatalf("cursor: %+v", recs)
	}
	if n, _ := s.Count(ctx); n != 5 {
		t.Fatalf("count: %d", n)
	}
}

func TestListFilter(t *testing.T) {
	db, s := openTestStore(t)
	ctx := context.Background()
	appendRecord(t, db, s, 1, &task.Task{ID: "t1", JobID: "job-a", URL: "https://a.example.com/x"}, task.CodeDownloadTimeout, 2, 100)
	appendRecord(t, db, s, 2, &task.Task{ID: "t2", JobID: "job-b", URL: "https://b.example.com/y"}, task.CodeUploadThrottled, 5, 200)

	recs, err := s.List(ctx, ListOptions{Filter: `code == "upload_throttled"`})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].Sequence != 2 {
		t.Fatalf("code filter: %+v", recs)
	}
	recs, err = s.List(ctx, ListOptions{Filter: `attempts >= 2 && url.startsWith("https://a.")`})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].Task.JobID != "job-a" {
		t.Fatalf("compound filter: %+v", recs)
	}
	if _, err := s.List(ctx, ListOptions{Filter: `nonsense ==`}); err == nil {
		t.Fatalf("expected compile error for bad filter")
	}
}

type fakeEnqueuer struct {
	tasks []*task.Task
	seq   uint64
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, tk *task.Task, _ int64) (uint64, error) {
	f.seq++
	f.tasks = append(f.tasks, tk)
	return f.seq, nil
}

func TestReplayKeepsRecordAndMarksIt(t *testing.T) {
	db, s := openTestStore(t)
	ctx := context.Background()
	tk := &task.Task{ID: "t1", JobID: "job-1", URL: "https://example.com/a"}
	appendRecord(t, db, s, 4, tk, task.CodeDownloadHTTPStatus, 3, 100)

	enq := &fakeEnqueuer{seq: 100}
	newSeq, err := s.Replay(ctx, 4, enq, 9000)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if newSeq != 101 || len(enq.tasks) != 1 || enq.tasks[0].ID != "t1" {
		t.Fatalf("replay enqueue: seq=%d tasks=%+v", newSeq, enq.tasks)
	}
	rec, err := s.Get(ctx, 4)
	if err != nil {
		t.Fatalf("get after replay: %v", err)
	}
	if rec.ReplayedAtMs != 9000 {
		t.Fatalf("record not marked replayed: %+v", rec)
	}
	// replayed records are filterable
	recs, _ := s.List(ctx, ListOptions{Filter: `replayed`})
	if len(recs) != 1 {
		t.Fatalf("replayed filter: %+v", recs)
	}
}

func TestDelete(t *testing.T) {
	db, s := openTestStore(t)
	ctx := context.Background()
	appendRecord(t, db, s, 1, &task.Task{ID: "t1", JobID: "j", URL: "u"}, task.CodeSystemInternalFault, 1, 100)
	if err := s.Delete(ctx, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, 1); err != ErrRecordNotFound {
		t.Fatalf("expected gone, got %v", err)
	}
	if err := s.Delete(ctx, 1); err != ErrRecordNotFound {
		t.Fatalf("double delete: %v", err)
	}
}

// End-to-end: a queue wired with the store lands the record in the same
// commit as the terminal transition, and replay feeds the queue again.
func TestQueueIntegration(t *testing.T) {
	db, s := openTestStore(t)
	ctx := context.Background()
	q, err := queue.Open(db, "dl", queue.Options{}, s, nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	seq, err := q.Enqueue(ctx, &task.Task{ID: "t1", JobID: "job-1", URL: "https://example.com/a"}, 1000)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if e, _ := q.LeaseNext(ctx, "w1", 1000); e == nil {
		t.Fatalf("lease failed")
	}
	if _, err := q.DeadLetter(ctx, seq, "w1", task.CodeUploadAccessDenied, "denied", 1100); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	rec, err := s.Get(ctx, seq)
	if err != nil || rec.FailureCode != task.CodeUploadAccessDenied || rec.Attempts != 1 {
		t.Fatalf("record: %+v %v", rec, err)
	}
	newSeq, err := s.Replay(ctx, seq, q, 2000)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	e, err := q.LeaseNext(ctx, "w1", 2000)
	if err != nil || e == nil || e.Sequence != newSeq {
		t.Fatalf("replayed entry not leasable: %+v %v", e, err)
	}
	if e.Attempts != 0 {
		t.Fatalf("replayed entry must start fresh, got attempts=%d", e.Attempts)
	}
}
