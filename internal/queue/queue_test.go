package queue

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/oiwn/FetchBox/internal/storage/pebble"
	"github.com/oiwn/FetchBox/internal/task"
)

type sinkRecord struct {
	seq      uint64
	code     task.FailureCode
	message  string
	attempts uint32
}

// recordingSink captures dead-letter appends without a real DLQ store.
type recordingSink struct {
	records []sinkRecord
}

func (s *recordingSink) Append(b *pebble.Batch, seq uint64, t *task.Task, code task.FailureCode, message string, attempts uint32, failedAtMs int64) error {
	s.records = append(s.records, sinkRecord{seq: seq, code: code, message: message, attempts: attempts})
	return b.Set([]byte("test_dlq/"+t.ID), nil, nil)
}

func openTestQueue(t *testing.T, opts Options) (*Queue, *recordingSink) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	sink := &recordingSink{}
	q, err := Open(db, "dl", opts, sink, nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q, sink
}

func testTask(id string) *task.Task {
	return &task.Task{ID: id, JobID: "job-1", URL: "https://example.com/" + id}
}

func TestEnqueueSequencesMonotonic(t *testing.T) {
	q, _ := openTestQueue(t, Options{})
	ctx := context.Background()
	var prev uint64
	for i := 0; i < 5; i++ {
		seq, err := q.Enqueue(ctx, testTask("r"), 1000)
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if seq <= prev {
			t.Fatalf("sequence not strictly increasing: %d after %d", seq, prev)
		}
		prev = seq
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	q, _ := openTestQueue(t, Options{Capacity: 2})
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, testTask("a"), 1000); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, err := q.Enqueue(ctx, testTask("b"), 1000); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if _, err := q.Enqueue(ctx, testTask("c"), 1000); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	// completing one frees capacity
	e, err := q.LeaseNext(ctx, "w1", 1100)
	if err != nil || e == nil {
		t.Fatalf("lease: %v %v", e, err)
	}
	if err := q.Ack(ctx, e.Sequence, "w1", 1200); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := q.Enqueue(ctx, testTask("c"), 1300); err != nil {
		t.Fatalf("enqueue after ack: %v", err)
	}
}

func TestLeaseOrderAndExclusivity(t *testing.T) {
	q, _ := openTestQueue(t, Options{LeaseTTL: time.Second})
	ctx := context.Background()
	s1, _ := q.Enqueue(ctx, testTask("a"), 1000)
	s2, _ := q.Enqueue(ctx, testTask("b"), 1000)

	e1, err := q.LeaseNext(ctx, "w1", 1100)
	if err != nil || e1 == nil || e1.Sequence != s1 {
		t.Fatalf("want lowest sequence first, got %+v %v", e1, err)
	}
	if e1.Status != StatusLeased || e1.LeaseOwner != "w1" {
		t.Fatalf("lease fields not set: %+v", e1)
	}
	e2, err := q.LeaseNext(ctx, "w2", 1100)
	if err != nil || e2 == nil || e2.Sequence != s2 {
		t.Fatalf("second lease: %+v %v", e2, err)
	}
	// nothing left
	e3, err := q.LeaseNext(ctx, "w3", 1100)
	if err != nil || e3 != nil {
		t.Fatalf("expected no eligible entry, got %+v %v", e3, err)
	}
}

func TestRequeueWithBackoffDelaysVisibility(t *testing.T) {
	q, _ := openTestQueue(t, Options{LeaseTTL: time.Minute})
	ctx := context.Background()
	s, _ := q.Enqueue(ctx, testTask("a"), 1000)
	e, _ := q.LeaseNext(ctx, "w1", 1000)
	if e == nil || e.Sequence != s {
		t.Fatalf("lease: %+v", e)
	}
	if err := q.Requeue(ctx, s, "w1", 2000, 1100); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if e2, _ := q.LeaseNext(ctx, "w1", 1500); e2 != nil {
		t.Fatalf("leased before visible_after: %+v", e2)
	}
	e3, err := q.LeaseNext(ctx, "w1", 2100)
	if err != nil || e3 == nil || e3.Sequence != s {
		t.Fatalf("lease after visible_after: %+v %v", e3, err)
	}
	if e3.Attempts != 1 {
		t.Fatalf("requeue must increment attempts once, got %d", e3.Attempts)
	}
}

func TestRequeueStaleLeaseRejected(t *testing.T) {
	q, _ := openTestQueue(t, Options{LeaseTTL: 50 * time.Millisecond})
	ctx := context.Background()
	s, _ := q.Enqueue(ctx, testTask("a"), 1000)
	if e, _ := q.LeaseNext(ctx, "w1", 1000); e == nil {
		t.Fatalf("lease failed")
	}
	// lease expires; sweeper reclaims it
	if n, err := q.ReclaimExpired(ctx, 2000, 0); err != nil || n != 1 {
		t.Fatalf("reclaim: %d %v", n, err)
	}
	// w1 comes back late: its lease is gone
	if err := q.Requeue(ctx, s, "w1", 2500, 2100); err != ErrNotLeased {
		t.Fatalf("expected ErrNotLeased, got %v", err)
	}
	if err := q.Ack(ctx, s, "w1", 2100); err != ErrNotLeased {
		t.Fatalf("ack with stale lease: %v", err)
	}
}

func TestReclaimDoesNotIncrementAttempts(t *testing.T) {
	q, _ := openTestQueue(t, Options{LeaseTTL: 50 * time.Millisecond})
	ctx := context.Background()
	s, _ := q.Enqueue(ctx, testTask("a"), 1000)
	_, _ = q.LeaseNext(ctx, "w1", 1000)
	if n, _ := q.ReclaimExpired(ctx, 2000, 0); n != 1 {
		t.Fatalf("reclaim expected 1")
	}
	e, err := q.LeaseNext(ctx, "w2", 2100)
	if err != nil || e == nil || e.Sequence != s {
		t.Fatalf("redelivery: %+v %v", e, err)
	}
	if e.Attempts != 0 {
		t.Fatalf("crash redelivery must not count as a new attempt, got %d", e.Attempts)
	}
}

func TestCrashRecoveryOnReopen(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	q, err := Open(db, "dl", Options{LeaseTTL: time.Millisecond}, nil, nil)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	ctx := context.Background()
	s, _ := q.Enqueue(ctx, testTask("a"), 0)
	if e, _ := q.LeaseNext(ctx, "w1", 0); e == nil {
		t.Fatalf("lease failed")
	}
	lastSeq := q.lastSeq
	// simulate crash: close without ack
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	t.Cleanup(func() { _ = db2.Close() })
	q2, err := Open(db2, "dl", Options{LeaseTTL: time.Minute}, nil, nil)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	if q2.lastSeq != lastSeq {
		t.Fatalf("sequence counter not restored: %d != %d", q2.lastSeq, lastSeq)
	}
	e, err := q2.LeaseNext(ctx, "w2", 0)
	if err != nil || e == nil || e.Sequence != s {
		t.Fatalf("expired lease not recovered on reopen: %+v %v", e, err)
	}
	if e.Attempts != 0 {
		t.Fatalf("recovery must not increment attempts, got %d", e.Attempts)
	}
	// new sequences continue past the restored counter
	s2, err := q2.Enqueue(ctx, testTask("b"), 0)
	if err != nil || s2 <= lastSeq {
		t.Fatalf("sequence reuse after restart: %d %v", s2, err)
	}
}

func TestDeadLetterWritesSinkAtomically(t *testing.T) {
	q, sink := openTestQueue(t, Options{})
	ctx := context.Background()
	s, _ := q.Enqueue(ctx, testTask("a"), 1000)
	e, _ := q.LeaseNext(ctx, "w1", 1000)
	if e == nil {
		t.Fatalf("lease failed")
	}
	tk, err := q.DeadLetter(ctx, s, "w1", task.CodeDownloadMalformedURL, "bad url", 1100)
	if err != nil || tk == nil || tk.ID != "a" {
		t.Fatalf("dead letter: %+v %v", tk, err)
	}
	if len(sink.records) != 1 || sink.records[0].seq != s || sink.records[0].attempts != 1 {
		t.Fatalf("sink record: %+v", sink.records)
	}
	// terminal: no further transitions
	if err := q.Ack(ctx, s, "w1", 1200); err != ErrNotLeased {
		t.Fatalf("ack after dead letter: %v", err)
	}
	st, err := q.Stats(ctx)
	if err != nil || st.DeadLettered != 1 {
		t.Fatalf("stats: %+v %v", st, err)
	}
}

func TestLeaseQuarantinesCorruptEntry(t *testing.T) {
	q, sink := openTestQueue(t, Options{})
	ctx := context.Background()
	s1, _ := q.Enqueue(ctx, testTask("a"), 1000)
	s2, _ := q.Enqueue(ctx, testTask("b"), 1000)
	// clobber the first entry's record on disk
	if err := q.db.Set(entryKey("dl", s1), []byte("garbage")); err != nil {
		t.Fatalf("corrupt entry: %v", err)
	}

	e, err := q.LeaseNext(ctx, "w1", 1100)
	if err != nil || e == nil || e.Sequence != s2 {
		t.Fatalf("lease should skip the corrupt entry: %+v %v", e, err)
	}
	if len(sink.records) != 1 || sink.records[0].seq != s1 || sink.records[0].code != task.CodeSystemQueueCorrupted {
		t.Fatalf("quarantine record: %+v", sink.records)
	}
	// the quarantined entry no longer counts as active
	st, _ := q.Stats(ctx)
	if st.Pending != 0 || st.Leased != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestStatsReconcileAfterMixedRun(t *testing.T) {
	q, _ := openTestQueue(t, Options{LeaseTTL: time.Minute})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		if _, err := q.Enqueue(ctx, testTask(id), 1000); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	ea, _ := q.LeaseNext(ctx, "w1", 1100)
	eb, _ := q.LeaseNext(ctx, "w1", 1100)
	ec, _ := q.LeaseNext(ctx, "w1", 1100)
	if ea == nil || eb == nil || ec == nil {
		t.Fatalf("lease failed")
	}
	if err := q.Ack(ctx, ea.Sequence, "w1", 1200); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := q.Requeue(ctx, eb.Sequence, "w1", 5000, 1200); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if _, err := q.DeadLetter(ctx, ec.Sequence, "w1", task.CodeDownloadTimeout, "gave up", 1200); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	ed, _ := q.LeaseNext(ctx, "w2", 1300)
	if ed == nil {
		t.Fatalf("lease d failed")
	}
	st, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{LastSeq: st.LastSeq, Pending: 1, Leased: 1, Completed: 1, DeadLettered: 1}
	if st != want {
		t.Fatalf("stats mismatch: got %+v want %+v", st, want)
	}
	if st.LastSeq != ed.Sequence {
		t.Fatalf("last seq: %d want %d", st.LastSeq, ed.Sequence)
	}
}

func TestPruneDoneRespectsRetention(t *testing.T) {
	q, _ := openTestQueue(t, Options{Retention: time.Second})
	ctx := context.Background()
	s, _ := q.Enqueue(ctx, testTask("a"), 1000)
	e, _ := q.LeaseNext(ctx, "w1", 1000)
	if e == nil {
		t.Fatalf("lease failed")
	}
	_ = q.Ack(ctx, s, "w1", 1000)

	// within retention: nothing pruned
	if n, _ := q.PruneDone(ctx, 1500, 0); n != 0 {
		t.Fatalf("pruned inside retention: %d", n)
	}
	if n, _ := q.PruneDone(ctx, 3000, 0); n != 1 {
		t.Fatalf("expected 1 pruned, got %d", n)
	}
	if _, err := q.loadEntry(s); err != ErrEntryNotFound {
		t.Fatalf("entry should be purged: %v", err)
	}
}

func TestSweeperReclaimsInBackground(t *testing.T) {
	q, _ := openTestQueue(t, Options{LeaseTTL: 20 * time.Millisecond})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, testTask("a"), 0)
	if e, _ := q.LeaseNext(ctx, "w1", 0); e == nil {
		t.Fatalf("lease failed")
	}
	q.StartSweeper(20*time.Millisecond, 64)
	defer q.StopSweeper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e, _ := q.LeaseNext(ctx, "w2", 0); e != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sweeper never reclaimed the expired lease")
}
