package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/oiwn/FetchBox/internal/storage/pebble"
	"github.com/oiwn/FetchBox/internal/task"
	"github.com/oiwn/FetchBox/pkg/log"
)

var (
	// ErrQueueFull is the fast-fail backpressure signal to ingress callers.
	ErrQueueFull = errors.New("queue: at capacity")
	// ErrNotLeased guards ack/requeue/dead-letter against stale leases: the
	// entry is not currently leased by the caller.
	ErrNotLeased = errors.New("queue: entry not leased by caller")
	// ErrEntryNotFound indicates an unknown or pruned sequence.
	ErrEntryNotFound = errors.New("queue: entry not found")
	// ErrCorruptEntry indicates an entry record failed its CRC check.
	ErrCorruptEntry = errors.New("queue: corrupt entry record")
)

// DeadLetterSink receives the dead-letter record inside the same batch that
// marks the queue entry terminal, making the transition one durable unit.
type DeadLetterSink interface {
	Append(b *pebble.Batch, seq uint64, t *task.Task, code task.FailureCode, message string, attempts uint32, failedAtMs int64) error
}

// Options configures a queue instance.
type Options struct {
	// Capacity bounds active (Pending + Leased) entries; 0 disables the bound.
	Capacity int
	// LeaseTTL is how long a lease lasts before sweeps reclaim it.
	LeaseTTL time.Duration
	// Retention is how long terminal entries stay before pruning.
	Retention time.Duration
	// OnReclaim, when set, is called with the number of leases each
	// reclaim pass recovered.
	OnReclaim func(n int)
}

func (o *Options) withDefaults() {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
}

// Queue is the durable task queue. All state transitions are atomic with
// respect to concurrent callers; workers ack/requeue/dead-letter through the
// same mutex-and-batch discipline the dispatch path uses.
type Queue struct {
	db     *pebblestore.DB
	name   string
	dlq    DeadLetterSink
	logger log.Logger
	opts   Options

	mu      sync.Mutex
	lastSeq uint64
	active  int

	notify chan struct{}

	sweepStop chan struct{}
	sweepWG   sync.WaitGroup
}

// Open initializes a queue, restores the persisted sequence counter, and runs
// the crash-recovery scan: leases that expired while the process was down are
// reset to Pending with immediate visibility and no attempt penalty.
func Open(db *pebblestore.DB, name string, opts Options, sink DeadLetterSink, logger log.Logger) (*Queue, error) {
	opts.withDefaults()
	if logger == nil {
		logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	q := &Queue{
		db:     db,
		name:   name,
		dlq:    sink,
		logger: logger.With(log.Component("queue"), log.Str("queue", name)),
		opts:   opts,
		notify: make(chan struct{}, 1),
	}
	if meta, err := db.Get(metaKey(name)); err == nil && len(meta) >= 12 {
		q.lastSeq = binary.BigEndian.Uint64(meta[:8])
		q.active = int(binary.BigEndian.Uint32(meta[8:12]))
	} else if err != nil && !pebblestore.IsNotFound(err) {
		return nil, err
	}

	reclaimed, err := q.ReclaimExpired(context.Background(), time.Now().UnixMilli(), 0)
	if err != nil {
		return nil, err
	}
	if reclaimed > 0 {
		q.logger.Info("recovered expired leases at startup", log.Int("count", reclaimed))
	}
	return q, nil
}

// Notify returns a channel signaled when new work may be available. It is a
// wakeup hint for the dispatch loop, not a delivery guarantee.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// metaBytes renders lastSeq and active count for the meta key. Caller holds mu.
func (q *Queue) metaBytes() []byte {
	var meta [12]byte
	binary.BigEndian.PutUint64(meta[0:8], q.lastSeq)
	binary.BigEndian.PutUint32(meta[8:12], uint32(q.active))
	return meta[:]
}

// Enqueue persists a new Pending entry and returns its sequence. Fails fast
// with ErrQueueFull when the active-entry capacity is reached.
// If nowMs <= 0, time.Now().UnixMilli() is used.
func (q *Queue) Enqueue(ctx context.Context, t *task.Task, nowMs int64) (uint64, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.opts.Capacity > 0 && q.active >= q.opts.Capacity {
		return 0, ErrQueueFull
	}

	seq := q.lastSeq + 1
	entry := &Entry{
		Sequence:       seq,
		Task:           t,
		Status:         StatusPending,
		VisibleAfterMs: nowMs,
	}
	val, err := encodeEntry(entry)
	if err != nil {
		return 0, err
	}

	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(q.name, seq), val, nil); err != nil {
		return 0, err
	}
	if err := b.Set(readyKey(q.name, seq), nil, nil); err != nil {
		return 0, err
	}
	q.lastSeq = seq
	q.active++
	if err := b.Set(metaKey(q.name), q.metaBytes(), nil); err != nil {
		q.lastSeq--
		q.active--
		return 0, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		q.lastSeq--
		q.active--
		return 0, err
	}
	q.wake()
	return seq, nil
}

// promoteDue moves delayed entries whose visibility time has arrived into the
// ready index. Caller holds mu.
func (q *Queue) promoteDue(ctx context.Context, nowMs int64) error {
	prefix := delayPrefix(q.name)
	iter, err := q.db.NewPrefixIter(prefix)
	if err != nil {
		return err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	promoted := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		fire, ok2 := msFromIndexKey(key, prefix)
		if !ok2 {
			continue
		}
		if fire > nowMs {
			break
		}
		seq, _ := seqFromIndexKey(key)
		if err := b.Delete(key, nil); err != nil {
			return err
		}
		if err := b.Set(readyKey(q.name, seq), nil, nil); err != nil {
			return err
		}
		promoted++
	}
	if promoted == 0 {
		return nil
	}
	return q.db.CommitBatch(ctx, b)
}

// LeaseNext atomically claims the lowest-sequence Pending entry whose
// visibility time has passed. Returns (nil, nil) when no entry is eligible.
func (q *Queue) LeaseNext(ctx context.Context, workerID string, nowMs int64) (*Entry, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.promoteDue(ctx, nowMs); err != nil {
		return nil, err
	}

	iter, err := q.db.NewPrefixIter(readyPrefix(q.name))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		seq, ok2 := seqFromIndexKey(key)
		if !ok2 {
			continue
		}
		entry, err := q.loadEntry(seq)
		if errors.Is(err, ErrCorruptEntry) {
			if qerr := q.quarantineCorrupt(ctx, seq, key, nowMs); qerr != nil {
				return nil, qerr
			}
			continue
		}
		if err != nil {
			// Orphaned index entry; drop it and keep scanning.
			q.logger.Warn("dropping unreadable ready entry", log.Uint64("seq", seq), log.Err(err))
			_ = q.db.Delete(key)
			continue
		}

		expires := nowMs + q.opts.LeaseTTL.Milliseconds()
		entry.Status = StatusLeased
		entry.LeaseOwner = workerID
		entry.LeaseExpiresAtMs = expires
		val, err := encodeEntry(entry)
		if err != nil {
			return nil, err
		}

		b := q.db.NewBatch()
		defer b.Close()
		if err := b.Set(entryKey(q.name, seq), val, nil); err != nil {
			return nil, err
		}
		if err := b.Delete(key, nil); err != nil {
			return nil, err
		}
		if err := b.Set(leaseIdxKey(q.name, expires, seq), nil, nil); err != nil {
			return nil, err
		}
		if err := q.db.CommitBatch(ctx, b); err != nil {
			return nil, err
		}
		return entry, nil
	}
	return nil, nil
}

// quarantineCorrupt dead-letters an entry whose record failed its CRC.
// The payload is unrecoverable, so the record carries only the sequence
// and the corruption code. Caller holds mu.
func (q *Queue) quarantineCorrupt(ctx context.Context, seq uint64, readyKey []byte, nowMs int64) error {
	q.logger.Error("quarantining corrupt entry", log.Uint64("seq", seq))
	b := q.db.NewBatch()
	defer b.Close()
	if q.dlq != nil {
		if err := q.dlq.Append(b, seq, &task.Task{}, task.CodeSystemQueueCorrupted,
			"entry record failed checksum", 0, nowMs); err != nil {
			return err
		}
	}
	if err := b.Delete(readyKey, nil); err != nil {
		return err
	}
	if err := b.Delete(entryKey(q.name, seq), nil); err != nil {
		return err
	}
	q.active--
	if err := b.Set(metaKey(q.name), q.metaBytes(), nil); err != nil {
		q.active++
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		q.active++
		return err
	}
	return nil
}

func (q *Queue) loadEntry(seq uint64) (*Entry, error) {
	val, err := q.db.Get(entryKey(q.name, seq))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return decodeEntry(val)
}

// leasedByCaller loads seq and verifies the caller still owns its lease.
func (q *Queue) leasedByCaller(seq uint64, workerID string) (*Entry, error) {
	entry, err := q.loadEntry(seq)
	if err != nil {
		return nil, err
	}
	if entry.Status != StatusLeased || entry.LeaseOwner != workerID {
		return nil, ErrNotLeased
	}
	return entry, nil
}

// Ack marks a leased entry Completed. The attempt counter reflects completed
// lease cycles, so it increments here too.
func (q *Queue) Ack(ctx context.Context, seq uint64, workerID string, nowMs int64) error {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.leasedByCaller(seq, workerID)
	if err != nil {
		return err
	}
	oldExpiry := entry.LeaseExpiresAtMs
	entry.Status = StatusCompleted
	entry.Attempts++
	entry.LeaseOwner = ""
	entry.LeaseExpiresAtMs = 0
	entry.DoneAtMs = nowMs

	val, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(q.name, seq), val, nil); err != nil {
		return err
	}
	if err := b.Delete(leaseIdxKey(q.name, oldExpiry, seq), nil); err != nil {
		return err
	}
	if err := b.Set(doneIdxKey(q.name, nowMs, seq), nil, nil); err != nil {
		return err
	}
	q.active--
	if err := b.Set(metaKey(q.name), q.metaBytes(), nil); err != nil {
		q.active++
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		q.active++
		return err
	}
	return nil
}

// Requeue returns a leased entry to Pending with an incremented attempt count
// and a new visibility time (the retry backoff). Fails with ErrNotLeased if
// the caller's lease was already reclaimed.
func (q *Queue) Requeue(ctx context.Context, seq uint64, workerID string, visibleAfterMs, nowMs int64) error {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.leasedByCaller(seq, workerID)
	if err != nil {
		return err
	}
	oldExpiry := entry.LeaseExpiresAtMs
	entry.Status = StatusPending
	entry.Attempts++
	entry.LeaseOwner = ""
	entry.LeaseExpiresAtMs = 0
	entry.VisibleAfterMs = visibleAfterMs

	val, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(q.name, seq), val, nil); err != nil {
		return err
	}
	if err := b.Delete(leaseIdxKey(q.name, oldExpiry, seq), nil); err != nil {
		return err
	}
	if visibleAfterMs > nowMs {
		if err := b.Set(delayKey(q.name, visibleAfterMs, seq), nil, nil); err != nil {
			return err
		}
	} else {
		if err := b.Set(readyKey(q.name, seq), nil, nil); err != nil {
			return err
		}
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	q.wake()
	return nil
}

// DeadLetter marks a leased entry DeadLettered and, in the same batch, writes
// the dead-letter record through the configured sink. Returns the task for
// the caller's reporting.
func (q *Queue) DeadLetter(ctx context.Context, seq uint64, workerID string, code task.FailureCode, message string, nowMs int64) (*task.Task, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.leasedByCaller(seq, workerID)
	if err != nil {
		return nil, err
	}
	oldExpiry := entry.LeaseExpiresAtMs
	entry.Status = StatusDeadLettered
	entry.Attempts++
	entry.LeaseOwner = ""
	entry.LeaseExpiresAtMs = 0
	entry.DoneAtMs = nowMs

	val, err := encodeEntry(entry)
	if err != nil {
		return nil, err
	}
	b := q.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(q.name, seq), val, nil); err != nil {
		return nil, err
	}
	if err := b.Delete(leaseIdxKey(q.name, oldExpiry, seq), nil); err != nil {
		return nil, err
	}
	if err := b.Set(doneIdxKey(q.name, nowMs, seq), nil, nil); err != nil {
		return nil, err
	}
	if q.dlq != nil {
		if err := q.dlq.Append(b, seq, entry.Task, code, message, entry.Attempts, nowMs); err != nil {
			return nil, err
		}
	}
	q.active--
	if err := b.Set(metaKey(q.name), q.metaBytes(), nil); err != nil {
		q.active++
		return nil, err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		q.active++
		return nil, err
	}
	return entry.Task, nil
}

// ReclaimExpired scans the lease index and returns entries whose lease
// expired to Pending with immediate visibility. Attempts are not incremented:
// redelivery after a lost worker is a retry of the same attempt, because no
// outcome was ever reported. max <= 0 means no limit.
func (q *Queue) ReclaimExpired(ctx context.Context, nowMs int64, max int) (int, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	prefix := leaseIdxPrefix(q.name)
	iter, err := q.db.NewPrefixIter(prefix)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	reclaimed := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		exp, ok2 := msFromIndexKey(key, prefix)
		if !ok2 {
			continue
		}
		if exp > nowMs {
			break
		}
		seq, _ := seqFromIndexKey(key)
		entry, err := q.loadEntry(seq)
		if err != nil {
			q.logger.Warn("dropping unreadable leased entry", log.Uint64("seq", seq), log.Err(err))
			_ = b.Delete(key, nil)
			continue
		}
		if entry.Status != StatusLeased {
			// Stale index record from an interrupted transition.
			_ = b.Delete(key, nil)
			continue
		}
		entry.Status = StatusPending
		entry.LeaseOwner = ""
		entry.LeaseExpiresAtMs = 0
		entry.VisibleAfterMs = nowMs
		val, err := encodeEntry(entry)
		if err != nil {
			return reclaimed, err
		}
		if err := b.Set(entryKey(q.name, seq), val, nil); err != nil {
			return reclaimed, err
		}
		if err := b.Delete(key, nil); err != nil {
			return reclaimed, err
		}
		if err := b.Set(readyKey(q.name, seq), nil, nil); err != nil {
			return reclaimed, err
		}
		reclaimed++
		if max > 0 && reclaimed >= max {
			break
		}
	}
	if b.Count() == 0 {
		return 0, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		q.wake()
		if q.opts.OnReclaim != nil {
			q.opts.OnReclaim(reclaimed)
		}
	}
	return reclaimed, nil
}

// PruneDone purges terminal entries older than the retention window. This is
// advisory housekeeping; dead-letter records are kept for audit and are not
// touched here.
func (q *Queue) PruneDone(ctx context.Context, nowMs int64, max int) (int, error) {
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	cutoff := nowMs - q.opts.Retention.Milliseconds()

	q.mu.Lock()
	defer q.mu.Unlock()

	prefix := doneIdxPrefix(q.name)
	iter, err := q.db.NewPrefixIter(prefix)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()
	pruned := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		doneMs, ok2 := msFromIndexKey(key, prefix)
		if !ok2 {
			continue
		}
		if doneMs > cutoff {
			break
		}
		seq, _ := seqFromIndexKey(key)
		if err := b.Delete(key, nil); err != nil {
			return pruned, err
		}
		if err := b.Delete(entryKey(q.name, seq), nil); err != nil {
			return pruned, err
		}
		pruned++
		if max > 0 && pruned >= max {
			break
		}
	}
	if pruned == 0 {
		return 0, nil
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	return pruned, nil
}

// Stats summarizes queue state. It scans entry records, so it is an admin
// operation, not a hot-path one.
type Stats struct {
	LastSeq      uint64
	Pending      int
	Leased       int
	Completed    int
	DeadLettered int
}

// Stats counts entries by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{LastSeq: q.lastSeq}
	iter, err := q.db.NewPrefixIter(entryPrefix(q.name))
	if err != nil {
		return st, err
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		entry, err := decodeEntry(iter.Value())
		if err != nil {
			continue
		}
		switch entry.Status {
		case StatusPending:
			st.Pending++
		case StatusLeased:
			st.Leased++
		case StatusCompleted:
			st.Completed++
		case StatusDeadLettered:
			st.DeadLettered++
		}
	}
	return st, nil
}

// StartSweeper runs a background loop that reclaims expired leases and prunes
// terminal entries past retention. The tick is jittered to avoid aligned
// sweeps across queues sharing a store.
func (q *Queue) StartSweeper(interval time.Duration, maxPerTick int) {
	if q.sweepStop != nil {
		return
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if maxPerTick <= 0 {
		maxPerTick = 1024
	}
	q.sweepStop = make(chan struct{})
	q.sweepWG.Add(1)
	go func() {
		defer q.sweepWG.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			select {
			case <-q.sweepStop:
				return
			case <-time.After(interval + time.Duration(rng.Int63n(int64(interval/10+1)))):
				nowMs := time.Now().UnixMilli()
				if n, err := q.ReclaimExpired(context.Background(), nowMs, maxPerTick); err != nil {
					q.logger.Warn("lease reclaim failed", log.Err(err))
				} else if n > 0 {
					q.logger.Info("reclaimed expired leases", log.Int("count", n))
				}
				if _, err := q.PruneDone(context.Background(), nowMs, maxPerTick); err != nil {
					q.logger.Warn("retention prune failed", log.Err(err))
				}
			}
		}
	}()
}

// StopSweeper stops the background sweeper.
func (q *Queue) StopSweeper() {
	if q.sweepStop != nil {
		close(q.sweepStop)
		q.sweepWG.Wait()
		q.sweepStop = nil
	}
}
