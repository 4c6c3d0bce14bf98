package dlq

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/oiwn/FetchBox/pkg/log"

	pebblestore "github.com/oiwn/FetchBox/internal/storage/pebble"
	"github.com/oiwn/FetchBox/internal/task"
)

var (
	// ErrRecordNotFound indicates no dead-letter record exists for the sequence.
	ErrRecordNotFound = errors.New("dlq: record not found")
	// ErrCorruptRecord indicates a record failed its CRC check.
	ErrCorruptRecord = errors.New("dlq: corrupt record")
)

// Enqueuer re-enqueues a replayed task. Satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, t *task.Task, nowMs int64) (uint64, error)
}

// Record is a dead-lettered task plus its failure context.
type Record struct {
	Sequence       uint64           `json:"sequence"`
	Task           *task.Task       `json:"task"`
	FailureCode    task.FailureCode `json:"failure_code"`
	FailureMessage string           `json:"failure_message"`
	Attempts       uint32           `json:"attempts"`
	FailedAtMs     int64            `json:"failed_at_ms"`
	ReplayedAtMs   int64            `json:"replayed_at_ms,omitempty"`
}

// Store persists dead-letter records in the queue's Pebble keyspace.
type Store struct {
	db     *pebblestore.DB
	queue  string
	logger log.Logger
}

// NewStore creates a dead-letter store for the named queue.
func NewStore(db *pebblestore.DB, queueName string, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Store{db: db, queue: queueName, logger: logger.With(log.Component("dlq"))}
}

func (s *Store) recordKey(seq uint64) []byte {
	prefix := fmt.Sprintf("q/%s/dlq/", s.queue)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func (s *Store) recordPrefix() []byte {
	return []byte(fmt.Sprintf("q/%s/dlq/", s.queue))
}

// Records use the shared framing from the task package.

func encodeRecord(r *Record) ([]byte, error) {
	return task.EncodeRecord(r)
}

func decodeRecord(b []byte) (*Record, error) {
	var r Record
	if err := task.DecodeRecord(b, &r); err != nil {
		return nil, ErrCorruptRecord
	}
	return &r, nil
}

// Append writes a dead-letter record into the caller's batch. The queue
// calls this from its dead-letter transition so the record commits with
// the status change.
func (s *Store) Append(b *pebble.Batch, seq uint64, t *task.Task, code task.FailureCode, message string, attempts uint32, failedAtMs int64) error {
	rec := &Record{
		Sequence:       seq,
		Task:           t,
		FailureCode:    code,
		FailureMessage: message,
		Attempts:       attempts,
		FailedAtMs:     failedAtMs,
	}
	val, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return b.Set(s.recordKey(seq), val, nil)
}

// Get returns the record for a queue sequence.
func (s *Store) Get(ctx context.Context, seq uint64) (*Record, error) {
	val, err := s.db.Get(s.recordKey(seq))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return decodeRecord(val)
}

// ListOptions bound and filter a List call.
type ListOptions struct {
	// AfterSeq starts the scan strictly after this sequence; 0 starts
	// from the beginning.
	AfterSeq uint64
	// Limit caps returned records; 0 means no cap.
	Limit int
	// Filter is an optional CEL expression evaluated per record.
	Filter string
}

// List returns dead-letter records in sequence order. When a filter is
// set, only matching records count toward the limit.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	filter, err := newFilter(opts.Filter)
	if err != nil {
		return nil, err
	}
	it, err := s.db.NewPrefixIter(s.recordPrefix())
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*Record
	start := it.First()
	if opts.AfterSeq > 0 {
		start = it.SeekGE(s.recordKey(opts.AfterSeq + 1))
	}
	for ok := start; ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(it.Value())
		if err != nil {
			s.logger.Warn("skipping corrupt dead-letter record", log.Str("key", string(it.Key())))
			continue
		}
		if !filter.Eval(rec) {
			continue
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	it, err := s.db.NewPrefixIter(s.recordPrefix())
	if err != nil {
		return 0, err
	}
	defer it.Close()
	n := 0
	for ok := it.First(); ok; ok = it.Next() {
		n++
	}
	return n, nil
}

// Replay re-enqueues the dead-lettered task as a fresh entry with zero
// attempts. The record is kept and stamped with the replay time so an
// operator can tell it has been resubmitted.
func (s *Store) Replay(ctx context.Context, seq uint64, enq Enqueuer, nowMs int64) (uint64, error) {
	rec, err := s.Get(ctx, seq)
	if err != nil {
		return 0, err
	}
	newSeq, err := enq.Enqueue(ctx, rec.Task, nowMs)
	if err != nil {
		return 0, fmt.Errorf("dlq: replay enqueue: %w", err)
	}
	rec.ReplayedAtMs = nowMs
	val, err := encodeRecord(rec)
	if err != nil {
		return newSeq, err
	}
	if err := s.db.Set(s.recordKey(seq), val); err != nil {
		return newSeq, err
	}
	s.logger.Info("replayed dead-letter record",
		log.Uint64("seq", seq), log.Uint64("new_seq", newSeq), log.Str("task_id", rec.Task.ID))
	return newSeq, nil
}

// Delete removes a record, typically after a successful replay has been
// verified or when an operator discards it.
func (s *Store) Delete(ctx context.Context, seq uint64) error {
	if _, err := s.Get(ctx, seq); err != nil {
		return err
	}
	return s.db.Delete(s.recordKey(seq))
}
