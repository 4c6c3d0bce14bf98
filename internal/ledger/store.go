package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oiwn/FetchBox/pkg/log"

	pebblestore "github.com/oiwn/FetchBox/internal/storage/pebble"
	"github.com/oiwn/FetchBox/internal/task"
)

// JobSnapshot is the durable per-job counter record.
type JobSnapshot struct {
	JobID       string `json:"job_id"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	BytesStored uint64 `json:"bytes_stored"`
	// DeltaSeq numbers the job's outcome history.
	DeltaSeq    uint64 `json:"delta_seq"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

// Delta is one outcome in a job's history.
type Delta struct {
	TaskID      string           `json:"task_id"`
	Completed   bool             `json:"completed"`
	Destination string           `json:"destination,omitempty"`
	Size        int64            `json:"size,omitempty"`
	Code        task.FailureCode `json:"code,omitempty"`
	Message     string           `json:"message,omitempty"`
	AtMs        int64            `json:"at_ms"`
}

// Store is a Pebble-backed Ledger. Writes go through one mutex; the
// snapshot and its delta commit in the same batch.
type Store struct {
	db     *pebblestore.DB
	logger log.Logger
	mu     sync.Mutex
}

// NewStore builds a ledger over the shared database.
func NewStore(db *pebblestore.DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Store{db: db, logger: logger.With(log.Component("ledger"))}
}

func jobKey(jobID string) []byte {
	return []byte("ledger/job/" + jobID)
}

func deltaKey(jobID string, seq uint64) []byte {
	prefix := fmt.Sprintf("ledger/delta/%s/", jobID)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func (s *Store) OnTaskCompleted(jobID, taskID, destination string, size int64) {
	if err := s.apply(jobID, Delta{
		TaskID:      taskID,
		Completed:   true,
		Destination: destination,
		Size:        size,
		AtMs:        time.Now().UnixMilli(),
	}); err != nil {
		s.logger.Warn("ledger write failed",
			log.Str("job_id", jobID), log.Str("task_id", taskID), log.Err(err))
	}
}

func (s *Store) OnTaskFailed(jobID, taskID string, code task.FailureCode, message string) {
	if err := s.apply(jobID, Delta{
		TaskID:  taskID,
		Code:    code,
		Message: message,
		AtMs:    time.Now().UnixMilli(),
	}); err != nil {
		s.logger.Warn("ledger write failed",
			log.Str("job_id", jobID), log.Str("task_id", taskID), log.Err(err))
	}
}

func (s *Store) apply(jobID string, d Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.loadSnapshot(jobID)
	if err != nil {
		return err
	}
	if d.Completed {
		snap.Completed++
		snap.BytesStored += uint64(d.Size)
	} else {
		snap.Failed++
	}
	snap.DeltaSeq++
	snap.UpdatedAtMs = d.AtMs

	snapVal, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	deltaVal, err := json.Marshal(d)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(jobKey(jobID), snapVal, nil); err != nil {
		return err
	}
	if err := b.Set(deltaKey(jobID, snap.DeltaSeq), deltaVal, nil); err != nil {
		return err
	}
	return s.db.CommitBatch(context.Background(), b)
}

func (s *Store) loadSnapshot(jobID string) (*JobSnapshot, error) {
	val, err := s.db.Get(jobKey(jobID))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return &JobSnapshot{JobID: jobID}, nil
		}
		return nil, err
	}
	var snap JobSnapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Job returns the current counters for a job, or a zero snapshot if the
// job has no recorded outcomes.
func (s *Store) Job(ctx context.Context, jobID string) (*JobSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadSnapshot(jobID)
}

// History returns a job's outcome deltas in order, capped at limit
// (0 means all).
func (s *Store) History(ctx context.Context, jobID string, limit int) ([]Delta, error) {
	it, err := s.db.NewPrefixIter([]byte(fmt.Sprintf("ledger/delta/%s/", jobID)))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []Delta
	for ok := it.First(); ok; ok = it.Next() {
		var d Delta
		if err := json.Unmarshal(it.Value(), &d); err != nil {
			s.logger.Warn("skipping corrupt ledger delta", log.Str("key", string(it.Key())))
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
