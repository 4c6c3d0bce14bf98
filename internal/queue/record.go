package queue

import (
	"github.com/oiwn/FetchBox/internal/task"
)

// Status is the lifecycle state of a queue entry.
type Status uint8

const (
	StatusPending Status = iota
	StatusLeased
	StatusCompleted
	StatusDeadLettered
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusLeased:
		return "leased"
	case StatusCompleted:
		return "completed"
	case StatusDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Entry is the mutable wrapper the queue keeps around an immutable task.
type Entry struct {
	Sequence         uint64     `json:"sequence"`
	Task             *task.Task `json:"task"`
	Attempts         uint32     `json:"attempts"`
	Status           Status     `json:"status"`
	LeaseOwner       string     `json:"lease_owner,omitempty"`
	LeaseExpiresAtMs int64      `json:"lease_expires_at_ms,omitempty"`
	VisibleAfterMs   int64      `json:"visible_after_ms,omitempty"`
	DoneAtMs         int64      `json:"done_at_ms,omitempty"`
}

// Entries use the shared record framing from the task package.

func encodeEntry(e *Entry) ([]byte, error) {
	return task.EncodeRecord(e)
}

func decodeEntry(b []byte) (*Entry, error) {
	var e Entry
	if err := task.DecodeRecord(b, &e); err != nil {
		return nil, ErrCorruptEntry
	}
	return &e, nil
}
