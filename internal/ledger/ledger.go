// Package ledger tracks per-job outcome counts. Workers report each
// terminal result fire-and-forget: a ledger write never fails a task
// that already completed its pipeline.
package ledger

import (
	"github.com/oiwn/FetchBox/internal/task"
)

// Ledger receives terminal task outcomes grouped by job.
type Ledger interface {
	// OnTaskCompleted records a successful store of taskID's resource.
	OnTaskCompleted(jobID, taskID, destination string, size int64)
	// OnTaskFailed records a dead-lettered task.
	OnTaskFailed(jobID, taskID string, code task.FailureCode, message string)
}

// Noop discards all outcomes.
type Noop struct{}

func (Noop) OnTaskCompleted(string, string, string, int64) {}

func (Noop) OnTaskFailed(string, string, task.FailureCode, string) {}
