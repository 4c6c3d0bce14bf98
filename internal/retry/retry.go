// Package retry decides whether a failed task gets another delivery and
// how long to wait before it becomes visible again. The engine is pure:
// it inspects the classified failure and the attempt count, and the
// caller applies the outcome to the queue.
package retry

import (
	"math/rand"
	"time"

	"github.com/oiwn/FetchBox/internal/task"
)

// Limits bound retries per failure phase and shape the backoff curve.
type Limits struct {
	// DownloadRetryLimit is the maximum delivery attempts for tasks whose
	// last failure was in the download phase.
	DownloadRetryLimit uint32
	// UploadRetryLimit is the same bound for upload-phase failures.
	UploadRetryLimit uint32
	// BaseBackoff is the delay before the second attempt.
	BaseBackoff time.Duration
	// MaxBackoff clamps the exponential curve.
	MaxBackoff time.Duration
}

// DefaultLimits mirror the server defaults.
func DefaultLimits() Limits {
	return Limits{
		DownloadRetryLimit: 5,
		UploadRetryLimit:   3,
		BaseBackoff:        500 * time.Millisecond,
		MaxBackoff:         5 * time.Minute,
	}
}

// Outcome is the verdict for a failed delivery.
type Outcome int

const (
	// OutcomeRetry requeues the task after Decision.Delay.
	OutcomeRetry Outcome = iota
	// OutcomeDeadLetter moves the task to the dead-letter store.
	OutcomeDeadLetter
)

// Decision pairs the verdict with its backoff delay.
type Decision struct {
	Outcome Outcome
	// Delay is the visibility delay for OutcomeRetry, zero otherwise.
	Delay time.Duration
}

func (l Limits) limitFor(phase task.Phase) uint32 {
	switch phase {
	case task.PhaseDownload:
		return l.DownloadRetryLimit
	case task.PhaseUpload:
		return l.UploadRetryLimit
	default:
		// System failures never retry.
		return 0
	}
}

// Decide returns the verdict for a failure after `attempts` completed
// delivery attempts (including the one that just failed). Non-retryable
// failures dead-letter immediately regardless of the attempt count. rng
// supplies jitter; nil falls back to the global source.
func Decide(f *task.Failure, attempts uint32, limits Limits, rng *rand.Rand) Decision {
	if f == nil || !f.Retryable {
		return Decision{Outcome: OutcomeDeadLetter}
	}
	if attempts >= limits.limitFor(f.Phase) {
		return Decision{Outcome: OutcomeDeadLetter}
	}
	return Decision{Outcome: OutcomeRetry, Delay: Backoff(attempts, limits, rng)}
}

// Backoff computes the delay before attempt n+1: base doubled per prior
// attempt, clamped to max, with ±20% uniform jitter. attempts must be
// at least 1 (a delivery has just failed).
func Backoff(attempts uint32, limits Limits, rng *rand.Rand) time.Duration {
	base := limits.BaseBackoff
	if base <= 0 {
		base = DefaultLimits().BaseBackoff
	}
	max := limits.MaxBackoff
	if max <= 0 {
		max = DefaultLimits().MaxBackoff
	}
	d := base
	for i := uint32(1); i < attempts; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	// ±20% jitter keeps simultaneous failures from synchronizing.
	var r float64
	if rng != nil {
		r = rng.Float64()
	} else {
		r = rand.Float64()
	}
	factor := 0.8 + 0.4*r
	return time.Duration(float64(d) * factor)
}

// RetryableStatus reports whether an HTTP status is worth another
// attempt: server errors and throttling are, other client errors are
// terminal.
func RetryableStatus(status int) bool {
	if status >= 500 {
		return true
	}
	switch status {
	case 408, 429:
		return true
	}
	return false
}
