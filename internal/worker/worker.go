// Package worker runs the download-and-store pipeline. Each worker
// consumes leased entries from its inbox, fetches the resource through
// the task's proxy plan, streams it into the storage backend, and
// settles the lease: ack on success, requeue with backoff on a
// retryable failure, dead-letter otherwise.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/oiwn/FetchBox/pkg/log"

	"github.com/oiwn/FetchBox/internal/fetch"
	"github.com/oiwn/FetchBox/internal/ledger"
	"github.com/oiwn/FetchBox/internal/metrics"
	"github.com/oiwn/FetchBox/internal/proxy"
	"github.com/oiwn/FetchBox/internal/queue"
	"github.com/oiwn/FetchBox/internal/retry"
	"github.com/oiwn/FetchBox/internal/store"
	"github.com/oiwn/FetchBox/internal/task"
)

// Config wires one worker.
type Config struct {
	ID         string
	Queue      *queue.Queue
	Resolver   *proxy.Resolver
	Downloader fetch.Downloader
	Uploader   store.Uploader
	Ledger     ledger.Ledger

	// Limiter throttles fetch starts; nil disables rate limiting.
	Limiter *rate.Limiter
	Limits  retry.Limits

	// DefaultHeaders apply under any task-supplied headers.
	DefaultHeaders []task.Header
	// DefaultPool is the proxy pool used when a task has no hint;
	// empty means direct.
	DefaultPool string

	Metrics *metrics.Metrics
	Logger  log.Logger
}

// Worker processes entries one at a time.
type Worker struct {
	cfg    Config
	logger log.Logger
	rng    *rand.Rand
}

// New builds a worker. Queue, Downloader, Uploader are required.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.Noop{}
	}
	return &Worker{
		cfg:    cfg,
		logger: logger.With(log.Component("worker"), log.Str("worker_id", cfg.ID)),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ID returns the lease owner id this worker settles entries under.
func (w *Worker) ID() string { return w.cfg.ID }

// Run consumes the inbox until it closes or the context ends. Entries
// still leased when Run returns are left to lease expiry.
func (w *Worker) Run(ctx context.Context, inbox <-chan *queue.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-inbox:
			if !ok {
				return
			}
			w.process(ctx, entry)
		}
	}
}

func (w *Worker) process(ctx context.Context, entry *queue.Entry) {
	start := time.Now()
	ref, err := w.attempt(ctx, entry)
	if err == nil {
		w.settleSuccess(ctx, entry, ref, start)
		return
	}
	if ctx.Err() != nil {
		// Shutting down: abandon the lease, the sweeper redelivers.
		w.logger.Debug("abandoning lease on shutdown", log.Uint64("seq", entry.Sequence))
		return
	}
	w.settleFailure(ctx, entry, task.AsFailure(err), start)
}

// attempt runs one download-and-store pass. Panics surface as system
// failures so a misbehaving backend cannot kill the worker.
func (w *Worker) attempt(ctx context.Context, entry *queue.Entry) (ref *store.UploadedRef, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = task.SystemFailure(fmt.Sprintf("pipeline panic: %v", r), nil)
			w.logger.Error("pipeline panicked",
				log.Uint64("seq", entry.Sequence), log.Str("panic", fmt.Sprint(r)))
		}
	}()

	if w.cfg.Limiter != nil {
		if err := w.cfg.Limiter.Wait(ctx); err != nil {
			return nil, task.SystemFailure("rate limiter wait", err)
		}
	}

	t := entry.Task
	res, err := w.download(ctx, t)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	metadata := map[string]string{}
	if t.StorageHint != nil {
		for k, v := range t.StorageHint.Metadata {
			metadata[k] = v
		}
	}
	if res.ContentType != "" {
		metadata["content-type"] = res.ContentType
	}
	return w.cfg.Uploader.Upload(ctx, res.Body, destinationFor(t), metadata)
}

// download walks the task's proxy plan tier by tier. A retryable
// failure moves to the next endpoint within the same delivery attempt;
// a non-retryable one aborts the walk.
func (w *Worker) download(ctx context.Context, t *task.Task) (*fetch.Result, error) {
	headers := task.MergeHeaders(w.cfg.DefaultHeaders, t.Headers)
	endpoints, pf := w.endpointsFor(t)
	if pf != nil {
		return nil, pf
	}
	var lastFailure *task.Failure
	for i, ep := range endpoints {
		if err := ctx.Err(); err != nil {
			return nil, task.SystemFailure("download canceled", err)
		}
		if i > 0 && w.cfg.Metrics != nil {
			w.cfg.Metrics.ProxyFailover()
		}
		res, err := w.cfg.Downloader.Fetch(ctx, t.URL, headers, ep)
		if err == nil {
			return res, nil
		}
		f := task.AsFailure(err)
		if !f.Retryable || f.Phase != task.PhaseDownload {
			return nil, f
		}
		w.logger.Debug("endpoint failed, trying next",
			log.Str("task_id", t.ID), log.Str("endpoint", ep.String()), log.Str("code", string(f.Code)))
		lastFailure = f
	}
	// Every endpoint failed retryably; keep the last classification so
	// the retry decision and any dead-letter record reflect the real
	// failure rather than the fact that a walk happened.
	w.logger.Debug("all endpoints failed",
		log.Str("task_id", t.ID), log.Int("endpoints", len(endpoints)))
	return nil, lastFailure
}

// endpointsFor flattens the task's pool (or the default) into an
// ordered endpoint list. A missing pool degrades to a direct
// connection rather than wedging the task forever; a pool that exists
// but resolves to nothing is a config defect and fails the task.
func (w *Worker) endpointsFor(t *task.Task) ([]proxy.Endpoint, *task.Failure) {
	name := t.ProxyHint
	if name == "" {
		name = w.cfg.DefaultPool
	}
	if name == "" || w.cfg.Resolver == nil {
		return []proxy.Endpoint{{}}, nil
	}
	pool, err := w.cfg.Resolver.Resolve(name)
	if err != nil {
		w.logger.Warn("proxy pool unavailable, going direct",
			log.Str("pool", name), log.Err(err))
		return []proxy.Endpoint{{}}, nil
	}
	eps := pool.Endpoints()
	if len(eps) == 0 {
		return nil, task.NewFailure(task.PhaseDownload, task.CodeProxyTiersExhausted, false,
			fmt.Sprintf("pool %q resolves to no endpoints", name))
	}
	return eps, nil
}

// destinationFor derives the object key: the task's storage hint prefix
// when present, otherwise a stable per-job layout.
func destinationFor(t *task.Task) string {
	if t.StorageHint != nil && t.StorageHint.KeyPrefix != "" {
		return t.StorageHint.KeyPrefix + "/" + t.ID
	}
	return fmt.Sprintf("resources/%s/%s", t.JobID, t.ID)
}

func (w *Worker) settleSuccess(ctx context.Context, entry *queue.Entry, ref *store.UploadedRef, start time.Time) {
	if err := w.cfg.Queue.Ack(ctx, entry.Sequence, w.cfg.ID, 0); err != nil {
		// The lease was reclaimed mid-flight; the entry will be
		// redelivered and the object rewritten under the same key.
		w.logger.Warn("ack failed", log.Uint64("seq", entry.Sequence), log.Err(err))
		return
	}
	t := entry.Task
	w.cfg.Ledger.OnTaskCompleted(t.JobID, t.ID, ref.Destination, ref.Size)
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.TaskCompleted()
		w.cfg.Metrics.ObserveTask(time.Since(start), ref.Size)
	}
	w.logger.Info("task completed",
		log.Uint64("seq", entry.Sequence), log.Str("task_id", t.ID),
		log.Str("destination", ref.Destination), log.Int("size", int(ref.Size)))
}

func (w *Worker) settleFailure(ctx context.Context, entry *queue.Entry, f *task.Failure, start time.Time) {
	attempts := entry.Attempts + 1 // including the delivery that just failed
	decision := retry.Decide(f, attempts, w.cfg.Limits, w.rng)
	if w.cfg.Metrics != nil {
		w.cfg.Metrics.ObserveTask(time.Since(start), 0)
	}
	t := entry.Task
	nowMs := time.Now().UnixMilli()
	switch decision.Outcome {
	case retry.OutcomeRetry:
		visibleAfter := nowMs + decision.Delay.Milliseconds()
		if err := w.cfg.Queue.Requeue(ctx, entry.Sequence, w.cfg.ID, visibleAfter, nowMs); err != nil {
			w.logger.Warn("requeue failed", log.Uint64("seq", entry.Sequence), log.Err(err))
			return
		}
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.TaskRetried()
		}
		w.logger.Info("task requeued",
			log.Uint64("seq", entry.Sequence), log.Str("task_id", t.ID),
			log.Str("code", string(f.Code)), log.Int("attempts", int(attempts)),
			log.Dur("backoff", decision.Delay))
	case retry.OutcomeDeadLetter:
		if _, err := w.cfg.Queue.DeadLetter(ctx, entry.Sequence, w.cfg.ID, f.Code, f.Message, nowMs); err != nil {
			w.logger.Warn("dead letter failed", log.Uint64("seq", entry.Sequence), log.Err(err))
			return
		}
		w.cfg.Ledger.OnTaskFailed(t.JobID, t.ID, f.Code, f.Message)
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.TaskDeadLettered(string(f.Code))
		}
		w.logger.Warn("task dead-lettered",
			log.Uint64("seq", entry.Sequence), log.Str("task_id", t.ID),
			log.Str("code", string(f.Code)), log.Int("attempts", int(attempts)))
	}
}
