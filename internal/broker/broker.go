// Package broker moves leased entries from the durable queue into
// per-worker inboxes. Inboxes are bounded channels sized to the
// in-flight budget, and the dispatcher only leases an entry after it
// has reserved a slot, so backpressure reaches the queue instead of
// piling entries up in memory.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/oiwn/FetchBox/pkg/log"

	"github.com/oiwn/FetchBox/internal/metrics"
	"github.com/oiwn/FetchBox/internal/queue"
	"github.com/oiwn/FetchBox/internal/task"
	"github.com/oiwn/FetchBox/internal/worker"
)

// Config wires the broker.
type Config struct {
	Queue   *queue.Queue
	Workers []*worker.Worker
	// InboxCapacity bounds in-flight entries per worker; zero means 4.
	InboxCapacity int
	// PollInterval bounds how long dispatch sleeps when nothing wakes
	// it; zero means 500ms.
	PollInterval time.Duration
	// StatsInterval spaces queue depth gauge refreshes; zero means 10s.
	StatsInterval time.Duration
	Metrics       *metrics.Metrics
	Logger        log.Logger
}

// Broker owns the dispatch loop and the worker goroutines.
type Broker struct {
	cfg     Config
	logger  log.Logger
	inboxes []chan *queue.Entry
	ids     []string

	mu             sync.Mutex
	dispatchCancel context.CancelFunc
	workCancel     context.CancelFunc
	dispatchDone   chan struct{}
	workerWG       sync.WaitGroup
	started        bool
	stopped        bool
}

// New builds a broker over the given workers.
func New(cfg Config) *Broker {
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger()
	}
	b := &Broker{
		cfg:    cfg,
		logger: logger.With(log.Component("broker")),
	}
	for _, w := range cfg.Workers {
		b.inboxes = append(b.inboxes, make(chan *queue.Entry, cfg.InboxCapacity))
		b.ids = append(b.ids, w.ID())
	}
	return b
}

// Enqueue submits a task. ErrQueueFull surfaces to the producer.
func (b *Broker) Enqueue(ctx context.Context, t *task.Task) (uint64, error) {
	seq, err := b.cfg.Queue.Enqueue(ctx, t, 0)
	if err != nil {
		return 0, err
	}
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.TaskEnqueued()
	}
	return seq, nil
}

// Start launches the workers and the dispatch loop. Workers run on
// their own context so stopping dispatch does not abort tasks already
// mid-pipeline; Shutdown force-cancels them only after the grace period.
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	dispatchCtx, dispatchCancel := context.WithCancel(ctx)
	workCtx, workCancel := context.WithCancel(context.Background())
	b.dispatchCancel = dispatchCancel
	b.workCancel = workCancel
	b.dispatchDone = make(chan struct{})

	for i, w := range b.cfg.Workers {
		inbox := b.inboxes[i]
		b.workerWG.Add(1)
		go func(w *worker.Worker) {
			defer b.workerWG.Done()
			w.Run(workCtx, inbox)
		}(w)
	}
	go func() {
		defer close(b.dispatchDone)
		b.dispatch(dispatchCtx)
	}()
	b.logger.Info("broker started",
		log.Int("workers", len(b.cfg.Workers)), log.Int("inbox_capacity", b.cfg.InboxCapacity))
}

// dispatch fills worker inboxes round-robin. It leases only when a slot
// is free, and goes back to sleep once the queue has nothing eligible.
func (b *Broker) dispatch(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	statsTicker := time.NewTicker(b.cfg.StatsInterval)
	defer statsTicker.Stop()
	next := 0
	for {
		b.fill(ctx, &next)
		select {
		case <-ctx.Done():
			return
		case <-b.cfg.Queue.Notify():
		case <-ticker.C:
		case <-statsTicker.C:
			b.publishStats(ctx)
		}
	}
}

// fill assigns eligible entries until the queue runs dry or every inbox
// is full. next persists the round-robin cursor across calls so one
// busy worker cannot starve the rest.
func (b *Broker) fill(ctx context.Context, next *int) {
	n := len(b.inboxes)
	if n == 0 {
		return
	}
	skipped := 0
	for skipped < n {
		if ctx.Err() != nil {
			return
		}
		i := *next % n
		*next = (*next + 1) % n
		inbox := b.inboxes[i]
		if len(inbox) >= cap(inbox) {
			skipped++
			continue
		}
		entry, err := b.cfg.Queue.LeaseNext(ctx, b.ids[i], 0)
		if err != nil {
			b.logger.Error("lease failed", log.Err(err))
			return
		}
		if entry == nil {
			return
		}
		select {
		case inbox <- entry:
			skipped = 0
		case <-ctx.Done():
			// Entry stays leased; the sweeper reclaims it.
			return
		}
	}
}

func (b *Broker) publishStats(ctx context.Context) {
	if b.cfg.Metrics == nil {
		return
	}
	st, err := b.cfg.Queue.Stats(ctx)
	if err != nil {
		b.logger.Warn("queue stats failed", log.Err(err))
		return
	}
	b.cfg.Metrics.SetQueueDepth(st.Pending, st.Leased)
}

// Shutdown stops dispatching, closes the inboxes, and waits up to grace
// for in-flight work to settle. Workers keep their own context, so a
// task mid-download finishes and acks normally; only entries still
// unsettled when the grace period expires are force-cancelled and left
// to lease expiry.
func (b *Broker) Shutdown(grace time.Duration) {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	dispatchCancel := b.dispatchCancel
	workCancel := b.workCancel
	dispatchDone := b.dispatchDone
	b.mu.Unlock()

	// Stop the dispatcher first; only then is it safe to close the
	// inboxes it was sending on.
	dispatchCancel()
	<-dispatchDone
	for _, inbox := range b.inboxes {
		close(inbox)
	}

	done := make(chan struct{})
	go func() {
		b.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("broker stopped")
	case <-time.After(grace):
		b.logger.Warn("broker shutdown grace expired, abandoning leases")
		workCancel()
		<-done
	}
	workCancel()
}
