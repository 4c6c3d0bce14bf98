package runtime

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/oiwn/FetchBox/pkg/log"

	"github.com/oiwn/FetchBox/internal/broker"
	cfgpkg "github.com/oiwn/FetchBox/internal/config"
	"github.com/oiwn/FetchBox/internal/dlq"
	"github.com/oiwn/FetchBox/internal/fetch"
	"github.com/oiwn/FetchBox/internal/ledger"
	"github.com/oiwn/FetchBox/internal/metrics"
	"github.com/oiwn/FetchBox/internal/proxy"
	"github.com/oiwn/FetchBox/internal/queue"
	"github.com/oiwn/FetchBox/internal/retry"
	pebblestore "github.com/oiwn/FetchBox/internal/storage/pebble"
	"github.com/oiwn/FetchBox/internal/store"
	"github.com/oiwn/FetchBox/internal/task"
	"github.com/oiwn/FetchBox/internal/worker"
)

// Runtime wires storage, queue, workers, and facades for a single-node
// instance.
type Runtime struct {
	db       *pebblestore.DB
	config   cfgpkg.Config
	logger   log.Logger
	metrics  *metrics.Metrics
	queue    *queue.Queue
	dlq      *dlq.Store
	ledger   *ledger.Store
	resolver *proxy.Resolver
	broker   *broker.Broker
}

// Open initializes storage and builds the full pipeline. The broker is
// constructed but not started; call Start.
func Open(cfg cfgpkg.Config, logger log.Logger) (*Runtime, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = cfgpkg.DefaultDataDir()
	}
	m := metrics.New()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       dataDir,
		Fsync:         fsyncMode(cfg.FsyncMode),
		FsyncInterval: cfg.FsyncInterval.Std(),
		Metrics:       m,
	})
	if err != nil {
		return nil, err
	}

	dl := dlq.NewStore(db, cfg.Queue.Name, logger)
	q, err := queue.Open(db, cfg.Queue.Name, queue.Options{
		Capacity:  cfg.Queue.Capacity,
		LeaseTTL:  cfg.Queue.LeaseTTL.Std(),
		Retention: cfg.Queue.Retention.Std(),
		OnReclaim: m.TasksReclaimed,
	}, dl, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	led := ledger.NewStore(db, logger)
	resolver := proxy.NewResolver(cfg.Proxy, logger)
	uploader, err := buildUploader(cfg.Storage)
	if err != nil {
		db.Close()
		return nil, err
	}
	downloader := fetch.NewHTTPDownloader(fetch.Options{
		Timeout:   cfg.Workers.FetchTimeout.Std(),
		UserAgent: cfg.Workers.UserAgent,
	})
	limits := retry.Limits{
		DownloadRetryLimit: cfg.Workers.DownloadRetryLimit,
		UploadRetryLimit:   cfg.Workers.UploadRetryLimit,
		BaseBackoff:        cfg.Workers.BaseBackoff.Std(),
		MaxBackoff:         cfg.Workers.MaxBackoff.Std(),
	}
	var defaultHeaders []task.Header
	for name, value := range cfg.Workers.Headers {
		defaultHeaders = append(defaultHeaders, task.Header{Name: name, Value: value})
	}

	var workers []*worker.Worker
	for i := 0; i < workerCount(cfg.Workers.Count); i++ {
		var limiter *rate.Limiter
		if cfg.Workers.RatePerSecond > 0 {
			burst := cfg.Workers.RateBurst
			if burst <= 0 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(cfg.Workers.RatePerSecond), burst)
		}
		workers = append(workers, worker.New(worker.Config{
			ID:             fmt.Sprintf("worker-%d", i),
			Queue:          q,
			Resolver:       resolver,
			Downloader:     downloader,
			Uploader:       uploader,
			Ledger:         led,
			Limiter:        limiter,
			Limits:         limits,
			DefaultHeaders: defaultHeaders,
			DefaultPool:    cfg.Workers.DefaultPool,
			Metrics:        m,
			Logger:         logger,
		}))
	}

	b := broker.New(broker.Config{
		Queue:         q,
		Workers:       workers,
		InboxCapacity: cfg.Workers.InboxCapacity,
		Metrics:       m,
		Logger:        logger,
	})

	return &Runtime{
		db:       db,
		config:   cfg,
		logger:   logger,
		metrics:  m,
		queue:    q,
		dlq:      dl,
		ledger:   led,
		resolver: resolver,
		broker:   b,
	}, nil
}

// Start launches the broker, workers, and the queue sweeper.
func (r *Runtime) Start(ctx context.Context) {
	r.queue.StartSweeper(r.config.Queue.SweepInterval.Std(), 256)
	r.broker.Start(ctx)
}

// Close stops the pipeline and the underlying storage.
func (r *Runtime) Close() error {
	if r.broker != nil {
		r.broker.Shutdown(r.config.Queue.LeaseTTL.Std())
	}
	if r.queue != nil {
		r.queue.StopSweeper()
	}
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple health check.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// Enqueue submits a task through the broker.
func (r *Runtime) Enqueue(ctx context.Context, t *task.Task) (uint64, error) {
	return r.broker.Enqueue(ctx, t)
}

// Queue exposes the durable queue.
func (r *Runtime) Queue() *queue.Queue { return r.queue }

// DLQ exposes the dead-letter store.
func (r *Runtime) DLQ() *dlq.Store { return r.dlq }

// Ledger exposes the per-job outcome ledger.
func (r *Runtime) Ledger() *ledger.Store { return r.ledger }

// Resolver exposes the proxy pool resolver.
func (r *Runtime) Resolver() *proxy.Resolver { return r.resolver }

// Metrics exposes the Prometheus collectors.
func (r *Runtime) Metrics() *metrics.Metrics { return r.metrics }

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

func fsyncMode(s string) pebblestore.FsyncMode {
	switch s {
	case "interval":
		return pebblestore.FsyncModeInterval
	case "never":
		return pebblestore.FsyncModeNever
	default:
		return pebblestore.FsyncModeAlways
	}
}

func workerCount(n int) int {
	if n <= 0 {
		return 4
	}
	return n
}

func buildUploader(cfg cfgpkg.StorageConfig) (store.Uploader, error) {
	switch cfg.Backend {
	case "", "fs":
		root := cfg.Root
		if root == "" {
			root = "./objects"
		}
		return store.NewFSUploader(root)
	case "memory":
		return store.NewMemoryUploader(), nil
	default:
		return nil, fmt.Errorf("runtime: unknown storage backend %q", cfg.Backend)
	}
}
