package serverrun

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/oiwn/FetchBox/internal/config"
	"github.com/oiwn/FetchBox/internal/runtime"
	httpserver "github.com/oiwn/FetchBox/internal/server/http"
	logpkg "github.com/oiwn/FetchBox/pkg/log"
)

// Options for a server run.
type Options struct {
	HTTPAddr string
	Config   cfgpkg.Config
}

// Run starts the pipeline and the HTTP server and blocks until ctx is
// cancelled or a termination signal arrives.
func Run(ctx context.Context, opts Options) error {
	// Be robust to callers that don't pass a signal-aware context.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	procLogger, err := logpkg.ApplyConfig(&logpkg.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		procLogger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	}

	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	rt, err := runtime.Open(cfg, procLogger)
	if err != nil {
		return err
	}
	defer rt.Close()

	addr := opts.HTTPAddr
	if addr == "" {
		addr = cfg.HTTPListen
	}
	procLogger.Info("starting fetchbox server",
		logpkg.Str("http", addr),
		logpkg.Str("queue", cfg.Queue.Name),
		logpkg.Int("workers", cfg.Workers.Count),
		logpkg.Str("storage", cfg.Storage.Backend),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
	)

	rt.Start(sctx)

	hsrv := httpserver.New(rt)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, addr); err != nil && sctx.Err() == nil {
			procLogger.Error("http server", logpkg.Err(err))
		}
	}()

	<-sctx.Done()
	// Shut the server down before closing the runtime/DB to avoid races.
	hsrv.Close()
	wg.Wait()
	return nil
}
