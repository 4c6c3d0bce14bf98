// Package runtime wires storage, config, and the pipeline into a
// single-node FetchBox instance. It exposes Open/Start/Close, basic
// health checks, and facades over the queue, dead-letter store, and
// job ledger used by the HTTP server and CLI.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(cfg, nil)
//	defer rt.Close()
//	rt.Start(context.Background())
//	_, _ = rt.Enqueue(context.Background(), &task.Task{ID: "r1", JobID: "j", URL: "https://example.com/r1"})
package runtime
