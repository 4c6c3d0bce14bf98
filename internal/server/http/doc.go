// Package httpserver provides the REST surface for FetchBox: task
// ingest, queue stats, dead-letter inspection and replay, job ledger
// lookups, proxy pool reload, and the Prometheus scrape endpoint.
//
// Example:
//
//	rt, _ := runtime.Open(config.Default(), nil)
//	s := httpserver.New(rt)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
