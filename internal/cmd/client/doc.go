// Package client provides the `fetchbox` command-line client.
//
// The CLI talks to the FetchBox HTTP API to submit download tasks and
// inspect the queue, dead-letter store, and job ledger from a terminal.
// It is primarily intended for developers and operators.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it is
// read from FETCHBOX_HTTP (default http://127.0.0.1:8080).
//
// Usage
//
//	fetchbox task enqueue \
//	    --job crawl-2026-08 \
//	    --url https://example.com/images/a.jpg \
//	    --proxy-pool residential \
//	    --header Referer=https://example.com
//
//	fetchbox task submit --manifest job.json
//
//	fetchbox queue stats
//
//	fetchbox dlq list --filter 'code == "download_timeout" && attempts >= 3'
//	fetchbox dlq replay --seq 42
//	fetchbox dlq delete --seq 42
//
//	fetchbox job show --id crawl-2026-08 --history 20
package client
