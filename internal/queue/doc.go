// Package queue implements the durable task queue with lease-based delivery.
//
// Every task accepted by the broker becomes a queue entry with a
// monotonically increasing sequence number that is never reused, even across
// restarts (the counter is persisted). Entries move through
//
//	Pending -> Leased -> {Completed | Pending (requeued) | DeadLettered}
//
// where Completed and DeadLettered are terminal. A lease is a temporary
// exclusive claim by one worker with an expiry; expired leases are reclaimed
// by the startup scan and the background sweeper, which makes crash recovery
// and stalled-worker recovery the same operation.
//
// # Keyspace
//
// All keys are prefixed with q/{name}/:
//
//	meta                      - lastSeq (8B BE) | activeCount (4B BE)
//	entry/{seq}               - encoded entry (JSON + crc32c trailer)
//	ready_idx/{seq}           - Pending entries visible now, ordered by sequence
//	delay_idx/{visible_ms}/{seq} - Pending entries waiting out a backoff
//	lease_idx/{expires_ms}/{seq} - Leased entries, ordered by lease expiry
//	done_idx/{done_ms}/{seq}  - terminal entries, ordered for retention pruning
//
// Due delay_idx entries are promoted into ready_idx before each lease scan,
// so LeaseNext always hands out the lowest eligible sequence.
//
// # Atomicity
//
// Each state transition commits one Pebble batch. Dead-lettering writes the
// queue-side terminal mark and the dead-letter record in the same batch, so a
// crash can never lose a task between queue and DLQ.
//
// Delivery is at-least-once: a worker crash after processing but before Ack
// results in redelivery without an attempt increment, since the worker never
// reported an outcome for that cycle.
package queue
