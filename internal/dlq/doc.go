// Package dlq stores dead-lettered tasks for inspection and replay.
//
// Records live under q/{queue}/dlq/{seq} where seq is the big-endian
// queue sequence of the failed entry, so listing returns records in
// failure order. Appends happen inside the queue's own commit batch,
// which makes the terminal transition and the dead-letter record a
// single atomic write.
package dlq
