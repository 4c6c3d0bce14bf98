package queue

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes for queue data structures
const (
	prefixEntry    = "entry/"     // Entry records
	prefixReady    = "ready_idx/" // Pending entries visible now
	prefixDelay    = "delay_idx/" // Pending entries waiting for visibility
	prefixLeaseIdx = "lease_idx/" // Lease expiry index
	prefixDoneIdx  = "done_idx/"  // Terminal entries for retention pruning
)

// queuePrefix returns the base prefix for a queue.
// Format: q/{name}/
func queuePrefix(name string) string {
	return fmt.Sprintf("q/%s/", name)
}

// metaKey returns the queue metadata key.
// Format: q/{name}/meta
func metaKey(name string) []byte {
	return []byte(queuePrefix(name) + "meta")
}

// entryKey returns the key for an entry record.
// Format: q/{name}/entry/{seq}
func entryKey(name string, seq uint64) []byte {
	prefix := queuePrefix(name) + prefixEntry
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// readyKey returns the ready index key.
// Format: q/{name}/ready_idx/{seq}
// Lower sequences sort first, so a scan yields oldest work first.
func readyKey(name string, seq uint64) []byte {
	prefix := queuePrefix(name) + prefixReady
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// delayKey returns the delay index key.
// Format: q/{name}/delay_idx/{visible_after_ms}/{seq}
func delayKey(name string, visibleAfterMs int64, seq uint64) []byte {
	prefix := queuePrefix(name) + prefixDelay
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(visibleAfterMs))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}

// leaseIdxKey returns the lease expiry index key.
// Format: q/{name}/lease_idx/{expires_ms}/{seq}
func leaseIdxKey(name string, expiresMs int64, seq uint64) []byte {
	prefix := queuePrefix(name) + prefixLeaseIdx
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(expiresMs))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}

// doneIdxKey returns the terminal-entry retention index key.
// Format: q/{name}/done_idx/{done_ms}/{seq}
func doneIdxKey(name string, doneMs int64, seq uint64) []byte {
	prefix := queuePrefix(name) + prefixDoneIdx
	key := make([]byte, len(prefix)+16)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(doneMs))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}

func readyPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixReady)
}

func delayPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixDelay)
}

func leaseIdxPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixLeaseIdx)
}

func doneIdxPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixDoneIdx)
}

func entryPrefix(name string) []byte {
	return []byte(queuePrefix(name) + prefixEntry)
}

// seqFromIndexKey extracts the trailing 8-byte sequence from an index key.
func seqFromIndexKey(key []byte) (uint64, bool) {
	if len(key) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), true
}

// msFromIndexKey extracts the millisecond timestamp that follows prefix in a
// time-ordered index key ({ms}/{seq} layout).
func msFromIndexKey(key, prefix []byte) (int64, bool) {
	if len(key) < len(prefix)+16 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8])), true
}
