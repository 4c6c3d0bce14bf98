// Package pebblestore wraps a Pebble database with the durability policy and
// small helpers shared by the queue, dead-letter, and ledger keyspaces.
//
// All multi-key state transitions in FetchBox go through a single Pebble
// batch committed with the configured fsync mode; a batch commit is the unit
// of atomicity the queue invariants rely on.
package pebblestore
