// Package storage persists the dedup tracker: for every (platform, shard)
// pair, the set of entity ids observed in the most recently processed
// snapshot.
//
// A commit replaces the stored set for its key; it never merges. That keeps
// each key bounded to one snapshot's worth of ids.
//
// Drivers:
//   - "memory": process-local map (tests, dry runs)
//   - "file":   JSON snapshot + append-only JSON Lines journal, compacted
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "redis":  one key per platform+shard holding a JSON array
package storage
