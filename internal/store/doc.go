// Package store provides SQLite-backed durable storage for argument-graph
// documents.
//
// The store keeps, per document:
//   - Updates: an append-only log of binary document updates
//   - Snapshots: the merged state of a compacted log prefix
//   - Mindchange: per-edge belief-change statistics
//   - Meta: server-side key/value metadata mirrored into the document
//
// # Ordering
//
// Every update receives a per-document seq one greater than the highest seq
// the document has ever had, including seqs folded into its snapshot. All
// reads use ORDER BY seq ASC, id COLLATE BINARY ASC.
//
// Loading merges the snapshot and the remaining updates into one update, so
// callers never see the log's shape. Merging is order-insensitive because
// document updates are commutative.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
