// Package util provides small concurrency and data structure helpers shared by
// the RPC runtime.
//
// The package contains:
//   - mapheap: a keyed min-heap used to schedule timers by deadline while still
//     allowing O(1) lookup and O(log n) removal by key (retry queue)
//   - lockfreempsc: a lock-free multi-producer single-consumer queue used to hand
//     peer-initiated streams from a connection's reader loop to the accept side
//   - functions: hashing helpers used to build cache keys for connectors
package util
