// Package communicator wires the runtime together. A Communicator owns the
// transport registry, the outgoing connection factory, the invoker with its
// retry queue and the object adapters created through it.
//
// Shutdown Order:
//
//	Destroy deactivates all adapters in parallel, then drains the retry
//	queue and finally closes the outgoing connections gracefully. Failures of
//	the stages are aggregated into one error.
//
// Collocation:
//
//	With Config.CollocationOptimized set, proxies whose endpoints belong to
//	an active adapter of the same communicator are dispatched directly,
//	without a connection.
package communicator
