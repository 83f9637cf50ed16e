// Package transport provides the per-worker channels the cluster cache runs
// on. A Channel carries protocol messages in both directions between one
// worker and the primary.
//
// Implementations: an in-process pipe for tests and single-binary setups, a
// length-prefixed stream for stdio pipes and unix sockets, NATS subjects,
// Redis pub/sub, Kafka topics and WebSocket connections. CircuitBreakerChannel
// decorates any of them.
package transport
