// Package realtime provides a client-side engine for maintaining a
// long-lived, multiplexed channel to a remote server. It supports two
// protocol bindings built on one shared core: a message-bus binding
// with publish/subscribe and request/acknowledgement semantics
// (pkg/realtime/bus), and a record-change binding receiving push
// notifications over a persistent line-oriented stream
// (pkg/realtime/stream).
//
// The shared core keeps many independent logical subscriptions alive
// across an unreliable, reconnecting physical connection: connection
// lifecycle management lives in pkg/realtime/engine, reconnect delays
// in pkg/realtime/backoff, topic reference counting in
// pkg/realtime/registry, request/ack correlation in
// pkg/realtime/pending, and the wire formats in pkg/realtime/wire.
package realtime
