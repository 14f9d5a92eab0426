// Package collab implements the lifecycle managed CRDT container at the
// center of the runtime: a Collab owns one replicated document, an origin
// for all locally authored mutations, and an ordered plugin pipeline that
// persists and synchronizes every committed update.
//
// Logging convention in this package and generally for collab runtime
// components:
// Info:
//     essential events for abnormal behavior. This level should be silent
//     on normal operation, with the exception of one time (infrequent)
//     initialization data that is useful for monitoring. this includes:
//     - persistence backpressure and retry exhaustion
//     - abnormal plugin exits
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial
//       operation (degraded plugins)
// V(1)/V(2):
//     key events for trace debugging and statistics
//     this includes:
//     - key lifecycle events with object ids that can be used to filter
//     - frequent events - e.g. commit, append, send, ack, broadcast
package collab
