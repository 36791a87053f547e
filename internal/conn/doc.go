// Package conn implements the per-client Connection Object: one actor goroutine
// owns the socket, the inbound buffer, the outbound FIFO and the session
// registry, and runs the single teardown path for all of them.
package conn
