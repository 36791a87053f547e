// Package worker runs connections in isolated child processes. The parent
// reserves a slot and an RTP/RTCP port pair per child, spawns the child with
// the accepted socket, and reclaims the slot by polling for exited children
// without blocking.
package worker
