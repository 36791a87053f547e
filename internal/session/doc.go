// Package session provides the per-connection registry of media delivery sessions.
// It tracks source kind, last packet and control-report times and the soft-teardown
// notice flag that the liveness monitor reads and writes.
package session
