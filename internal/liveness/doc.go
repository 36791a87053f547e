// Package liveness classifies media sessions as healthy, soft-timed-out or
// hard-timed-out. Two policies are available: standard (soft BYE notice on idle
// live sources, hard kick after the long threshold) and heartbeat (periodic
// status reports with an optional dead-peer check on control reads).
package liveness
