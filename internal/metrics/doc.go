// Package metrics exposes Prometheus metrics for connections, liveness
// sweeps, worker processes and the admin HTTP API.
package metrics
