// Package server implements the TCP connection acceptor with its admission
// cap, optional process-per-connection isolation, and the admin HTTP API.
package server
