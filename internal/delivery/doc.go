// Package delivery is the default media-delivery collaborator. It builds RTCP
// control packets for a session and queues them as interleaved frames on the
// connection that owns the session.
package delivery
