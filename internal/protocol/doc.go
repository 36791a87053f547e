// Package protocol splits the inbound byte stream of a control connection
// into RTSP messages and '$'-interleaved binary frames, and provides the
// default responder used when no method handling is plugged in.
package protocol
