package conn

import "github.com/skypro1111/rtsp-session-core/internal/liveness"

// Event is the kind of stimulus the connection actor reacts to
type Event int

const (
	Readable Event = iota
	Writable
	TimerFired
	TeardownRequested
)

// String returns the event name
func (e Event) String() string {
	switch e {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case TimerFired:
		return "timer_fired"
	case TeardownRequested:
		return "teardown_requested"
	default:
		return "unknown"
	}
}

// Reason records why a connection was torn down
type Reason string

const (
	ReasonPeerClosed     Reason = "peer_closed"
	ReasonReadError      Reason = "read_error"
	ReasonWriteError     Reason = "write_error"
	ReasonProtocolError  Reason = "protocol_error"
	ReasonStreamTimeout  Reason = "stream_timeout"
	ReasonHeartbeatLost  Reason = "heartbeat_lost"
	ReasonAdminKick      Reason = "admin_kick"
	ReasonServerShutdown Reason = "server_shutdown"
)

// Reasons lists every teardown reason
func Reasons() []Reason {
	return []Reason{
		ReasonPeerClosed,
		ReasonReadError,
		ReasonWriteError,
		ReasonProtocolError,
		ReasonStreamTimeout,
		ReasonHeartbeatLost,
		ReasonAdminKick,
		ReasonServerShutdown,
	}
}

// ReasonFromCause maps a liveness cause to a teardown reason
func ReasonFromCause(c liveness.Cause) Reason {
	if c == liveness.CauseHeartbeatLost {
		return ReasonHeartbeatLost
	}
	return ReasonStreamTimeout
}

// event is one tagged delivery to the actor loop
type event struct {
	kind   Event
	data   []byte
	err    error
	reason Reason
}
