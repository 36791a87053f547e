package session

import (
	"sync"
	"time"
)

// SourceKind distinguishes live producers from stored (on-demand) media
type SourceKind int

const (
	SourceStored SourceKind = iota
	SourceLive
)

// String returns the source kind name used in logs and the admin API
func (k SourceKind) String() string {
	switch k {
	case SourceLive:
		return "live"
	case SourceStored:
		return "stored"
	default:
		return "unknown"
	}
}

// Owner is the connection a session delivers through. Sessions never own it.
type Owner interface {
	ID() string
	Enqueue(msg []byte) error
}

// Params describes a delivery stream as established by the protocol layer
type Params struct {
	ID          string
	SSRC        uint32
	Source      SourceKind
	RTPChannel  uint8 // interleaved channel for media
	RTCPChannel uint8 // interleaved channel for control reports
}

// Session represents one active media delivery to a client
type Session struct {
	ID          string
	SSRC        uint32
	Source      SourceKind
	RTPChannel  uint8
	RTCPChannel uint8
	StartTime   time.Time

	owner Owner

	mu              sync.RWMutex
	lastPacketSend  time.Time
	lastControlRead time.Time
	noticeSent      bool
	packetsSent     uint32
	octetsSent      uint32
	rtpTimestamp    uint32
}

// New creates a session whose activity clocks start at now
func New(p Params, owner Owner, now time.Time) *Session {
	return &Session{
		ID:              p.ID,
		SSRC:            p.SSRC,
		Source:          p.Source,
		RTPChannel:      p.RTPChannel,
		RTCPChannel:     p.RTCPChannel,
		StartTime:       now,
		owner:           owner,
		lastPacketSend:  now,
		lastControlRead: now,
	}
}

// Owner returns the connection this session delivers through
func (s *Session) Owner() Owner {
	return s.owner
}

// MarkPacketSent records delivery of one data unit. A fresh packet clears any
// pending soft-teardown notice, so a stalled live source that resumes can be
// warned again later.
func (s *Session) MarkPacketSent(now time.Time, size int, rtpTimestamp uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastPacketSend = now
	s.packetsSent++
	s.octetsSent += uint32(size)
	s.rtpTimestamp = rtpTimestamp
	s.noticeSent = false
}

// TouchControlRead records a liveness acknowledgment from the peer
func (s *Session) TouchControlRead(now time.Time) {
	s.mu.Lock()
	s.lastControlRead = now
	s.mu.Unlock()
}

// MarkNoticeSent sets the notice flag and reports whether it was newly set
func (s *Session) MarkNoticeSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.noticeSent {
		return false
	}
	s.noticeSent = true
	return true
}

// NoticeSent reports whether a soft-teardown notice is outstanding
func (s *Session) NoticeSent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.noticeSent
}

// LastPacketSend returns the time the last data unit was delivered
func (s *Session) LastPacketSend() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPacketSend
}

// LastControlRead returns the time of the last peer acknowledgment
func (s *Session) LastControlRead() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastControlRead
}

// Counters returns packet count, octet count and last RTP timestamp for sender reports
func (s *Session) Counters() (packets, octets, rtpTimestamp uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.packetsSent, s.octetsSent, s.rtpTimestamp
}

// Info returns a snapshot for monitoring
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Info{
		ID:              s.ID,
		SSRC:            s.SSRC,
		Source:          s.Source.String(),
		RTPChannel:      s.RTPChannel,
		RTCPChannel:     s.RTCPChannel,
		StartTime:       s.StartTime,
		LastPacketSend:  s.lastPacketSend,
		LastControlRead: s.lastControlRead,
		NoticeSent:      s.noticeSent,
		PacketsSent:     s.packetsSent,
		OctetsSent:      s.octetsSent,
	}
}

// Info represents session information for monitoring
type Info struct {
	ID              string    `json:"id"`
	SSRC            uint32    `json:"ssrc"`
	Source          string    `json:"source"`
	RTPChannel      uint8     `json:"rtp_channel"`
	RTCPChannel     uint8     `json:"rtcp_channel"`
	StartTime       time.Time `json:"start_time"`
	LastPacketSend  time.Time `json:"last_packet_send"`
	LastControlRead time.Time `json:"last_control_read"`
	NoticeSent      bool      `json:"notice_sent"`
	PacketsSent     uint32    `json:"packets_sent"`
	OctetsSent      uint32    `json:"octets_sent"`
}
