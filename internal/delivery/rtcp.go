package delivery

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/rtcp"

	"github.com/skypro1111/rtsp-session-core/internal/protocol"
	"github.com/skypro1111/rtsp-session-core/internal/session"
)

// Seconds between the NTP epoch (1900) and the Unix epoch
const ntpEpochOffset = 2208988800

// ByeReason is carried in the soft-teardown notice
const ByeReason = "stream timeout"

// RTCP sends control packets on a session's interleaved RTCP channel
type RTCP struct {
	logger *slog.Logger
	cname  string
	now    func() time.Time
}

// NewRTCP creates the delivery collaborator. cname identifies this server in
// source descriptions.
func NewRTCP(logger *slog.Logger, cname string) *RTCP {
	return &RTCP{
		logger: logger,
		cname:  cname,
		now:    time.Now,
	}
}

// SendSoftNotice queues a sender report followed by a BYE for the session
func (d *RTCP) SendSoftNotice(s *session.Session) error {
	return d.send(s, []rtcp.Packet{
		d.senderReport(s),
		&rtcp.Goodbye{
			Sources: []uint32{s.SSRC},
			Reason:  ByeReason,
		},
	})
}

// SendStatusReport queues a sender report with a CNAME source description
func (d *RTCP) SendStatusReport(s *session.Session) error {
	return d.send(s, []rtcp.Packet{
		d.senderReport(s),
		&rtcp.SourceDescription{
			Chunks: []rtcp.SourceDescriptionChunk{{
				Source: s.SSRC,
				Items: []rtcp.SourceDescriptionItem{{
					Type: rtcp.SDESCNAME,
					Text: d.cname,
				}},
			}},
		},
	})
}

// ReleaseSession drops per-session delivery state when its connection goes away
func (d *RTCP) ReleaseSession(s *session.Session) {
	packets, octets, _ := s.Counters()
	d.logger.Debug("Session released",
		slog.String("session_id", s.ID),
		slog.Uint64("ssrc", uint64(s.SSRC)),
		slog.Uint64("packets_sent", uint64(packets)),
		slog.Uint64("octets_sent", uint64(octets)),
		slog.Duration("duration", d.now().Sub(s.StartTime)),
	)
}

func (d *RTCP) senderReport(s *session.Session) *rtcp.SenderReport {
	packets, octets, rtpTimestamp := s.Counters()
	return &rtcp.SenderReport{
		SSRC:        s.SSRC,
		NTPTime:     ntpTime(d.now()),
		RTPTime:     rtpTimestamp,
		PacketCount: packets,
		OctetCount:  octets,
	}
}

func (d *RTCP) send(s *session.Session, packets []rtcp.Packet) error {
	payload, err := rtcp.Marshal(packets)
	if err != nil {
		return fmt.Errorf("failed to marshal rtcp: %w", err)
	}

	frame, err := protocol.EncodeInterleaved(s.RTCPChannel, payload)
	if err != nil {
		return err
	}

	owner := s.Owner()
	if owner == nil {
		return fmt.Errorf("session %s has no owner", s.ID)
	}
	if err := owner.Enqueue(frame); err != nil {
		return fmt.Errorf("failed to enqueue rtcp for session %s: %w", s.ID, err)
	}
	return nil
}

// ntpTime converts t to the 64-bit NTP timestamp format
func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return secs<<32 | frac
}
