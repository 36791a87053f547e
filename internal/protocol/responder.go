package protocol

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pion/rtcp"

	"github.com/skypro1111/rtsp-session-core/internal/conn"
)

// ServerName is sent in the Server header of every response
const ServerName = "rtsp-core"

// Response renders a status-only response echoing cseq
func Response(code int, cseq string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s\r\n", Version, code, http.StatusText(code))
	if cseq != "" {
		fmt.Fprintf(&b, "CSeq: %s\r\n", cseq)
	}
	fmt.Fprintf(&b, "Server: %s\r\n", ServerName)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Responder is the default inbound handler. It answers every request with
// 501 Not Implemented and feeds RTCP receiver reports into session liveness.
type Responder struct {
	logger  *slog.Logger
	maxSize int
	now     func() time.Time
}

// NewResponder creates a responder. maxSize bounds a single frame.
func NewResponder(logger *slog.Logger, maxSize int) *Responder {
	return &Responder{
		logger:  logger,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// HandleInput consumes every complete frame in the buffer
func (r *Responder) HandleInput(c *conn.Conn, in *bytes.Buffer) error {
	for {
		frame, n, err := NextFrame(in.Bytes(), r.maxSize)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		switch frame.Kind {
		case FrameInterleaved:
			r.handleInterleaved(c, frame)
		case FrameMessage:
			if err := r.handleMessage(c, frame.Message); err != nil {
				return err
			}
		}
		in.Next(n)
	}
}

func (r *Responder) handleMessage(c *conn.Conn, msg *Message) error {
	if msg.IsResponse() {
		r.logger.Debug("Ignoring response from peer",
			slog.String("conn_id", c.ID()),
			slog.String("status", msg.StartLine),
		)
		return nil
	}

	code := http.StatusNotImplemented
	parts := strings.Fields(msg.StartLine)
	if len(parts) != 3 || parts[2] != Version || msg.CSeq() == "" {
		code = http.StatusBadRequest
	}

	r.logger.Debug("Request",
		slog.String("conn_id", c.ID()),
		slog.String("method", msg.Method()),
		slog.String("cseq", msg.CSeq()),
		slog.Int("status", code),
	)

	return c.Enqueue(Response(code, msg.CSeq()))
}

func (r *Responder) handleInterleaved(c *conn.Conn, frame Frame) {
	s, ok := c.Registry().FindByChannel(frame.Channel)
	if !ok || frame.Channel != s.RTCPChannel {
		return
	}

	packets, err := rtcp.Unmarshal(frame.Payload)
	if err != nil {
		r.logger.Debug("Invalid RTCP from peer",
			slog.String("conn_id", c.ID()),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, p := range packets {
		if _, ok := p.(*rtcp.ReceiverReport); ok {
			s.TouchControlRead(r.now())
			return
		}
	}
}
