package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/textproto"
	"strconv"
	"strings"
)

// Protocol constants
const (
	InterleavedMagic      = 0x24 // '$'
	InterleavedHeaderSize = 4    // magic + channel + 2-byte length
	MaxInterleavedPayload = 0xFFFF

	Version = "RTSP/1.0"
)

var (
	// ErrFrameTooLarge is returned when a frame cannot fit in the input limit
	ErrFrameTooLarge = errors.New("frame exceeds maximum input size")
	// ErrMalformed is returned for input that cannot be framed at all
	ErrMalformed = errors.New("malformed message")
)

var headerTerminator = []byte("\r\n\r\n")

// FrameKind distinguishes text messages from interleaved binary frames
type FrameKind int

const (
	FrameMessage FrameKind = iota
	FrameInterleaved
)

// Message is one RTSP request or response
type Message struct {
	StartLine string
	Header    textproto.MIMEHeader
	Body      []byte
}

// IsResponse reports whether the message is a response from the peer
func (m *Message) IsResponse() bool {
	return strings.HasPrefix(m.StartLine, "RTSP/")
}

// Method returns the request method, empty for responses
func (m *Message) Method() string {
	if m.IsResponse() {
		return ""
	}
	method, _, _ := strings.Cut(m.StartLine, " ")
	return method
}

// CSeq returns the sequence header value
func (m *Message) CSeq() string {
	return m.Header.Get("CSeq")
}

// Frame is one unit split off the inbound stream. Payload and Body alias the
// input and are only valid until the input buffer is modified.
type Frame struct {
	Kind    FrameKind
	Channel uint8
	Payload []byte
	Message *Message
}

// NextFrame splits the first complete frame off data. It returns the number of
// bytes consumed, or 0 when more input is needed. maxSize bounds the size of a
// single frame; 0 disables the bound.
func NextFrame(data []byte, maxSize int) (Frame, int, error) {
	if len(data) == 0 {
		return Frame{}, 0, nil
	}

	if data[0] == InterleavedMagic {
		return nextInterleaved(data, maxSize)
	}
	return nextMessage(data, maxSize)
}

func nextInterleaved(data []byte, maxSize int) (Frame, int, error) {
	if len(data) < InterleavedHeaderSize {
		return Frame{}, 0, nil
	}

	size := int(binary.BigEndian.Uint16(data[2:4]))
	total := InterleavedHeaderSize + size
	if maxSize > 0 && total > maxSize {
		return Frame{}, 0, fmt.Errorf("%w: interleaved frame of %d bytes", ErrFrameTooLarge, total)
	}
	if len(data) < total {
		return Frame{}, 0, nil
	}

	return Frame{
		Kind:    FrameInterleaved,
		Channel: data[1],
		Payload: data[InterleavedHeaderSize:total],
	}, total, nil
}

func nextMessage(data []byte, maxSize int) (Frame, int, error) {
	end := bytes.Index(data, headerTerminator)
	if end < 0 {
		if maxSize > 0 && len(data) > maxSize {
			return Frame{}, 0, fmt.Errorf("%w: unterminated header of %d bytes", ErrFrameTooLarge, len(data))
		}
		return Frame{}, 0, nil
	}

	lines := strings.Split(string(data[:end]), "\r\n")
	msg := &Message{
		StartLine: lines[0],
		Header:    make(textproto.MIMEHeader),
	}
	if msg.StartLine == "" {
		return Frame{}, 0, fmt.Errorf("%w: empty start line", ErrMalformed)
	}

	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return Frame{}, 0, fmt.Errorf("%w: header line %q", ErrMalformed, line)
		}
		msg.Header.Add(strings.TrimSpace(key), strings.TrimSpace(value))
	}

	bodyLen := 0
	if cl := msg.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return Frame{}, 0, fmt.Errorf("%w: content length %q", ErrMalformed, cl)
		}
		bodyLen = n
	}

	header := end + len(headerTerminator)
	if bodyLen > math.MaxInt-header || (maxSize > 0 && bodyLen > maxSize-header) {
		return Frame{}, 0, fmt.Errorf("%w: content length %d", ErrFrameTooLarge, bodyLen)
	}
	total := header + bodyLen
	if maxSize > 0 && total > maxSize {
		return Frame{}, 0, fmt.Errorf("%w: message of %d bytes", ErrFrameTooLarge, total)
	}
	if len(data) < total {
		return Frame{}, 0, nil
	}

	msg.Body = data[end+len(headerTerminator) : total]
	return Frame{Kind: FrameMessage, Message: msg}, total, nil
}

// EncodeInterleaved prefixes payload with the '$' channel header
func EncodeInterleaved(channel uint8, payload []byte) ([]byte, error) {
	if len(payload) > MaxInterleavedPayload {
		return nil, fmt.Errorf("%w: interleaved payload of %d bytes", ErrFrameTooLarge, len(payload))
	}

	buf := make([]byte, InterleavedHeaderSize+len(payload))
	buf[0] = InterleavedMagic
	buf[1] = channel
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[InterleavedHeaderSize:], payload)
	return buf, nil
}
