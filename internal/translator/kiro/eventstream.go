package kiro

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// The upstream answers with application/vnd.amazon.eventstream framing: each
// message is [4B total length][4B headers length][4B prelude CRC] followed by
// headers, payload, and a trailing message CRC. Event payloads are JSON and
// the ":event-type" header names the event.

// defaultMaxFrameSize bounds a single event-stream message. Anything larger
// is a corrupt stream, not a legitimate event.
const defaultMaxFrameSize = 16 << 20

// Frame is one decoded event-stream message.
type Frame struct {
	// EventType is the ":event-type" header value, e.g. "assistantResponseEvent".
	EventType string
	// ExceptionType is set instead when the message is an exception frame.
	ExceptionType string
	// Payload is the raw JSON payload of the event.
	Payload []byte
}

// ErrInvalidFrame reports event-stream framing the decoder cannot parse.
var ErrInvalidFrame = errors.New("kiro: invalid event stream frame")

// FrameDecoder reads event-stream messages off an upstream response body.
type FrameDecoder struct {
	r        io.Reader
	maxFrame uint32
}

// NewFrameDecoder wraps the upstream body with the default frame size bound.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{r: r, maxFrame: defaultMaxFrameSize}
}

// SetMaxFrameSize overrides the per-message size bound. Values below the
// minimum frame length are ignored.
func (d *FrameDecoder) SetMaxFrameSize(n int) {
	if n >= 16 {
		d.maxFrame = uint32(n)
	}
}

// Next returns the next frame, or io.EOF once the stream is exhausted.
func (d *FrameDecoder) Next() (*Frame, error) {
	var prelude [12]byte
	if _, err := io.ReadFull(d.r, prelude[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("kiro: read frame prelude: %w", err)
	}

	totalLen := binary.BigEndian.Uint32(prelude[0:4])
	headersLen := binary.BigEndian.Uint32(prelude[4:8])
	if totalLen < 16 || totalLen > d.maxFrame || headersLen > totalLen-16 {
		return nil, fmt.Errorf("%w: total=%d headers=%d", ErrInvalidFrame, totalLen, headersLen)
	}

	// Remaining bytes: headers + payload + 4-byte message CRC.
	body := make([]byte, totalLen-12)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, fmt.Errorf("kiro: read frame body: %w", err)
	}

	frame := &Frame{}
	if err := parseHeaders(body[:headersLen], frame); err != nil {
		return nil, err
	}
	frame.Payload = body[headersLen : len(body)-4]
	return frame, nil
}

// parseHeaders walks the header block. Each header is [1B name length][name]
// [1B value type][value]; only string (type 7) values matter here.
func parseHeaders(data []byte, frame *Frame) error {
	for len(data) > 0 {
		nameLen := int(data[0])
		data = data[1:]
		if len(data) < nameLen+1 {
			return ErrInvalidFrame
		}
		name := string(data[:nameLen])
		valueType := data[nameLen]
		data = data[nameLen+1:]

		var value string
		switch valueType {
		case 0, 1: // bool true / false, no value bytes
		case 2: // byte
			if len(data) < 1 {
				return ErrInvalidFrame
			}
			data = data[1:]
		case 3: // int16
			if len(data) < 2 {
				return ErrInvalidFrame
			}
			data = data[2:]
		case 4: // int32
			if len(data) < 4 {
				return ErrInvalidFrame
			}
			data = data[4:]
		case 5, 8: // int64, timestamp
			if len(data) < 8 {
				return ErrInvalidFrame
			}
			data = data[8:]
		case 6, 7: // byte array, string
			if len(data) < 2 {
				return ErrInvalidFrame
			}
			valueLen := int(binary.BigEndian.Uint16(data[:2]))
			if len(data) < 2+valueLen {
				return ErrInvalidFrame
			}
			value = string(data[2 : 2+valueLen])
			data = data[2+valueLen:]
		case 9: // uuid
			if len(data) < 16 {
				return ErrInvalidFrame
			}
			data = data[16:]
		default:
			return fmt.Errorf("%w: header value type %d", ErrInvalidFrame, valueType)
		}

		switch name {
		case ":event-type":
			frame.EventType = value
		case ":exception-type":
			frame.ExceptionType = value
		}
	}
	return nil
}
