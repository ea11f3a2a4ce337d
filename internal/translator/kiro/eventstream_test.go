package kiro

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

type frameHeader struct {
	name  string
	vtype byte
	value []byte
}

func stringHeader(name, value string) frameHeader {
	buf := make([]byte, 2+len(value))
	binary.BigEndian.PutUint16(buf, uint16(len(value)))
	copy(buf[2:], value)
	return frameHeader{name: name, vtype: 7, value: buf}
}

// encodeFrame builds one event-stream message the way the upstream wire
// format lays it out: prelude, headers, payload, trailing CRC.
func encodeFrame(headers []frameHeader, payload []byte) []byte {
	var hdr bytes.Buffer
	for _, h := range headers {
		hdr.WriteByte(byte(len(h.name)))
		hdr.WriteString(h.name)
		hdr.WriteByte(h.vtype)
		hdr.Write(h.value)
	}

	totalLen := 12 + hdr.Len() + len(payload) + 4
	var out bytes.Buffer
	var prelude [12]byte
	binary.BigEndian.PutUint32(prelude[0:4], uint32(totalLen))
	binary.BigEndian.PutUint32(prelude[4:8], uint32(hdr.Len()))
	out.Write(prelude[:])
	out.Write(hdr.Bytes())
	out.Write(payload)
	out.Write([]byte{0, 0, 0, 0})
	return out.Bytes()
}

func eventFrame(eventType string, payload string) []byte {
	return encodeFrame([]frameHeader{
		stringHeader(":message-type", "event"),
		stringHeader(":event-type", eventType),
		stringHeader(":content-type", "application/json"),
	}, []byte(payload))
}

func TestFrameDecoderSingleEvent(t *testing.T) {
	raw := eventFrame("assistantResponseEvent", `{"content":"hello"}`)
	dec := NewFrameDecoder(bytes.NewReader(raw))

	frame, err := dec.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if frame.EventType != "assistantResponseEvent" {
		t.Fatalf("EventType = %q", frame.EventType)
	}
	if string(frame.Payload) != `{"content":"hello"}` {
		t.Fatalf("Payload = %q", frame.Payload)
	}
	if _, err = dec.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after last frame, got %v", err)
	}
}

func TestFrameDecoderMultipleFrames(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(eventFrame("assistantResponseEvent", `{"content":"a"}`))
	stream.Write(eventFrame("assistantResponseEvent", `{"content":"b"}`))
	stream.Write(eventFrame("toolUseEvent", `{"toolUseId":"tooluse_1","stop":true}`))

	dec := NewFrameDecoder(&stream)
	var types []string
	for {
		frame, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		types = append(types, frame.EventType)
	}
	want := []string{"assistantResponseEvent", "assistantResponseEvent", "toolUseEvent"}
	if len(types) != len(want) {
		t.Fatalf("decoded %d frames, want %d", len(types), len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frame %d type = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestFrameDecoderExceptionFrame(t *testing.T) {
	raw := encodeFrame([]frameHeader{
		stringHeader(":message-type", "exception"),
		stringHeader(":exception-type", "ThrottlingException"),
	}, []byte(`{"message":"slow down"}`))

	frame, err := NewFrameDecoder(bytes.NewReader(raw)).Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if frame.ExceptionType != "ThrottlingException" {
		t.Fatalf("ExceptionType = %q", frame.ExceptionType)
	}
	if frame.EventType != "" {
		t.Fatalf("EventType should be empty on exception frames, got %q", frame.EventType)
	}
}

func TestFrameDecoderSkipsNonStringHeaders(t *testing.T) {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, 1700000000000)
	raw := encodeFrame([]frameHeader{
		{name: ":flag", vtype: 0},
		{name: ":timestamp", vtype: 8, value: ts},
		stringHeader(":event-type", "assistantResponseEvent"),
	}, []byte(`{"content":"x"}`))

	frame, err := NewFrameDecoder(bytes.NewReader(raw)).Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if frame.EventType != "assistantResponseEvent" {
		t.Fatalf("EventType = %q", frame.EventType)
	}
}

func TestFrameDecoderEmptyStream(t *testing.T) {
	if _, err := NewFrameDecoder(bytes.NewReader(nil)).Next(); err != io.EOF {
		t.Fatalf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestFrameDecoderRejectsBadPrelude(t *testing.T) {
	var prelude [12]byte
	binary.BigEndian.PutUint32(prelude[0:4], 4) // below the 16-byte minimum
	_, err := NewFrameDecoder(bytes.NewReader(prelude[:])).Next()
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("err = %v, want ErrInvalidFrame", err)
	}

	binary.BigEndian.PutUint32(prelude[0:4], 64)
	binary.BigEndian.PutUint32(prelude[4:8], 60) // headers cannot fill the frame
	_, err = NewFrameDecoder(bytes.NewReader(prelude[:])).Next()
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("err = %v, want ErrInvalidFrame", err)
	}
}

func TestFrameDecoderConfiguredSizeBound(t *testing.T) {
	raw := eventFrame("assistantResponseEvent", `{"content":"hello"}`)

	dec := NewFrameDecoder(bytes.NewReader(raw))
	dec.SetMaxFrameSize(32)
	if _, err := dec.Next(); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("err = %v, want ErrInvalidFrame for a frame over the bound", err)
	}

	dec = NewFrameDecoder(bytes.NewReader(raw))
	dec.SetMaxFrameSize(len(raw))
	if _, err := dec.Next(); err != nil {
		t.Fatalf("frame within the bound must decode, got %v", err)
	}
}

func TestFrameDecoderTruncatedBody(t *testing.T) {
	raw := eventFrame("assistantResponseEvent", `{"content":"hello"}`)
	_, err := NewFrameDecoder(bytes.NewReader(raw[:len(raw)-6])).Next()
	if err == nil || err == io.EOF {
		t.Fatalf("truncated body must fail with a real error, got %v", err)
	}
}
