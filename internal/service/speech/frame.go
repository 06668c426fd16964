// Package speech talks to the hosted speech vendor: one-shot text-to-speech
// for spoken replies, and a live recognizer backing the widget's microphone
// input. Both ride the vendor's framed binary websocket protocol.
package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// protocolVersion of the vendor's binary framing.
const protocolVersion = 0b0001

// FrameType occupies the high nibble of the second header byte.
type FrameType uint8

const (
	FrameFullClient  FrameType = 0b0001 // JSON request parameters
	FrameAudioClient FrameType = 0b0010 // raw audio chunk upstream
	FrameFullServer  FrameType = 0b1001 // JSON result downstream
	FrameAudioServer FrameType = 0b1011 // audio chunk downstream
	FrameError       FrameType = 0b1111
)

// FrameFlags occupy the low nibble of the second header byte. The low two
// bits describe the sequence field; bit 2 marks event metadata.
type FrameFlags uint8

const (
	FlagNone        FrameFlags = 0b0000
	FlagPositiveSeq FrameFlags = 0b0001
	FlagLastNoSeq   FrameFlags = 0b0010
	FlagNegativeSeq FrameFlags = 0b0011 // final packet
	FlagWithEvent   FrameFlags = 0b0100
)

// Serialization and compression methods, one nibble each.
const (
	serializationNone uint8 = 0b0000
	serializationJSON uint8 = 0b0001

	CompressionNone uint8 = 0b0000
	CompressionGzip uint8 = 0b0001
)

// Session lifecycle events the server may attach to a frame.
type ServerEvent int32

const (
	EventNone            ServerEvent = 0
	EventConnectionStart ServerEvent = 1
	EventConnectionStop  ServerEvent = 2
	EventConnectionOK    ServerEvent = 50
	EventConnectionFail  ServerEvent = 51
	EventConnectionDone  ServerEvent = 52
	EventSessionStarted  ServerEvent = 150
	EventSessionFinished ServerEvent = 152
	EventSessionFailed   ServerEvent = 153
)

// Frame is one protocol message in either direction.
type Frame struct {
	Type        FrameType
	Flags       FrameFlags
	Compression uint8
	Sequence    int32
	Event       ServerEvent
	SessionID   string
	ConnectID   string
	ErrorCode   uint32
	Payload     []byte
}

// Last reports whether this frame closes the stream.
func (f *Frame) Last() bool {
	switch f.Flags & 0b0011 {
	case FlagLastNoSeq, FlagNegativeSeq:
		return true
	}
	return false
}

// NewFullClientFrame wraps a JSON request payload.
func NewFullClientFrame(payload []byte, compression uint8) *Frame {
	return &Frame{
		Type:        FrameFullClient,
		Flags:       FlagNone,
		Compression: compression,
		Payload:     payload,
	}
}

// NewAudioFrame wraps one upstream audio chunk. The final chunk is flagged
// with a negative sequence number (or the no-sequence last flag).
func NewAudioFrame(chunk []byte, sequence int32, last bool, compression uint8) *Frame {
	f := &Frame{
		Type:        FrameAudioClient,
		Compression: compression,
		Sequence:    sequence,
		Payload:     chunk,
	}
	switch {
	case last && sequence != 0:
		f.Flags = FlagNegativeSeq
		f.Sequence = -sequence
	case last:
		f.Flags = FlagLastNoSeq
	case sequence > 0:
		f.Flags = FlagPositiveSeq
	}
	return f
}

// Encode serializes the frame: 4-byte header, optional sequence, payload
// size, payload. Client frames never carry event metadata.
func (f *Frame) Encode() []byte {
	serialization := serializationNone
	if f.Type == FrameFullClient {
		serialization = serializationJSON
	}

	buf := bytes.NewBuffer(nil)
	buf.WriteByte(protocolVersion<<4 | 0b0001) // version + 4-byte header
	buf.WriteByte(uint8(f.Type)<<4 | uint8(f.Flags))
	buf.WriteByte(serialization<<4 | f.Compression)
	buf.WriteByte(0x00)

	if flags := f.Flags & 0b0011; flags == FlagPositiveSeq || flags == FlagNegativeSeq {
		binary.Write(buf, binary.BigEndian, f.Sequence)
	}

	binary.Write(buf, binary.BigEndian, uint32(len(f.Payload)))
	buf.Write(f.Payload)
	return buf.Bytes()
}

// DecodeFrame parses one server frame.
func DecodeFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	if version := header[0] >> 4; version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}

	f := &Frame{
		Type:        FrameType(header[1] >> 4),
		Flags:       FrameFlags(header[1] & 0x0F),
		Compression: header[2] & 0x0F,
	}

	// Skip any extended header bytes beyond the base 4.
	if extra := int(header[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("failed to read extended header: %w", err)
		}
	}

	if flags := f.Flags & 0b0011; flags == FlagPositiveSeq || flags == FlagNegativeSeq {
		if err := binary.Read(r, binary.BigEndian, &f.Sequence); err != nil {
			return nil, fmt.Errorf("failed to read sequence: %w", err)
		}
	}

	if f.Flags&FlagWithEvent != 0 {
		if err := decodeEventMeta(r, f); err != nil {
			return nil, err
		}
	}

	if f.Type == FrameError {
		if err := binary.Read(r, binary.BigEndian, &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("failed to read error code: %w", err)
		}
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read payload size: %w", err)
	}
	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("failed to read payload (%d bytes): %w", size, err)
		}
	}

	return f, nil
}

func decodeEventMeta(r io.Reader, f *Frame) error {
	var event int32
	if err := binary.Read(r, binary.BigEndian, &event); err != nil {
		return fmt.Errorf("failed to read event type: %w", err)
	}
	f.Event = ServerEvent(event)

	if !eventIsConnectionScoped(f.Event) {
		id, err := readSizedString(r)
		if err != nil {
			return fmt.Errorf("failed to read session id: %w", err)
		}
		f.SessionID = id
	}

	if eventHasConnectID(f.Event) {
		id, err := readSizedString(r)
		if err != nil {
			return fmt.Errorf("failed to read connect id: %w", err)
		}
		f.ConnectID = id
	}

	return nil
}

func readSizedString(r io.Reader) (string, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

func eventIsConnectionScoped(e ServerEvent) bool {
	switch e {
	case EventConnectionStart, EventConnectionStop, EventConnectionOK,
		EventConnectionFail, EventConnectionDone:
		return true
	}
	return false
}

func eventHasConnectID(e ServerEvent) bool {
	switch e {
	case EventConnectionOK, EventConnectionFail, EventConnectionDone:
		return true
	}
	return false
}

// Compress applies the named payload compression.
func Compress(data []byte, method uint8) ([]byte, error) {
	switch method {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, fmt.Errorf("gzip write failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close failed: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported compression method: %d", method)
}

// Decompress reverses Compress for a received payload.
func Decompress(data []byte, method uint8) ([]byte, error) {
	switch method {
	case CompressionNone:
		return data, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader failed: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip read failed: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported compression method: %d", method)
}
