package speech

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFullClientFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"request":{"model_name":"bigmodel"}}`)
	encoded := NewFullClientFrame(payload, CompressionNone).Encode()

	if encoded[0] != 0x11 {
		t.Errorf("header byte 0: got %#x, want version 1 with 4-byte header", encoded[0])
	}
	if got := FrameType(encoded[1] >> 4); got != FrameFullClient {
		t.Errorf("frame type: got %d, want %d", got, FrameFullClient)
	}

	decoded, err := DecodeFrame(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if decoded.Type != FrameFullClient {
		t.Errorf("decoded type: got %d, want %d", decoded.Type, FrameFullClient)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("payload mismatch: got %q", decoded.Payload)
	}
}

func TestAudioFrameSequenceFlags(t *testing.T) {
	chunk := []byte{1, 2, 3, 4}

	mid := NewAudioFrame(chunk, 5, false, CompressionNone)
	if mid.Flags != FlagPositiveSeq || mid.Sequence != 5 {
		t.Errorf("mid frame: flags=%d seq=%d", mid.Flags, mid.Sequence)
	}

	last := NewAudioFrame(chunk, 7, true, CompressionNone)
	if last.Flags != FlagNegativeSeq || last.Sequence != -7 {
		t.Errorf("last frame: flags=%d seq=%d", last.Flags, last.Sequence)
	}
	if !last.Last() {
		t.Error("negative sequence frame must report Last")
	}

	decoded, err := DecodeFrame(bytes.NewReader(last.Encode()))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if decoded.Sequence != -7 || !decoded.Last() {
		t.Errorf("decoded last frame: seq=%d last=%v", decoded.Sequence, decoded.Last())
	}
}

func TestGzipPayloadRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("audio"), 100)

	compressed, err := Compress(payload, CompressionGzip)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if bytes.Equal(compressed, payload) {
		t.Fatal("gzip output should differ from input")
	}

	frame := NewAudioFrame(compressed, 2, false, CompressionGzip)
	decoded, err := DecodeFrame(bytes.NewReader(frame.Encode()))
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}

	restored, err := Decompress(decoded.Payload, decoded.Compression)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Error("round trip lost data")
	}
}

func TestDecodeErrorFrame(t *testing.T) {
	payload := []byte(`{"error":"quota exceeded"}`)
	var buf bytes.Buffer
	buf.WriteByte(0x11)
	buf.WriteByte(uint8(FrameError)<<4 | uint8(FlagNone))
	buf.WriteByte(serializationJSON<<4 | CompressionNone)
	buf.WriteByte(0x00)
	binary.Write(&buf, binary.BigEndian, uint32(45000081))
	binary.Write(&buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)

	decoded, err := DecodeFrame(&buf)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if decoded.Type != FrameError {
		t.Errorf("type: got %d, want %d", decoded.Type, FrameError)
	}
	if decoded.ErrorCode != 45000081 {
		t.Errorf("error code: got %d", decoded.ErrorCode)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("payload: got %q", decoded.Payload)
	}
}

func TestDecodeFrameWithSessionEvent(t *testing.T) {
	sessionID := "abc-123"
	var buf bytes.Buffer
	buf.WriteByte(0x11)
	buf.WriteByte(uint8(FrameFullServer)<<4 | uint8(FlagWithEvent))
	buf.WriteByte(serializationJSON<<4 | CompressionNone)
	buf.WriteByte(0x00)
	binary.Write(&buf, binary.BigEndian, int32(EventSessionFinished))
	binary.Write(&buf, binary.BigEndian, uint32(len(sessionID)))
	buf.WriteString(sessionID)
	binary.Write(&buf, binary.BigEndian, uint32(0))

	decoded, err := DecodeFrame(&buf)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if decoded.Event != EventSessionFinished {
		t.Errorf("event: got %d, want %d", decoded.Event, EventSessionFinished)
	}
	if decoded.SessionID != sessionID {
		t.Errorf("session id: got %q, want %q", decoded.SessionID, sessionID)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(decoded.Payload))
	}
}

func TestDecodeFrameRejectsUnknownVersion(t *testing.T) {
	raw := []byte{0x21, 0x11, 0x10, 0x00, 0, 0, 0, 0}
	if _, err := DecodeFrame(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected error for unsupported protocol version")
	}
}
