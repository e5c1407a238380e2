package overlay

import (
	"testing"

	"shmtunnel/pkg/proto"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	frame := Encode(42, proto.ClassU32, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	seq, payload, err := Decode(frame, proto.ClassU32)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if seq != 42 || len(payload) != 8 {
		t.Fatalf("unexpected seq=%d len=%d", seq, len(payload))
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, _, err := Decode([]byte{0, 0, 1}, proto.ClassBytes); err != ErrShortFrame {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

func TestDecodeRejectsTagMismatch(t *testing.T) {
	frame := Encode(1, proto.ClassU16, []byte{1, 2})
	if _, _, err := Decode(frame, proto.ClassU64); err == nil {
		t.Fatalf("expected tag mismatch error")
	}
}

func TestDecodeRejectsMisalignedPayload(t *testing.T) {
	frame := Encode(1, proto.ClassU64, []byte{1, 2, 3})
	if _, _, err := Decode(frame, proto.ClassU64); err == nil {
		t.Fatalf("expected stride alignment error")
	}
}

func TestDecodeEmptyPayloadAllowed(t *testing.T) {
	frame := Encode(7, proto.ClassBytes, nil)
	seq, payload, err := Decode(frame, proto.ClassBytes)
	if err != nil || seq != 7 || len(payload) != 0 {
		t.Fatalf("empty payload should decode, seq=%d payload=%v err=%v", seq, payload, err)
	}
}
