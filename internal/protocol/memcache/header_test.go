package memcache

import "testing"

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		Magic:        magicResponse,
		Opcode:       0x01,
		KeyLen:       3,
		ExtrasLen:    0,
		DataType:     0,
		Status:       StatusKeyNotFound,
		TotalBodyLen: 10,
		Opaque:       0xdeadbeef,
		CAS:          0x1122334455667788,
	}
	wire := h.Encode(nil)
	if len(wire) != headerLen {
		t.Fatalf("Encode produced %d bytes, want %d", len(wire), headerLen)
	}
	got := DecodeHeader(wire)
	if got != h {
		t.Fatalf("DecodeHeader(Encode(h)) = %+v, want %+v", got, h)
	}
}

func TestComposeParseClientErrorBinaryRoundTrip(t *testing.T) {
	wire := ComposeClientErrorBinary(0x00, 0x42, "bad command line", nil)

	opcode, opaque, msg, consumed, wouldBlock := ParseClientErrorBinary(wire)
	if wouldBlock {
		t.Fatalf("ParseClientErrorBinary reported WouldBlock on a complete frame")
	}
	if opcode != 0x00 || opaque != 0x42 || msg != "bad command line" {
		t.Fatalf("unexpected parse: opcode=%x opaque=%x msg=%q", opcode, opaque, msg)
	}
	if consumed != len(wire) {
		t.Fatalf("consumed = %d, want %d", consumed, len(wire))
	}
}

func TestParseClientErrorBinaryWouldBlockOnShortHeader(t *testing.T) {
	_, _, _, _, wouldBlock := ParseClientErrorBinary(make([]byte, headerLen-1))
	if !wouldBlock {
		t.Fatalf("expected WouldBlock on a truncated header")
	}
}

func TestParseClientErrorBinaryWouldBlockOnShortBody(t *testing.T) {
	wire := ComposeClientErrorBinary(0x00, 0, "full message", nil)
	_, _, _, _, wouldBlock := ParseClientErrorBinary(wire[:headerLen+3])
	if !wouldBlock {
		t.Fatalf("expected WouldBlock with only part of the body present")
	}
}

func TestComposeClientErrorBinaryUsesInternalErrorStatus(t *testing.T) {
	wire := ComposeClientErrorBinary(0x00, 0, "x", nil)
	h := DecodeHeader(wire)
	if h.Status != StatusInternalError {
		t.Fatalf("status = %v, want StatusInternalError", h.Status)
	}
	if h.Magic != magicResponse {
		t.Fatalf("magic = %x, want response magic", h.Magic)
	}
}
