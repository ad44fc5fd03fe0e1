package memcache

import "encoding/binary"

// Binary protocol header: 24 bytes, big-endian, per the memcache binary
// protocol layout. Only the fields this codec needs are named; reserved
// bytes are zeroed.
const (
	headerLen = 24

	magicRequest  byte = 0x80
	magicResponse byte = 0x81
)

// ResponseStatus is the binary protocol's 16-bit status field.
type ResponseStatus uint16

const (
	StatusNoError       ResponseStatus = 0x0000
	StatusKeyNotFound   ResponseStatus = 0x0001
	StatusInternalError ResponseStatus = 0x0084
)

// Header is the 24-byte binary protocol header.
type Header struct {
	Magic        byte
	Opcode       byte
	KeyLen       uint16
	ExtrasLen    uint8
	DataType     uint8
	Status       ResponseStatus // request packets reuse these two bytes as "reserved"
	TotalBodyLen uint32
	Opaque       uint32
	CAS          uint64
}

// Encode writes the 24-byte header to out.
func (h Header) Encode(out []byte) []byte {
	var buf [headerLen]byte
	buf[0] = h.Magic
	buf[1] = h.Opcode
	binary.BigEndian.PutUint16(buf[2:4], h.KeyLen)
	buf[4] = h.ExtrasLen
	buf[5] = h.DataType
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Status))
	binary.BigEndian.PutUint32(buf[8:12], h.TotalBodyLen)
	binary.BigEndian.PutUint32(buf[12:16], h.Opaque)
	binary.BigEndian.PutUint64(buf[16:24], h.CAS)
	return append(out, buf[:]...)
}

// DecodeHeader reads the 24-byte header from b. b must be at least 24
// bytes; callers check length (WouldBlock on short input) before calling.
func DecodeHeader(b []byte) Header {
	return Header{
		Magic:        b[0],
		Opcode:       b[1],
		KeyLen:       binary.BigEndian.Uint16(b[2:4]),
		ExtrasLen:    b[4],
		DataType:     b[5],
		Status:       ResponseStatus(binary.BigEndian.Uint16(b[6:8])),
		TotalBodyLen: binary.BigEndian.Uint32(b[8:12]),
		Opaque:       binary.BigEndian.Uint32(b[12:16]),
		CAS:          binary.BigEndian.Uint64(b[16:24]),
	}
}

// ComposeClientErrorBinary writes the generic ResponseStatus::InternalError
// header (24 bytes) with msg as the body and TotalBodyLen set accordingly,
// per spec.md §4.2's "Binary form" for CLIENT_ERROR.
func ComposeClientErrorBinary(opcode byte, opaque uint32, msg string, out []byte) []byte {
	h := Header{
		Magic:        magicResponse,
		Opcode:       opcode,
		Status:       StatusInternalError,
		TotalBodyLen: uint32(len(msg)),
		Opaque:       opaque,
	}
	out = h.Encode(out)
	return append(out, msg...)
}

// ParseClientErrorBinary is the inverse of ComposeClientErrorBinary, for
// round-trip tests. Reports wouldBlock = true (the boolean counterpart of
// protocol.ErrWouldBlock) if the header or fewer than TotalBodyLen body
// bytes have arrived yet.
func ParseClientErrorBinary(b []byte) (opcode byte, opaque uint32, msg string, consumed int, wouldBlock bool) {
	if len(b) < headerLen {
		return 0, 0, "", 0, true
	}
	h := DecodeHeader(b)
	total := headerLen + int(h.TotalBodyLen)
	if len(b) < total {
		return 0, 0, "", 0, true
	}
	return h.Opcode, h.Opaque, string(b[headerLen:total]), total, false
}
