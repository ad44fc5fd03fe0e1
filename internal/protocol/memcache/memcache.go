// Package memcache implements the memcache text wire protocol's core verbs
// (get/set/delete) plus the CLIENT_ERROR/SERVER_ERROR response forms in
// both their text and binary encodings.
package memcache

import (
	"bytes"
	"strconv"

	"github.com/cachecored/cachecored/internal/protocol"
)

// RequestKind selects which verb a Request encodes.
type RequestKind int

const (
	Get RequestKind = iota
	Set
	Delete
)

// Request is the memcache text protocol's request sum type.
type Request struct {
	Kind    RequestKind
	Keys    [][]byte // Get: one or more keys. Delete: exactly one.
	Key     []byte   // Set: the key.
	Flags   uint32
	Exptime int64
	Data    []byte // Set: the stored value.
}

// ResponseKind selects which wire form a Response encodes as.
type ResponseKind int

const (
	Stored ResponseKind = iota
	Deleted
	NotFound
	Values
	ClientError
	ServerError
)

// ValueEntry is one "VALUE <key> <flags> <bytes>\r\n<data>\r\n" line.
type ValueEntry struct {
	Key   []byte
	Flags uint32
	Data  []byte
}

// Response is the memcache text protocol's response sum type.
type Response struct {
	Kind    ResponseKind
	Values  []ValueEntry
	Message string // ClientError / ServerError text
}

// ShouldHangup implements protocol.Hangup; memcache never hangs up within
// this spec's scope.
func (Response) ShouldHangup() bool { return false }

var _ protocol.Hangup = Response{}

// Codec implements protocol.Codec[Request, Response] for memcache text.
type Codec struct{}

var _ protocol.Codec[Request, Response] = Codec{}

func (Codec) Clone() protocol.Codec[Request, Response] { return Codec{} }

// ParseRequest parses one get/set/delete request from b.
func (Codec) ParseRequest(b []byte) (Request, int, error) {
	idx := bytes.Index(b, []byte("\r\n"))
	if idx < 0 {
		return Request{}, 0, protocol.ErrWouldBlock
	}
	line := b[:idx]
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return Request{}, idx + 2, protocol.ErrInvalid
	}

	switch string(fields[0]) {
	case "get":
		if len(fields) < 2 {
			return Request{}, idx + 2, protocol.ErrInvalid
		}
		keys := make([][]byte, len(fields)-1)
		copy(keys, fields[1:])
		return Request{Kind: Get, Keys: keys}, idx + 2, nil

	case "delete":
		if len(fields) != 2 {
			return Request{}, idx + 2, protocol.ErrInvalid
		}
		return Request{Kind: Delete, Keys: [][]byte{fields[1]}}, idx + 2, nil

	case "set":
		if len(fields) != 5 {
			return Request{}, idx + 2, protocol.ErrInvalid
		}
		flags, err1 := strconv.ParseUint(string(fields[2]), 10, 32)
		exptime, err2 := strconv.ParseInt(string(fields[3]), 10, 64)
		n, err3 := strconv.Atoi(string(fields[4]))
		if err1 != nil || err2 != nil || err3 != nil || n < 0 {
			return Request{}, idx + 2, protocol.ErrInvalid
		}
		dataStart := idx + 2
		need := dataStart + n + 2
		if len(b) < need {
			return Request{}, 0, protocol.ErrWouldBlock
		}
		if !bytes.Equal(b[dataStart+n:need], []byte("\r\n")) {
			return Request{}, need, protocol.ErrInvalid
		}
		data := make([]byte, n)
		copy(data, b[dataStart:dataStart+n])
		return Request{
			Kind:    Set,
			Key:     append([]byte(nil), fields[1]...),
			Flags:   uint32(flags),
			Exptime: exptime,
			Data:    data,
		}, need, nil

	default:
		return Request{}, idx + 2, protocol.ErrInvalid
	}
}

// ComposeRequest writes req's canonical text encoding.
func (Codec) ComposeRequest(req Request, out []byte) []byte {
	switch req.Kind {
	case Get:
		out = append(out, "get"...)
		for _, k := range req.Keys {
			out = append(out, ' ')
			out = append(out, k...)
		}
		return append(out, '\r', '\n')
	case Delete:
		out = append(out, "delete "...)
		out = append(out, req.Keys[0]...)
		return append(out, '\r', '\n')
	case Set:
		out = append(out, "set "...)
		out = append(out, req.Key...)
		out = append(out, ' ')
		out = strconv.AppendUint(out, uint64(req.Flags), 10)
		out = append(out, ' ')
		out = strconv.AppendInt(out, req.Exptime, 10)
		out = append(out, ' ')
		out = strconv.AppendInt(out, int64(len(req.Data)), 10)
		out = append(out, '\r', '\n')
		out = append(out, req.Data...)
		return append(out, '\r', '\n')
	default:
		return out
	}
}

// ComposeResponse writes resp's canonical text encoding.
func (Codec) ComposeResponse(req Request, resp Response, out []byte) []byte {
	switch resp.Kind {
	case Stored:
		return append(out, "STORED\r\n"...)
	case Deleted:
		return append(out, "DELETED\r\n"...)
	case NotFound:
		return append(out, "NOT_FOUND\r\n"...)
	case Values:
		for _, v := range resp.Values {
			out = append(out, "VALUE "...)
			out = append(out, v.Key...)
			out = append(out, ' ')
			out = strconv.AppendUint(out, uint64(v.Flags), 10)
			out = append(out, ' ')
			out = strconv.AppendInt(out, int64(len(v.Data)), 10)
			out = append(out, '\r', '\n')
			out = append(out, v.Data...)
			out = append(out, '\r', '\n')
		}
		return append(out, "END\r\n"...)
	case ClientError:
		out = append(out, "CLIENT_ERROR "...)
		out = append(out, resp.Message...)
		return append(out, '\r', '\n')
	case ServerError:
		out = append(out, "SERVER_ERROR "...)
		out = append(out, resp.Message...)
		return append(out, '\r', '\n')
	default:
		return out
	}
}

// ParseResponse is the inverse of ComposeResponse, for client/test use. It
// implements spec.md §4.2's CLIENT_ERROR/SERVER_ERROR parse rule: leading
// spaces before the message are accepted, the message runs to the next
// line ending, and the CRLF is consumed.
func (Codec) ParseResponse(req Request, b []byte) (Response, int, error) {
	idx := bytes.Index(b, []byte("\r\n"))
	if idx < 0 {
		return Response{}, 0, protocol.ErrWouldBlock
	}
	line := b[:idx]
	switch {
	case bytes.Equal(line, []byte("STORED")):
		return Response{Kind: Stored}, idx + 2, nil
	case bytes.Equal(line, []byte("DELETED")):
		return Response{Kind: Deleted}, idx + 2, nil
	case bytes.Equal(line, []byte("NOT_FOUND")):
		return Response{Kind: NotFound}, idx + 2, nil
	case bytes.HasPrefix(line, []byte("CLIENT_ERROR")):
		msg := bytes.TrimLeft(line[len("CLIENT_ERROR"):], " ")
		return Response{Kind: ClientError, Message: string(msg)}, idx + 2, nil
	case bytes.HasPrefix(line, []byte("SERVER_ERROR")):
		msg := bytes.TrimLeft(line[len("SERVER_ERROR"):], " ")
		return Response{Kind: ServerError, Message: string(msg)}, idx + 2, nil
	case bytes.HasPrefix(line, []byte("VALUE")) || bytes.Equal(line, []byte("END")):
		return parseValues(b)
	default:
		return Response{}, idx + 2, protocol.ErrInvalid
	}
}

func parseValues(b []byte) (Response, int, error) {
	var values []ValueEntry
	pos := 0
	for {
		idx := bytes.Index(b[pos:], []byte("\r\n"))
		if idx < 0 {
			return Response{}, 0, protocol.ErrWouldBlock
		}
		line := b[pos : pos+idx]
		pos += idx + 2
		if bytes.Equal(line, []byte("END")) {
			return Response{Kind: Values, Values: values}, pos, nil
		}
		fields := bytes.Fields(line)
		if len(fields) != 4 || string(fields[0]) != "VALUE" {
			return Response{}, pos, protocol.ErrInvalid
		}
		flags, err1 := strconv.ParseUint(string(fields[2]), 10, 32)
		n, err2 := strconv.Atoi(string(fields[3]))
		if err1 != nil || err2 != nil || n < 0 {
			return Response{}, pos, protocol.ErrInvalid
		}
		if len(b) < pos+n+2 {
			return Response{}, 0, protocol.ErrWouldBlock
		}
		data := append([]byte(nil), b[pos:pos+n]...)
		pos += n + 2
		values = append(values, ValueEntry{Key: append([]byte(nil), fields[1]...), Flags: uint32(flags), Data: data})
	}
}
