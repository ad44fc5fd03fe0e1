// Package admin implements the line-oriented, CRLF-terminated admin
// protocol: flush_all, stats, quit, version.
package admin

import (
	"bytes"
	"sort"

	"github.com/cachecored/cachecored/internal/protocol"
)

// Verb is one of the recognised admin commands.
type Verb int

const (
	FlushAll Verb = iota
	Stats
	Quit
	Version
	// Auth is the sole verb that takes an argument: "auth <passphrase>".
	// It exists so a connection can present the shared admin secret before
	// flush_all/quit are honored; see internal/adminserver's auth gate.
	Auth
)

// Request is almost always a bare verb, no arguments. Auth is the one
// exception: Arg carries its passphrase. (The parser reserves the
// multi-word branch for future verbs like "stats slab" but rejects them
// today; see ErrMultiWordUnsupported.)
type Request struct {
	Verb Verb
	Arg  string
}

// ResponseKind selects which wire form Response encodes as.
type ResponseKind int

const (
	KindOK ResponseKind = iota
	KindStats
	KindVersion
	KindHangup
	// KindDenied answers a command rejected by the auth gate (spec.md §6):
	// an unauthenticated flush_all/quit, or a failed auth attempt.
	KindDenied
)

// Stat is one "STAT <name> <value>" line. Histogram percentiles are
// expanded into one Stat per label (e.g. "request_latency_us.p99") by the
// metrics registry before it hands Stats to a Response.
type Stat struct {
	Name  string
	Value string
}

// Response is the admin protocol's single response type.
type Response struct {
	Kind    ResponseKind
	Stats   []Stat
	Version string
}

// ShouldHangup implements protocol.Hangup: a quit response is terminal.
func (r Response) ShouldHangup() bool { return r.Kind == KindHangup }

var _ protocol.Hangup = Response{}

// ErrMultiWordUnsupported is returned by ParseRequest when the trimmed
// command region contains more than one token and does not start with
// "auth". The branch gives a future verb (e.g. "stats slab") a named
// extension point; the value itself is protocol.ErrInvalid, so callers
// that check for ErrInvalid treat the two identically.
var ErrMultiWordUnsupported = protocol.ErrInvalid

var verbs = map[string]Verb{
	"flush_all": FlushAll,
	"stats":     Stats,
	"quit":      Quit,
	"version":   Version,
}

// Codec implements protocol.Codec[Request, Response] for the admin family.
// It carries no per-connection state, so Clone is a cheap value copy.
type Codec struct{}

var _ protocol.Codec[Request, Response] = Codec{}

func (Codec) Clone() protocol.Codec[Request, Response] { return Codec{} }

// ParseRequest implements spec.md §4.2's admin parse algorithm: find the
// first CRLF, trim horizontal whitespace from the command region, reject
// any region containing an internal space (except "auth <passphrase>"),
// match the remainder against the recognised verbs.
func (Codec) ParseRequest(b []byte) (Request, int, error) {
	idx := bytes.Index(b, []byte("\r\n"))
	if idx < 0 {
		return Request{}, 0, protocol.ErrWouldBlock
	}
	consumed := idx + 2
	line := bytes.Trim(b[:idx], " \t")

	if sp := bytes.IndexAny(line, " \t"); sp >= 0 {
		cmd := string(bytes.Trim(line[:sp], " \t"))
		if cmd != "auth" {
			return Request{}, consumed, ErrMultiWordUnsupported
		}
		arg := string(bytes.Trim(line[sp+1:], " \t"))
		if arg == "" {
			return Request{}, consumed, protocol.ErrInvalid
		}
		return Request{Verb: Auth, Arg: arg}, consumed, nil
	}

	verb, ok := verbs[string(line)]
	if !ok {
		return Request{}, consumed, protocol.ErrInvalid
	}
	return Request{Verb: verb}, consumed, nil
}

// ComposeRequest encodes the verb verbatim plus CRLF. Auth encodes its
// passphrase as a second, space-separated token.
func (Codec) ComposeRequest(req Request, out []byte) []byte {
	if req.Verb == Auth {
		out = append(out, "auth "...)
		out = append(out, req.Arg...)
		return append(out, '\r', '\n')
	}
	var verb string
	for name, v := range verbs {
		if v == req.Verb {
			verb = name
			break
		}
	}
	out = append(out, verb...)
	return append(out, '\r', '\n')
}

// ComposeResponse writes resp's canonical wire form.
func (Codec) ComposeResponse(req Request, resp Response, out []byte) []byte {
	switch resp.Kind {
	case KindOK:
		return append(out, "OK\r\n"...)
	case KindVersion:
		out = append(out, "VERSION "...)
		out = append(out, resp.Version...)
		return append(out, '\r', '\n')
	case KindStats:
		sorted := make([]Stat, len(resp.Stats))
		copy(sorted, resp.Stats)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
		for _, s := range sorted {
			out = append(out, "STAT "...)
			out = append(out, s.Name...)
			out = append(out, ' ')
			out = append(out, s.Value...)
			out = append(out, '\r', '\n')
		}
		return append(out, "END\r\n"...)
	case KindHangup:
		return out
	case KindDenied:
		return append(out, "ERR unauthorized\r\n"...)
	default:
		return out
	}
}

// ParseResponse is the inverse of ComposeResponse, for client/test use.
func (Codec) ParseResponse(req Request, b []byte) (Response, int, error) {
	switch req.Verb {
	case FlushAll, Auth:
		if bytes.HasPrefix(b, []byte("OK\r\n")) {
			return Response{Kind: KindOK}, 4, nil
		}
		const denied = "ERR unauthorized\r\n"
		if bytes.HasPrefix(b, []byte(denied)) {
			return Response{Kind: KindDenied}, len(denied), nil
		}
		return Response{}, 0, protocol.ErrWouldBlock
	case Version:
		idx := bytes.Index(b, []byte("\r\n"))
		if idx < 0 {
			return Response{}, 0, protocol.ErrWouldBlock
		}
		const prefix = "VERSION "
		if !bytes.HasPrefix(b, []byte(prefix)) {
			return Response{}, idx + 2, protocol.ErrInvalid
		}
		return Response{Kind: KindVersion, Version: string(b[len(prefix):idx])}, idx + 2, nil
	case Quit:
		return Response{Kind: KindHangup}, 0, nil
	case Stats:
		end := bytes.Index(b, []byte("END\r\n"))
		if end < 0 {
			return Response{}, 0, protocol.ErrWouldBlock
		}
		var stats []Stat
		for _, line := range bytes.Split(b[:end], []byte("\r\n")) {
			if len(line) == 0 {
				continue
			}
			if !bytes.HasPrefix(line, []byte("STAT ")) {
				return Response{}, end + 5, protocol.ErrInvalid
			}
			rest := line[len("STAT "):]
			sp := bytes.IndexByte(rest, ' ')
			if sp < 0 {
				return Response{}, end + 5, protocol.ErrInvalid
			}
			stats = append(stats, Stat{Name: string(rest[:sp]), Value: string(rest[sp+1:])})
		}
		return Response{Kind: KindStats, Stats: stats}, end + 5, nil
	default:
		return Response{}, 0, protocol.ErrInvalid
	}
}
