// Package serversession implements the thin adapter that couples a
// session.Session with a protocol.Codec instance, per spec.md §4.3.
package serversession

import (
	"github.com/cachecored/cachecored/internal/epoll"
	"github.com/cachecored/cachecored/internal/protocol"
	"github.com/cachecored/cachecored/internal/session"
	"github.com/cachecored/cachecored/internal/token"
)

// ServerSession couples a Session with a cloned Codec[Req, Resp]. The
// spec's three-parameter ServerSession<Proto, Req, Resp> collapses to two
// Go type parameters: Proto is whichever concrete type implements
// protocol.Codec[Req, Resp], carried here through the interface itself
// rather than as a separate parameter.
type ServerSession[Req, Resp any] struct {
	sess    *session.Session
	proto   protocol.Codec[Req, Resp]
	lastReq Req
}

// New couples sess with proto (already a per-connection clone — see
// protocol.Codec.Clone).
func New[Req, Resp any](sess *session.Session, proto protocol.Codec[Req, Resp]) *ServerSession[Req, Resp] {
	return &ServerSession[Req, Resp]{sess: sess, proto: proto}
}

// Fill pulls bytes from the socket into the inbound buffer.
func (s *ServerSession[Req, Resp]) Fill() (int, error) { return s.sess.Fill() }

// Receive parses one request from the session's readable window, advancing
// past it on success. WouldBlock and Invalid propagate unchanged, per
// spec.md §4.3; the session's unparsed bytes are left untouched in both
// cases so the next Receive (after more data, or after the worker decides
// to skip/close) sees the same prefix.
func (s *ServerSession[Req, Resp]) Receive() (Req, error) {
	req, consumed, err := s.proto.ParseRequest(s.sess.Unparsed())
	if err != nil {
		var zero Req
		return zero, err
	}
	s.sess.Advance(consumed)
	s.lastReq = req
	return req, nil
}

// Send composes resp (answering the most recently parsed request) into the
// outbound buffer. It performs no I/O.
func (s *ServerSession[Req, Resp]) Send(resp Resp) error {
	buf := s.proto.ComposeResponse(s.lastReq, resp, nil)
	return s.sess.Stage(buf)
}

// Flush attempts to write staged bytes to the socket.
func (s *ServerSession[Req, Resp]) Flush() error { return s.sess.Flush() }

// Interest reports this session's current readiness interest.
func (s *ServerSession[Req, Resp]) Interest() epoll.Interest { return s.sess.Interest() }

// WritePending is the number of staged-but-unflushed outbound bytes.
func (s *ServerSession[Req, Resp]) WritePending() int { return s.sess.WritePending() }

// Remaining is the number of unparsed inbound bytes.
func (s *ServerSession[Req, Resp]) Remaining() int { return s.sess.Remaining() }

// Register installs this session with p under tok.
func (s *ServerSession[Req, Resp]) Register(p *epoll.Poller, tok token.Token) error {
	return s.sess.Register(p, tok)
}

// Reregister updates this session's readiness interest with p.
func (s *ServerSession[Req, Resp]) Reregister(p *epoll.Poller, tok token.Token) error {
	return s.sess.Reregister(p, tok)
}

// Deregister removes this session from p.
func (s *ServerSession[Req, Resp]) Deregister(p *epoll.Poller) error {
	return s.sess.Deregister(p)
}

// Close closes the underlying socket.
func (s *ServerSession[Req, Resp]) Close() error { return s.sess.Close() }

// Raw returns the underlying Session, e.g. so the listener can take
// ownership back on close.
func (s *ServerSession[Req, Resp]) Raw() *session.Session { return s.sess }
