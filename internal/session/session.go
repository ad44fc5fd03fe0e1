// Package session implements the buffered, non-blocking byte stream over a
// raw socket that every ServerSession is built on: fill/flush, readiness
// interest, and OS multiplexer (de)registration.
package session

import (
	"io"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/cachecored/cachecored/internal/epoll"
	"github.com/cachecored/cachecored/internal/token"
)

// MaxInboundBuffer bounds per-connection inbound memory (spec.md §5's
// worker-bound backpressure): once unparsed bytes reach this size without a
// request becoming parseable, Fill refuses to grow the buffer further.
const MaxInboundBuffer = 16 << 20

// MaxOutboundBuffer bounds per-connection staged-but-unflushed bytes for a
// session whose peer stalls draining its socket.
const MaxOutboundBuffer = 16 << 20

// ErrOutboundFull is returned by Send when staging would exceed
// MaxOutboundBuffer; the worker treats this like any other send error and
// closes the session.
var ErrOutboundFull = errors.New("session: outbound buffer full")

// Session owns one non-blocking socket and its inbound/outbound byte
// buffers. It performs no parsing; ServerSession couples it with a Codec.
type Session struct {
	fd  int
	in  []byte // unparsed inbound bytes, read cursor implicit at index 0
	out []byte // staged-but-unflushed outbound bytes

	peerClosed bool
}

// New wraps an already-accepted, already-non-blocking socket fd.
func New(fd int) *Session {
	return &Session{fd: fd}
}

// FD returns the raw file descriptor, for registration with a Poller.
func (s *Session) FD() int { return s.fd }

// Fill reads from the socket into the inbound buffer until EAGAIN, an
// error, or MaxInboundBuffer is reached. Returns the number of bytes read.
// A zero-length read surfaces as io.EOF per spec.md §4.1.
func (s *Session) Fill() (int, error) {
	total := 0
	buf := make([]byte, 64*1024)
	for {
		if len(s.in) >= MaxInboundBuffer {
			return total, nil
		}
		n, err := unix.Read(s.fd, buf)
		if n > 0 {
			s.in = append(s.in, buf[:n]...)
			total += n
		}
		if err != nil {
			if err == unix.EAGAIN {
				return total, nil
			}
			return total, errors.Wrap(err, "session: read")
		}
		if n == 0 {
			s.peerClosed = true
			return total, io.EOF
		}
		if n < len(buf) {
			// Short read: the socket is very likely drained; one more
			// read will confirm EAGAIN on the next loop iteration.
			continue
		}
	}
}

// Unparsed returns the inbound bytes not yet consumed by a codec.
func (s *Session) Unparsed() []byte { return s.in }

// Remaining is len(Unparsed()).
func (s *Session) Remaining() int { return len(s.in) }

// Advance drops n consumed bytes from the front of the inbound buffer.
func (s *Session) Advance(n int) {
	s.in = append(s.in[:0], s.in[n:]...)
}

// Stage appends bytes to the outbound buffer without performing I/O.
func (s *Session) Stage(b []byte) error {
	if len(s.out)+len(b) > MaxOutboundBuffer {
		return ErrOutboundFull
	}
	s.out = append(s.out, b...)
	return nil
}

// WritePending is len(staged-but-unflushed bytes).
func (s *Session) WritePending() int { return len(s.out) }

// Flush attempts to write staged bytes to the socket. A partial write is
// not an error: the unwritten remainder stays staged for the next Flush.
// EAGAIN is expected and non-fatal.
func (s *Session) Flush() error {
	for len(s.out) > 0 {
		n, err := unix.Write(s.fd, s.out)
		if n > 0 {
			s.out = append(s.out[:0], s.out[n:]...)
		}
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return errors.Wrap(err, "session: write")
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

// Interest is always readable, plus writable iff WritePending() > 0, per
// spec.md §4.1.
func (s *Session) Interest() epoll.Interest {
	i := epoll.Readable
	if s.WritePending() > 0 {
		i |= epoll.Writable
	}
	return i
}

// Register installs this session with p under tok, using its current
// Interest().
func (s *Session) Register(p *epoll.Poller, tok token.Token) error {
	return p.Register(s.fd, tok, s.Interest())
}

// Reregister updates this session's readiness interest with p.
func (s *Session) Reregister(p *epoll.Poller, tok token.Token) error {
	return p.Reregister(s.fd, tok, s.Interest())
}

// Deregister removes this session from p.
func (s *Session) Deregister(p *epoll.Poller) error {
	return p.Deregister(s.fd)
}

// Close closes the underlying socket.
func (s *Session) Close() error {
	return unix.Close(s.fd)
}
