// Package epoll is the OS multiplexer backing Session readiness and the
// MultiWorker poll loop: a thin wrapper over Linux epoll plus an
// eventfd-backed cross-thread Waker.
package epoll

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/cachecored/cachecored/internal/token"
)

// Interest is the set of readiness conditions a registration cares about.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) events() uint32 {
	ev := uint32(unix.EPOLLET) // edge-triggered: fill/flush must drain fully on each notification
	if i&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Event is one delivered readiness notification.
type Event struct {
	Token    token.Token
	Readable bool
	Writable bool
	Error    bool
}

// Poller owns one epoll instance, private to a single worker thread.
type Poller struct {
	fd int
}

// New creates an epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &Poller{fd: fd}, nil
}

// Register installs readiness notifications for fd under tok.
func (p *Poller) Register(fd int, tok token.Token, interest Interest) error {
	ev := &unix.EpollEvent{Events: interest.events(), Fd: int32(fd)}
	packTokenInto(ev, tok)
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return errors.Wrap(err, "epoll_ctl(add)")
	}
	return nil
}

// Reregister updates the interest set for an already-registered fd.
func (p *Poller) Reregister(fd int, tok token.Token, interest Interest) error {
	ev := &unix.EpollEvent{Events: interest.events(), Fd: int32(fd)}
	packTokenInto(ev, tok)
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return errors.Wrap(err, "epoll_ctl(mod)")
	}
	return nil
}

// Deregister removes fd from this poller.
func (p *Poller) Deregister(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrap(err, "epoll_ctl(del)")
	}
	return nil
}

// Poll blocks up to timeout for readiness events, appending them to dst and
// returning the extended slice. A poll error is returned to the caller to
// log and continue, per the event loop's "poll error: log, keep looping"
// policy; it is never fatal here.
func (p *Poller) Poll(dst []Event, nevent int, timeout time.Duration) ([]Event, error) {
	raw := make([]unix.EpollEvent, nevent)
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(p.fd, raw, ms)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, errors.Wrap(err, "epoll_wait")
	}
	for i := 0; i < n; i++ {
		e := raw[i]
		dst = append(dst, Event{
			Token:    unpackToken(e),
			Readable: e.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Error:    e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return dst, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}

// The kernel only round-trips the raw 8-byte epoll_data union for us; stash
// the token there directly rather than maintaining a side table.
func packTokenInto(ev *unix.EpollEvent, tok token.Token) {
	ev.Fd = int32(tok) //nolint:staticcheck // epoll_data reused to carry the token, not the fd
	ev.Pad = int32(tok >> 32)
}

func unpackToken(ev unix.EpollEvent) token.Token {
	return token.Token(uint32(ev.Fd)) | token.Token(uint32(ev.Pad))<<32
}
