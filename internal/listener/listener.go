// Package listener is the reference TCP listener (spec.md §1's
// out-of-scope collaborator, implemented here so the CORE is exercisable
// end-to-end): it accepts raw non-blocking sockets, wraps them in
// session.Session, and hands ownership to a worker through that worker's
// session queue. It also owns graceful close: when a worker returns a
// session, the listener attempts one final flush before closing it.
package listener

import (
	"log"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/cachecored/cachecored/internal/session"
	"github.com/cachecored/cachecored/internal/worker"
)

// acceptIdleBackoff bounds how long AcceptLoop sleeps after an EAGAIN
// before retrying accept4, so an idle listener doesn't spin at 100% CPU
// between connections.
const acceptIdleBackoff = 5 * time.Millisecond

// Listener owns the accept socket and the round-robin assignment of new
// sessions to workers.
type Listener struct {
	fd      int
	queues  []*worker.SessionQueue // one per worker
	logger  *log.Logger
	next    int
}

// New binds and listens on addr (host:port). The listening socket and
// every accepted connection are non-blocking, matching the worker event
// loop's "socket I/O is non-blocking" invariant (spec.md §5).
func New(addr string, queues []*worker.SessionQueue, logger *log.Logger) (*Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "listener: split addr")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrap(err, "listener: parse port")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "listener: socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "listener: SO_REUSEADDR")
	}

	var sa unix.SockaddrInet4
	sa.Port = port
	if host != "" {
		ip := net.ParseIP(host).To4()
		if ip == nil {
			unix.Close(fd)
			return nil, errors.Errorf("listener: invalid IPv4 address %q", host)
		}
		copy(sa.Addr[:], ip)
	}
	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "listener: bind")
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "listener: listen")
	}

	return &Listener{fd: fd, queues: queues, logger: logger}, nil
}

func (l *Listener) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("listener: "+format, args...)
}

// AcceptLoop blocks accepting connections until done is closed or the
// listen socket errors. Each accepted connection is assigned to the next
// worker in round-robin order.
func (l *Listener) AcceptLoop(done <-chan struct{}) error {
	// The listen fd is non-blocking; poll it with a plain epoll-free
	// blocking retry loop backed by a short select on `done` so shutdown
	// is still observed promptly without a dedicated poller for one fd.
	for {
		select {
		case <-done:
			return nil
		default:
		}

		connFd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN {
				// Idle backoff instead of a busy spin; done is rechecked
				// at the top of the loop on the next iteration.
				time.Sleep(acceptIdleBackoff)
				continue
			}
			return errors.Wrap(err, "listener: accept4")
		}

		sess := session.New(connFd)
		if err := l.assign(sess); err != nil {
			l.logf("assign failed, closing fd: %v", err)
			_ = sess.Close()
		}
	}
}

// assign hands sess to the next worker in round-robin order, trying every
// worker once before giving up (load-shedding at intake rather than
// blocking the accept loop).
func (l *Listener) assign(sess *session.Session) error {
	n := len(l.queues)
	for k := 0; k < n; k++ {
		i := (l.next + k) % n
		if err := l.queues[i].Send(sess); err == nil {
			l.next = (i + 1) % n
			return nil
		}
	}
	return errors.New("listener: every worker's session queue is full")
}

// ReclaimLoop fans in every worker's returned-session channel and performs
// graceful close: one last flush attempt, then Close.
func (l *Listener) ReclaimLoop(done <-chan struct{}) {
	sink := make(chan *session.Session, 256)
	for _, q := range l.queues {
		go func(q *worker.SessionQueue) {
			for {
				select {
				case s, ok := <-q.Outbound(0):
					if !ok {
						return
					}
					select {
					case sink <- s:
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}(q)
	}

	for {
		select {
		case <-done:
			return
		case s := <-sink:
			if err := s.Flush(); err != nil {
				l.logf("reclaim: final flush: %v", err)
			}
			if err := s.Close(); err != nil {
				l.logf("reclaim: close: %v", err)
			}
		}
	}
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}
