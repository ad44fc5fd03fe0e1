package epoll

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/cachecored/cachecored/internal/token"
)

// Waker is the OS-level object whose Wake unblocks a peer thread's Poll.
// It is backed by a Linux eventfd registered for readability under
// token.Waker, matching spec's "Reserved value WAKER_TOKEN denotes the
// worker's cross-thread wakeup."
type Waker struct {
	fd int
}

// NewWaker creates an eventfd and registers it with p under token.Waker.
func NewWaker(p *Poller) (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "eventfd")
	}
	w := &Waker{fd: fd}
	if err := p.Register(fd, token.Waker, Readable); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return w, nil
}

// Wake signals the peer. Safe to call from any goroutine; idempotent
// within a single event-loop iteration because the peer drains the
// eventfd's accumulated counter in one read.
func (w *Waker) Wake() error {
	buf := [8]byte{1, 0, 0, 0, 0, 0, 0, 0}
	_, err := unix.Write(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return errors.Wrap(err, "eventfd write")
	}
	return nil
}

// Drain consumes the eventfd's counter so the next Wake re-arms readiness.
// Call once per waker-branch visit.
func (w *Waker) Drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err != nil {
			return
		}
	}
}

// Close releases the eventfd.
func (w *Waker) Close() error {
	return unix.Close(w.fd)
}
