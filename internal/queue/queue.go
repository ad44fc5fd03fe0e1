// Package queue implements the bounded, MPSC-like inter-thread channel that
// links the listener, workers, storage, and admin threads, each paired with
// an OS-level waker that unblocks the receiving side's poll loop.
package queue

import (
	"github.com/pkg/errors"

	"github.com/cachecored/cachecored/internal/epoll"
)

// DefaultCapacity is QUEUE_CAPACITY from spec.md §4.5.
const DefaultCapacity = 2048

// ErrFull is returned by the Try* send methods on overflow.
var ErrFull = errors.New("queue: full")

// Waker is satisfied by *epoll.Waker; kept as an interface so tests can
// stub it without an epoll instance.
type Waker interface {
	Wake() error
}

var _ Waker = (*epoll.Waker)(nil)

// Queue carries messages of type T toward one or more named destinations
// (TrySendTo addresses them by index; a Queue with one destination is the
// common case) and messages of type U back to this Queue's owner, who is
// woken via an attached Waker when U arrives while its poll is blocked.
type Queue[T, U any] struct {
	out       []chan T
	in        chan U
	waker     Waker // wakes this Queue's owner when U arrives
	peerWaker Waker // wakes the consumer of T, if that side also polls
	next      int   // round-robin cursor for TrySendAny
}

// New creates a Queue with the given capacity, one inbound channel, and
// `destinations` outbound channels (use 1 unless the queue fans out to more
// than one named consumer, e.g. a session queue per worker).
func New[T, U any](capacity, destinations int, waker Waker) *Queue[T, U] {
	out := make([]chan T, destinations)
	for i := range out {
		out[i] = make(chan T, capacity)
	}
	return &Queue[T, U]{
		out:   out,
		in:    make(chan U, capacity),
		waker: waker,
	}
}

// TrySend is TrySendTo(0, msg).
func (q *Queue[T, U]) TrySend(msg T) error {
	return q.TrySendTo(0, msg)
}

// TrySendTo attempts a non-blocking send to the destination at index i.
// Returns ErrFull on overflow, matching spec.md's "Overflow on send returns
// a distinguishable 'full' error."
func (q *Queue[T, U]) TrySendTo(i int, msg T) error {
	select {
	case q.out[i] <- msg:
		return nil
	default:
		return ErrFull
	}
}

// TrySendAny attempts a non-blocking send to the first non-full
// destination, starting from a rotating cursor for fairness across calls.
func (q *Queue[T, U]) TrySendAny(msg T) error {
	n := len(q.out)
	for k := 0; k < n; k++ {
		i := (q.next + k) % n
		select {
		case q.out[i] <- msg:
			q.next = (i + 1) % n
			return nil
		default:
		}
	}
	return ErrFull
}

// Outbound exposes destination i's channel for the consuming side to range
// or select over (e.g. storage fanning in over every worker's data queue).
func (q *Queue[T, U]) Outbound(i int) <-chan T {
	return q.out[i]
}

// deliver is used by the producer of U (the far side of this Queue) to hand
// a reply to this Queue's owner. It is not part of the spec's Try* surface
// (those are the owner's receive API) but the mechanism producers use to
// push into `in` before calling Wake.
func (q *Queue[T, U]) deliver(msg U) error {
	select {
	case q.in <- msg:
		return nil
	default:
		return ErrFull
	}
}

// Send delivers msg to this Queue's owner and wakes it. Used by the
// producer of the return-direction messages (e.g. storage replying to a
// worker, or the admin thread enqueuing a Signal).
func (q *Queue[T, U]) Send(msg U) error {
	if err := q.deliver(msg); err != nil {
		return err
	}
	return q.Wake()
}

// TryRecv returns at most one pending message.
func (q *Queue[T, U]) TryRecv() (U, bool) {
	select {
	case m := <-q.in:
		return m, true
	default:
		var zero U
		return zero, false
	}
}

// TryRecvAll drains every currently enqueued message into dst, returning
// the extended slice. It stops as soon as the channel is found empty; a
// message that arrives while the drain is still running is taken by the
// same call.
func (q *Queue[T, U]) TryRecvAll(dst []U) []U {
	for {
		select {
		case m := <-q.in:
			dst = append(dst, m)
		default:
			return dst
		}
	}
}

// Wake signals this Queue's owner's waker, unblocking a poll() it may be
// parked in. Calling Wake with no waker attached (e.g. in tests) is a no-op.
func (q *Queue[T, U]) Wake() error {
	if q.waker == nil {
		return nil
	}
	return q.waker.Wake()
}

// SetPeerWaker attaches the waker belonging to the consumer of T (the far
// side of TrySend/TrySendTo/TrySendAny), for queues whose consumer also
// polls rather than blocking on a channel receive.
func (q *Queue[T, U]) SetPeerWaker(w Waker) {
	q.peerWaker = w
}

// WakePeer signals the consumer of T. The storage thread in this repo
// blocks on a channel select instead of polling, so it attaches no
// peerWaker and WakePeer is a no-op; the hook exists so any consumer that
// does poll (e.g. a future sharded storage tier) can opt in without a
// Queue API change.
func (q *Queue[T, U]) WakePeer() error {
	if q.peerWaker == nil {
		return nil
	}
	return q.peerWaker.Wake()
}
