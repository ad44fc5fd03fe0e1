// Package worker implements MultiWorker, the event loop of spec.md §4.4:
// poll, per-event dispatch, the waker branch (new-session intake with
// one-per-wake fairness, unbounded response drain, unbounded signal
// drain), and read/write/close.
package worker

import (
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/cachecored/cachecored/internal/epoll"
	"github.com/cachecored/cachecored/internal/metrics"
	"github.com/cachecored/cachecored/internal/protocol"
	"github.com/cachecored/cachecored/internal/queue"
	"github.com/cachecored/cachecored/internal/serversession"
	"github.com/cachecored/cachecored/internal/session"
	"github.com/cachecored/cachecored/internal/signal"
	"github.com/cachecored/cachecored/internal/token"
)

// DataRequest is the (Request, Token) message a worker sends to storage.
type DataRequest[Req any] struct {
	Req Req
	Tok token.Token
}

// DataResponse is the (Request, Response, Token) message storage returns.
// The request is echoed back explicitly (spec.md §4.3) so the worker needs
// no in-worker bookkeeping to pair a response with its session's last
// parsed request.
type DataResponse[Req, Resp any] struct {
	Req  Req
	Resp Resp
	Tok  token.Token
}

// DataQueue is the worker-owned Outbound data queue: worker sends
// DataRequest, storage returns DataResponse.
type DataQueue[Req, Resp any] = queue.Queue[DataRequest[Req], DataResponse[Req, Resp]]

// SessionQueue hands *session.Session ownership between listener and
// worker in both directions.
type SessionQueue = queue.Queue[*session.Session, *session.Session]

// SignalQueue carries admin-originated Signal values to the worker. The
// worker never sends on it, hence the unused struct{} send type.
type SignalQueue = queue.Queue[struct{}, signal.Signal]

// Config bounds one MultiWorker's event loop.
type Config struct {
	NumEvents int
	Timeout   time.Duration
}

// MultiWorker is the event loop described by spec.md §4.4.
type MultiWorker[Req, Resp any] struct {
	id     int
	cfg    Config
	poller *epoll.Poller
	waker  *epoll.Waker

	slots    *token.Table[*serversession.ServerSession[Req, Resp]]
	data     *DataQueue[Req, Resp]
	sessions *SessionQueue
	signals  *SignalQueue
	metrics  *metrics.Registry
	codec    protocol.Codec[Req, Resp]
	logger   *log.Logger

	// pending tracks when each outstanding request was forwarded to
	// storage, so handleResponse can observe its round-trip latency. Only
	// Run's goroutine touches it, so it needs no lock.
	pending map[token.Token]time.Time

	// InvalidResponse, if set, builds a protocol-level error response for
	// a ParseRequest ErrInvalid before the session is closed (spec.md
	// §7: memcache sends CLIENT_ERROR then closes; RESP leaves it nil
	// and the worker closes immediately with no response).
	InvalidResponse func(parseErr error) (resp Resp, ok bool)

	scratchEvents []epoll.Event
	scratchResp   []DataResponse[Req, Resp]
	scratchSig    []signal.Signal
}

// New constructs a MultiWorker. codec is cloned once per accepted session.
func New[Req, Resp any](
	id int,
	cfg Config,
	poller *epoll.Poller,
	waker *epoll.Waker,
	data *DataQueue[Req, Resp],
	sessions *SessionQueue,
	signals *SignalQueue,
	reg *metrics.Registry,
	codec protocol.Codec[Req, Resp],
	logger *log.Logger,
) *MultiWorker[Req, Resp] {
	return &MultiWorker[Req, Resp]{
		id:       id,
		cfg:      cfg,
		poller:   poller,
		waker:    waker,
		slots:    token.NewTable[*serversession.ServerSession[Req, Resp]](),
		data:     data,
		sessions: sessions,
		signals:  signals,
		metrics:  reg,
		codec:    codec,
		logger:   logger,
		pending:  make(map[token.Token]time.Time),
	}
}

func (w *MultiWorker[Req, Resp]) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf("worker[%d] "+format, append([]any{w.id}, args...)...)
}

// Run is the main loop. It returns nil on a clean Shutdown, which is its
// only exit: every poll error, including one from a poller that has become
// unusable (e.g. closed externally), is logged and the loop continues.
func (w *MultiWorker[Req, Resp]) Run() error {
	for {
		events, err := w.poller.Poll(w.scratchEvents[:0], w.cfg.NumEvents, w.cfg.Timeout)
		if err != nil {
			w.logf("poll error: %v", err)
			continue
		}
		w.scratchEvents = events

		for _, ev := range events {
			if ev.Token == token.Waker {
				shutdown, err := w.handleWaker()
				if err != nil {
					w.logf("waker branch error: %v", err)
				}
				if shutdown {
					return nil
				}
				continue
			}
			w.dispatch(ev)
		}
	}
}

func (w *MultiWorker[Req, Resp]) dispatch(ev epoll.Event) {
	if _, ok := w.slots.Get(ev.Token); !ok {
		return // slot lookup miss: race with close, drop silently
	}
	if ev.Error {
		w.close(ev.Token)
		return
	}
	if ev.Writable {
		if err := w.write(ev.Token); err != nil {
			w.logf("write(%d): %v", ev.Token, err)
			w.close(ev.Token)
			return
		}
	}
	if ev.Readable {
		if err := w.read(ev.Token); err != nil {
			w.logf("read(%d): %v", ev.Token, err)
			w.close(ev.Token)
		}
	}
}

// handleWaker implements spec.md §4.4.1: new-session intake (at most one
// per wake), unbounded response drain, unbounded signal drain.
func (w *MultiWorker[Req, Resp]) handleWaker() (shutdown bool, err error) {
	w.waker.Drain()

	w.intakeSession()

	w.scratchResp = w.data.TryRecvAll(w.scratchResp[:0])
	for _, m := range w.scratchResp {
		w.logf("response tok=%d", m.Tok)
		w.handleResponse(m)
	}

	w.scratchSig = w.signals.TryRecvAll(w.scratchSig[:0])
	for _, sig := range w.scratchSig {
		switch sig {
		case signal.FlushAll:
			// no-op at the worker; storage owns flush semantics.
		case signal.Shutdown:
			return true, nil
		}
	}
	return false, nil
}

func (w *MultiWorker[Req, Resp]) intakeSession() {
	sess, ok := w.sessions.TryRecv()
	if !ok {
		return
	}
	tok := w.slots.Reserve()
	ss := serversession.New(sess, w.codec.Clone())
	if err := ss.Register(w.poller, tok); err != nil {
		// Open question (spec.md §9): bounded retry, no spinning.
		// One immediate retry against the same poller; if that also
		// fails the fd is almost certainly broken, so we report the
		// session back to the listener on the session queue, and only
		// log and close it here if that queue is full.
		if err2 := ss.Register(w.poller, tok); err2 != nil {
			w.slots.Remove(tok)
			if sendErr := w.sessions.TrySend(sess); sendErr != nil {
				w.logf("intake: registration failed twice and session queue full, dropping: %v", err2)
				_ = sess.Close()
			}
			return
		}
	}
	w.slots.Insert(tok, ss)
	w.metrics.CurrConnections.Add(1)
	// Re-arm so a subsequent waker visit drains the next pending session:
	// bounded fairness admits at most one new session per wake.
	if err := w.waker.Wake(); err != nil {
		w.logf("intake: re-arm waker: %v", err)
	}
}

func (w *MultiWorker[Req, Resp]) handleResponse(m DataResponse[Req, Resp]) {
	if started, ok := w.pending[m.Tok]; ok {
		w.metrics.Latency.Observe(time.Since(started).Microseconds())
		delete(w.pending, m.Tok)
	}

	ss, ok := w.slots.Get(m.Tok)
	if !ok {
		return // session already closed; drop silently
	}

	hangup := false
	if h, ok := any(m.Resp).(protocol.Hangup); ok {
		hangup = h.ShouldHangup()
	}

	if err := ss.Send(m.Resp); err != nil {
		w.close(m.Tok)
		return
	}
	if hangup {
		w.close(m.Tok)
		return
	}

	if ss.WritePending() > 0 {
		pending := ss.WritePending()
		if err := ss.Flush(); err != nil {
			w.close(m.Tok)
			return
		}
		w.metrics.BytesWritten.Add(int64(pending - ss.WritePending()))
		if ss.WritePending() > 0 {
			if err := ss.Reregister(w.poller, m.Tok); err != nil {
				w.close(m.Tok)
				return
			}
		}
	}

	if ss.Remaining() > 0 {
		if err := w.read(m.Tok); err != nil {
			w.close(m.Tok)
		}
	}
}

// read implements spec.md §4.4.2.
func (w *MultiWorker[Req, Resp]) read(tok token.Token) error {
	ss, ok := w.slots.Get(tok)
	if !ok {
		return nil
	}
	n, err := ss.Fill()
	w.metrics.BytesRead.Add(int64(n))
	if err != nil {
		return err
	}

	req, err := ss.Receive()
	if err == protocol.ErrWouldBlock {
		return nil
	}
	if err == protocol.ErrInvalid {
		if w.InvalidResponse != nil {
			if resp, ok := w.InvalidResponse(err); ok {
				_ = ss.Send(resp)
				_ = ss.Flush()
			}
		}
		return err
	}
	if err != nil {
		return err
	}

	if sendErr := w.data.TrySendTo(0, DataRequest[Req]{Req: req, Tok: tok}); sendErr != nil {
		// Backpressure: a full data queue closes the offending session
		// rather than blocking the worker (spec.md §5, §7).
		return errors.Wrap(sendErr, "data queue full")
	}
	w.pending[tok] = time.Now()
	if err := w.data.WakePeer(); err != nil {
		w.logf("read: wake storage: %v", err)
	}
	return nil
}

// write implements spec.md §4.4.3.
func (w *MultiWorker[Req, Resp]) write(tok token.Token) error {
	ss, ok := w.slots.Get(tok)
	if !ok {
		return nil
	}
	pending := ss.WritePending()
	err := ss.Flush()
	w.metrics.BytesWritten.Add(int64(pending - ss.WritePending()))
	return err
}

// close implements spec.md §4.4.4: remove the slot, deregister, return the
// raw session to the listener, and wake it. If the session queue is full,
// the session is not returned: it is logged and closed here instead.
func (w *MultiWorker[Req, Resp]) close(tok token.Token) {
	ss, ok := w.slots.Get(tok)
	if !ok {
		return
	}
	w.slots.Remove(tok)
	delete(w.pending, tok)
	_ = ss.Deregister(w.poller)
	w.metrics.CurrConnections.Add(-1)

	raw := ss.Raw()
	if err := w.sessions.TrySend(raw); err != nil {
		w.logf("close(%d): session queue full, closing directly: %v", tok, err)
		_ = raw.Close()
		return
	}
	if err := w.sessions.Wake(); err != nil {
		w.logf("close(%d): wake listener: %v", tok, err)
	}
}
