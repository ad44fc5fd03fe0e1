package worker

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cachecored/cachecored/internal/epoll"
	"github.com/cachecored/cachecored/internal/metrics"
	"github.com/cachecored/cachecored/internal/protocol/admin"
	"github.com/cachecored/cachecored/internal/queue"
	"github.com/cachecored/cachecored/internal/session"
	"github.com/cachecored/cachecored/internal/signal"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// adminWorker wires a MultiWorker[admin.Request, admin.Response] plus a
// storage stand-in goroutine that answers each admin verb with a fixed
// response (in place of internal/adminserver's handler), so the tests
// exercise the event loop without depending on that package.
type adminWorker struct {
	w       *MultiWorker[admin.Request, admin.Response]
	data    *DataQueue[admin.Request, admin.Response]
	sess    *SessionQueue
	signals *SignalQueue
	poller  *epoll.Poller
	waker   *epoll.Waker
	reg     *metrics.Registry
	done    chan struct{}
}

func newAdminWorker(t *testing.T, queueCap int) *adminWorker {
	t.Helper()
	p, err := epoll.New()
	if err != nil {
		t.Fatalf("epoll.New: %v", err)
	}
	waker, err := epoll.NewWaker(p)
	if err != nil {
		t.Fatalf("NewWaker: %v", err)
	}

	data := queue.New[DataRequest[admin.Request], DataResponse[admin.Request, admin.Response]](queueCap, 1, waker)
	sess := queue.New[*session.Session, *session.Session](queueCap, 1, waker)
	sig := queue.New[struct{}, signal.Signal](queueCap, 1, waker)

	reg := metrics.New()
	w := New[admin.Request, admin.Response](0, Config{NumEvents: 16, Timeout: 50 * time.Millisecond}, p, waker, data, sess, sig, reg, admin.Codec{}, nil)

	aw := &adminWorker{w: w, data: data, sess: sess, signals: sig, poller: p, waker: waker, reg: reg, done: make(chan struct{})}
	return aw
}

func (aw *adminWorker) runStorage(t *testing.T) {
	t.Helper()
	go func() {
		for m := range aw.data.Outbound(0) {
			var resp admin.Response
			switch m.Req.Verb {
			case admin.FlushAll:
				resp = admin.Response{Kind: admin.KindOK}
			case admin.Version:
				resp = admin.Response{Kind: admin.KindVersion, Version: "1.0"}
			case admin.Quit:
				resp = admin.Response{Kind: admin.KindHangup}
			case admin.Stats:
				resp = admin.Response{Kind: admin.KindStats}
			}
			if err := aw.data.Send(DataResponse[admin.Request, admin.Response]{Req: m.Req, Resp: resp, Tok: m.Tok}); err != nil {
				return
			}
		}
	}()
}

func (aw *adminWorker) runWorker(t *testing.T) {
	t.Helper()
	go func() {
		aw.w.Run()
		close(aw.done)
	}()
}

func (aw *adminWorker) intake(t *testing.T, sess *session.Session) {
	t.Helper()
	if err := aw.sess.Send(sess); err != nil {
		t.Fatalf("intake Send: %v", err)
	}
}

func readAll(t *testing.T, fd int, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var out []byte
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			return out
		}
		if err != nil && err != unix.EAGAIN {
			return out
		}
		time.Sleep(2 * time.Millisecond)
	}
	return out
}

func TestWorkerVersionRoundTrip(t *testing.T) {
	aw := newAdminWorker(t, 8)
	aw.runStorage(t)
	aw.runWorker(t)
	defer aw.poller.Close()
	defer aw.waker.Close()

	peer, owned := socketpair(t)
	aw.intake(t, session.New(owned))

	unix.Write(peer, []byte("version\r\n"))
	got := readAll(t, peer, time.Second)
	if string(got) != "VERSION 1.0\r\n" {
		t.Fatalf("got %q, want VERSION 1.0\\r\\n", got)
	}

	aw.signals.Send(signal.Shutdown)
	select {
	case <-aw.done:
	case <-time.After(time.Second):
		t.Fatalf("worker did not exit after Shutdown signal")
	}
}

func TestWorkerRecordsMetrics(t *testing.T) {
	aw := newAdminWorker(t, 8)
	aw.runStorage(t)
	aw.runWorker(t)
	defer aw.poller.Close()
	defer aw.waker.Close()

	peer, owned := socketpair(t)
	aw.intake(t, session.New(owned))

	unix.Write(peer, []byte("version\r\n"))
	readAll(t, peer, time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if aw.reg.BytesRead.Load() > 0 && aw.reg.BytesWritten.Load() > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if n := aw.reg.BytesRead.Load(); n == 0 {
		t.Fatalf("BytesRead = %d, want > 0 after a request was read", n)
	}
	if n := aw.reg.BytesWritten.Load(); n == 0 {
		t.Fatalf("BytesWritten = %d, want > 0 after a response was flushed", n)
	}
	stats := aw.reg.Snapshot()
	var sawNonzeroLatency bool
	for _, s := range stats {
		if s.Name == "request_latency_us.p50" && s.Value != "0" {
			sawNonzeroLatency = true
		}
	}
	if !sawNonzeroLatency {
		t.Fatalf("request_latency_us.p50 stayed 0 after a round trip: %+v", stats)
	}

	aw.signals.Send(signal.Shutdown)
	<-aw.done
}

func TestWorkerQuitClosesSession(t *testing.T) {
	aw := newAdminWorker(t, 8)
	aw.runStorage(t)
	aw.runWorker(t)
	defer aw.poller.Close()
	defer aw.waker.Close()

	peer, owned := socketpair(t)
	aw.intake(t, session.New(owned))

	unix.Write(peer, []byte("quit\r\n"))

	deadline := time.Now().Add(time.Second)
	var closed bool
	for time.Now().Before(deadline) {
		var probe [1]byte
		n, err := unix.Read(peer, probe[:])
		if n == 0 && err != unix.EAGAIN {
			closed = true
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !closed {
		t.Fatalf("peer socket was not closed after quit")
	}

	aw.signals.Send(signal.Shutdown)
	<-aw.done
}

func TestWorkerPipelinedRequests(t *testing.T) {
	aw := newAdminWorker(t, 8)
	aw.runStorage(t)
	aw.runWorker(t)
	defer aw.poller.Close()
	defer aw.waker.Close()

	peer, owned := socketpair(t)
	aw.intake(t, session.New(owned))

	unix.Write(peer, []byte("version\r\nversion\r\n"))
	got := readAll(t, peer, time.Second)
	want := "VERSION 1.0\r\n"
	if string(got) != want {
		// The first reply may arrive alone if the second request's read
		// is still pending; give it one more round before failing.
		got = append(got, readAll(t, peer, time.Second)...)
	}
	if string(got) != want+want {
		t.Fatalf("got %q, want two VERSION replies", got)
	}

	aw.signals.Send(signal.Shutdown)
	<-aw.done
}

func TestWorkerDataQueueFullClosesSession(t *testing.T) {
	aw := newAdminWorker(t, 1)
	// No storage goroutine: the data queue never drains, so the second
	// request overflows it and the worker closes the session.
	aw.runWorker(t)
	defer aw.poller.Close()
	defer aw.waker.Close()

	peer, owned := socketpair(t)
	aw.intake(t, session.New(owned))

	// First request fills the one-deep data queue (no storage goroutine
	// drains it). Each write is a separate edge-triggered readable event,
	// so the second request is parsed and attempted on its own send.
	unix.Write(peer, []byte("version\r\n"))
	time.Sleep(50 * time.Millisecond)
	unix.Write(peer, []byte("version\r\n"))

	deadline := time.Now().Add(time.Second)
	var closed bool
	for time.Now().Before(deadline) {
		var probe [1]byte
		n, err := unix.Read(peer, probe[:])
		if n == 0 && err != unix.EAGAIN {
			closed = true
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !closed {
		t.Fatalf("peer socket was not closed after data queue overflow")
	}

	aw.signals.Send(signal.Shutdown)
	<-aw.done
}

func TestWorkerInvalidRequestClosesSessionWithResponse(t *testing.T) {
	aw := newAdminWorker(t, 8)
	aw.runStorage(t)
	aw.w.InvalidResponse = func(err error) (admin.Response, bool) {
		return admin.Response{Kind: admin.KindOK}, true
	}
	aw.runWorker(t)
	defer aw.poller.Close()
	defer aw.waker.Close()

	peer, owned := socketpair(t)
	aw.intake(t, session.New(owned))

	unix.Write(peer, []byte("bogus\r\n"))
	got := readAll(t, peer, time.Second)
	if string(got) != "OK\r\n" {
		t.Fatalf("got %q, want OK\\r\\n before close", got)
	}

	aw.signals.Send(signal.Shutdown)
	<-aw.done
}
