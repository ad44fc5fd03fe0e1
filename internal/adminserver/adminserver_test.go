package adminserver

import (
	"testing"
	"time"

	"github.com/cachecored/cachecored/internal/metrics"
	"github.com/cachecored/cachecored/internal/protocol/admin"
	"github.com/cachecored/cachecored/internal/queue"
	"github.com/cachecored/cachecored/internal/signal"
	"github.com/cachecored/cachecored/internal/storage"
	"github.com/cachecored/cachecored/internal/token"
	"github.com/cachecored/cachecored/internal/worker"
)

func newBroadcaster(signalQueues ...*worker.SignalQueue) *Broadcaster {
	return &Broadcaster{
		WorkerSignals: signalQueues,
		Engine:        storage.NewEngine(1 << 20),
		Metrics:       metrics.New(),
	}
}

func TestBroadcastShutdownReachesEveryWorker(t *testing.T) {
	s1 := queue.New[struct{}, signal.Signal](4, 1, nil)
	s2 := queue.New[struct{}, signal.Signal](4, 1, nil)
	b := newBroadcaster(s1, s2)

	b.BroadcastShutdown()

	for i, s := range []*worker.SignalQueue{s1, s2} {
		sig, ok := s.TryRecv()
		if !ok || sig != signal.Shutdown {
			t.Fatalf("worker %d signal = %v, %v; want Shutdown, true", i, sig, ok)
		}
	}
}

func TestHandleFlushAllClearsEngineAndBroadcasts(t *testing.T) {
	s1 := queue.New[struct{}, signal.Signal](4, 1, nil)
	b := newBroadcaster(s1)
	b.Engine.Set("foo", []byte("bar"), 0, 0)

	resp := handle(admin.Request{Verb: admin.FlushAll}, token.Token(1), b)
	if resp.Kind != admin.KindOK {
		t.Fatalf("Kind = %v, want KindOK", resp.Kind)
	}
	if _, _, ok := b.Engine.Get("foo"); ok {
		t.Fatalf("engine should be empty after flush_all")
	}
	if b.Metrics.CmdFlush.Load() != 1 {
		t.Fatalf("CmdFlush = %d, want 1", b.Metrics.CmdFlush.Load())
	}
	if sig, ok := s1.TryRecv(); !ok || sig != signal.FlushAll {
		t.Fatalf("worker signal = %v, %v; want FlushAll, true", sig, ok)
	}
}

func TestHandleStatsReturnsSnapshot(t *testing.T) {
	b := newBroadcaster()
	b.Metrics.CmdGet.Add(3)

	resp := handle(admin.Request{Verb: admin.Stats}, token.Token(1), b)
	if resp.Kind != admin.KindStats {
		t.Fatalf("Kind = %v, want KindStats", resp.Kind)
	}
	found := false
	for _, s := range resp.Stats {
		if s.Name == "cmd_get" && s.Value == "3" {
			found = true
		}
	}
	if !found {
		t.Fatalf("stats snapshot missing cmd_get=3: %+v", resp.Stats)
	}
}

func TestHandleVersionAndQuit(t *testing.T) {
	b := newBroadcaster()

	v := handle(admin.Request{Verb: admin.Version}, token.Token(1), b)
	if v.Kind != admin.KindVersion || v.Version != Version {
		t.Fatalf("version response = %+v, want Kind=KindVersion Version=%s", v, Version)
	}

	q := handle(admin.Request{Verb: admin.Quit}, token.Token(1), b)
	if q.Kind != admin.KindHangup {
		t.Fatalf("Kind = %v, want KindHangup", q.Kind)
	}
}

func TestHandleGatesFlushAllAndQuitWhenSecretConfigured(t *testing.T) {
	b := newBroadcaster()
	b.AdminSecret = "hunter2"
	tok := token.Token(3)

	if resp := handle(admin.Request{Verb: admin.FlushAll}, tok, b); resp.Kind != admin.KindDenied {
		t.Fatalf("unauthenticated flush_all = %v, want KindDenied", resp.Kind)
	}
	if resp := handle(admin.Request{Verb: admin.Quit}, tok, b); resp.Kind != admin.KindDenied {
		t.Fatalf("unauthenticated quit = %v, want KindDenied", resp.Kind)
	}

	if resp := handle(admin.Request{Verb: admin.Auth, Arg: "wrong"}, tok, b); resp.Kind != admin.KindDenied {
		t.Fatalf("auth with wrong passphrase = %v, want KindDenied", resp.Kind)
	}
	if resp := handle(admin.Request{Verb: admin.FlushAll}, tok, b); resp.Kind != admin.KindDenied {
		t.Fatalf("flush_all after failed auth = %v, want still KindDenied", resp.Kind)
	}

	if resp := handle(admin.Request{Verb: admin.Auth, Arg: "hunter2"}, tok, b); resp.Kind != admin.KindOK {
		t.Fatalf("auth with correct passphrase = %v, want KindOK", resp.Kind)
	}
	if resp := handle(admin.Request{Verb: admin.FlushAll}, tok, b); resp.Kind != admin.KindOK {
		t.Fatalf("flush_all after successful auth = %v, want KindOK", resp.Kind)
	}

	// A different, never-authenticated connection is still gated.
	other := token.Token(4)
	if resp := handle(admin.Request{Verb: admin.Quit}, other, b); resp.Kind != admin.KindDenied {
		t.Fatalf("quit on a different unauthenticated connection = %v, want KindDenied", resp.Kind)
	}
}

func TestHandleNoGateWhenSecretUnset(t *testing.T) {
	b := newBroadcaster()
	tok := token.Token(9)

	if resp := handle(admin.Request{Verb: admin.FlushAll}, tok, b); resp.Kind != admin.KindOK {
		t.Fatalf("flush_all with no configured secret = %v, want KindOK", resp.Kind)
	}
}

func TestRunServicesDataQueue(t *testing.T) {
	b := newBroadcaster()
	q := queue.New[worker.DataRequest[admin.Request], worker.DataResponse[admin.Request, admin.Response]](8, 1, nil)
	done := make(chan struct{})
	defer close(done)

	go Run(q, b, done)

	if err := q.TrySendTo(0, worker.DataRequest[admin.Request]{Req: admin.Request{Verb: admin.Version}, Tok: 7}); err != nil {
		t.Fatalf("TrySendTo: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m, ok := q.TryRecv(); ok {
			if m.Tok != 7 || m.Resp.Kind != admin.KindVersion {
				t.Fatalf("unexpected response: %+v", m)
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Run did not reply within the deadline")
}
