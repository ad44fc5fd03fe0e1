// Package adminserver is the admin thread: the "variant of the same
// worker shape over a simpler protocol" (spec.md §1) that answers
// flush_all/stats/version/quit and broadcasts FlushAll/Shutdown signals to
// every data worker.
package adminserver

import (
	"crypto/subtle"

	"github.com/cachecored/cachecored/internal/config"
	"github.com/cachecored/cachecored/internal/metrics"
	"github.com/cachecored/cachecored/internal/protocol/admin"
	"github.com/cachecored/cachecored/internal/signal"
	"github.com/cachecored/cachecored/internal/storage"
	"github.com/cachecored/cachecored/internal/token"
	"github.com/cachecored/cachecored/internal/worker"
)

// Version is reported by the admin "version" command.
const Version = "cachecored/1.0"

// adminKeyLen is the pbkdf2 output length compared against an "auth"
// attempt's derived key.
const adminKeyLen = 32

// Broadcaster reaches every data worker's signal queue plus the shared
// storage engine and metrics registry, so the admin thread can act on
// flush_all/shutdown without a data-queue round trip.
type Broadcaster struct {
	WorkerSignals []*worker.SignalQueue
	Engine        *storage.Engine
	Metrics       *metrics.Registry

	// AdminSecret is the configured admin passphrase. Empty disables the
	// auth gate entirely (flush_all/quit are open, matching the startup
	// warning cmd/cachecored prints in that case).
	AdminSecret string

	adminKey      []byte
	authenticated map[token.Token]bool
}

// requiresAuth reports whether flush_all/quit must be gated behind a
// successful "auth" on this connection.
func (b *Broadcaster) requiresAuth() bool { return b.AdminSecret != "" }

// authorize checks whether tok has passed "auth" on this admin worker.
// Run is single-goroutine per admin family (spec.md §1), so the backing
// map needs no lock.
func (b *Broadcaster) authorize(tok token.Token, arg string) bool {
	if b.adminKey == nil {
		b.adminKey = config.DeriveAdminKey(b.AdminSecret, adminKeyLen)
	}
	if subtle.ConstantTimeCompare(config.DeriveAdminKey(arg, adminKeyLen), b.adminKey) != 1 {
		return false
	}
	if b.authenticated == nil {
		b.authenticated = make(map[token.Token]bool)
	}
	b.authenticated[tok] = true
	return true
}

func (b *Broadcaster) isAuthenticated(tok token.Token) bool {
	return b.authenticated != nil && b.authenticated[tok]
}

// BroadcastShutdown enqueues signal.Shutdown to every worker's signal
// queue, waking each one so Run() returns on its next waker visit.
func (b *Broadcaster) BroadcastShutdown() {
	for _, sq := range b.WorkerSignals {
		_ = sq.Send(signal.Shutdown)
	}
}

func (b *Broadcaster) broadcastFlushAll() {
	for _, sq := range b.WorkerSignals {
		_ = sq.Send(signal.FlushAll)
	}
}

// Run services the admin MultiWorker's data queue: a single queue
// suffices because the admin family runs exactly one worker (see
// cmd/cachecored's singleWorker), per spec.md §1's "a variant of the same
// worker shape over a simpler protocol".
func Run(q *worker.DataQueue[admin.Request, admin.Response], b *Broadcaster, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-q.Outbound(0):
			if !ok {
				return
			}
			resp := handle(msg.Req, msg.Tok, b)
			_ = q.Send(worker.DataResponse[admin.Request, admin.Response]{
				Req: msg.Req, Resp: resp, Tok: msg.Tok,
			})
		}
	}
}

// handle answers one admin request. flush_all and quit are privileged: if
// AdminSecret is configured, the connection identified by tok must have
// presented it via "auth" first, or the request is denied.
func handle(req admin.Request, tok token.Token, b *Broadcaster) admin.Response {
	switch req.Verb {
	case admin.Auth:
		if !b.authorize(tok, req.Arg) {
			return admin.Response{Kind: admin.KindDenied}
		}
		return admin.Response{Kind: admin.KindOK}

	case admin.FlushAll:
		if b.requiresAuth() && !b.isAuthenticated(tok) {
			return admin.Response{Kind: admin.KindDenied}
		}
		b.Engine.FlushAll()
		b.Metrics.CmdFlush.Add(1)
		b.broadcastFlushAll()
		return admin.Response{Kind: admin.KindOK}

	case admin.Stats:
		return admin.Response{Kind: admin.KindStats, Stats: b.Metrics.Snapshot()}

	case admin.Version:
		return admin.Response{Kind: admin.KindVersion, Version: Version}

	case admin.Quit:
		if b.requiresAuth() && !b.isAuthenticated(tok) {
			return admin.Response{Kind: admin.KindDenied}
		}
		return admin.Response{Kind: admin.KindHangup}

	default:
		return admin.Response{Kind: admin.KindOK}
	}
}
