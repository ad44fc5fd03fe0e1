package storage

import (
	"github.com/cachecored/cachecored/internal/metrics"
	"github.com/cachecored/cachecored/internal/protocol/memcache"
	"github.com/cachecored/cachecored/internal/protocol/resp"
	"github.com/cachecored/cachecored/internal/worker"
)

type memcacheItem struct {
	workerIdx int
	tok       uint64
	req       memcache.Request
}

// RunMemcache services every worker's memcache data queue sequentially
// from one goroutine, per spec.md §5. Each worker's queue gets its own
// forwarding goroutine (fan-in) so this function's single select loop
// never blocks on one slow worker while another has work waiting.
func RunMemcache(queues []*worker.DataQueue[memcache.Request, memcache.Response], engine *Engine, reg *metrics.Registry, done <-chan struct{}) {
	type item struct {
		workerIdx int
		msg       worker.DataRequest[memcache.Request]
	}
	sink := make(chan item, 256)
	for i, q := range queues {
		go func(i int, q *worker.DataQueue[memcache.Request, memcache.Response]) {
			for {
				select {
				case msg, ok := <-q.Outbound(0):
					if !ok {
						return
					}
					select {
					case sink <- item{workerIdx: i, msg: msg}:
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}(i, q)
	}

	for {
		select {
		case <-done:
			return
		case it := <-sink:
			resp := handleMemcache(engine, reg, it.msg.Req)
			_ = queues[it.workerIdx].Send(worker.DataResponse[memcache.Request, memcache.Response]{
				Req: it.msg.Req, Resp: resp, Tok: it.msg.Tok,
			})
		}
	}
}

func handleMemcache(e *Engine, reg *metrics.Registry, req memcache.Request) memcache.Response {
	switch req.Kind {
	case memcache.Get:
		reg.CmdGet.Add(1)
		var values []memcache.ValueEntry
		for _, k := range req.Keys {
			if v, flags, ok := e.Get(string(k)); ok {
				values = append(values, memcache.ValueEntry{Key: k, Flags: flags, Data: v})
			}
		}
		return memcache.Response{Kind: memcache.Values, Values: values}

	case memcache.Set:
		reg.CmdSet.Add(1)
		e.Set(string(req.Key), req.Data, req.Flags, req.Exptime)
		return memcache.Response{Kind: memcache.Stored}

	case memcache.Delete:
		reg.CmdDelete.Add(1)
		if e.Delete(string(req.Keys[0])) {
			return memcache.Response{Kind: memcache.Deleted}
		}
		return memcache.Response{Kind: memcache.NotFound}

	default:
		return memcache.Response{Kind: memcache.ServerError, Message: "unknown command"}
	}
}

// RunResp mirrors RunMemcache for the RESP wire family.
func RunResp(queues []*worker.DataQueue[resp.Request, resp.Response], engine *Engine, reg *metrics.Registry, done <-chan struct{}) {
	type item struct {
		workerIdx int
		msg       worker.DataRequest[resp.Request]
	}
	sink := make(chan item, 256)
	for i, q := range queues {
		go func(i int, q *worker.DataQueue[resp.Request, resp.Response]) {
			for {
				select {
				case msg, ok := <-q.Outbound(0):
					if !ok {
						return
					}
					select {
					case sink <- item{workerIdx: i, msg: msg}:
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}(i, q)
	}

	for {
		select {
		case <-done:
			return
		case it := <-sink:
			r := handleResp(engine, reg, it.msg.Req)
			_ = queues[it.workerIdx].Send(worker.DataResponse[resp.Request, resp.Response]{
				Req: it.msg.Req, Resp: r, Tok: it.msg.Tok,
			})
		}
	}
}

func handleResp(e *Engine, reg *metrics.Registry, req resp.Request) resp.Response {
	switch req.Command {
	case resp.CmdZRem:
		reg.CmdDelete.Add(1)
		n := e.ZRem(string(req.Key), req.Members)
		return resp.Response{Kind: resp.KindInteger, Integer: int64(n)}

	case resp.CmdSAdd:
		reg.CmdSet.Add(1)
		n := e.SAdd(string(req.Key), req.Members)
		return resp.Response{Kind: resp.KindInteger, Integer: int64(n)}

	case resp.CmdGet:
		reg.CmdGet.Add(1)
		v, _, ok := e.Get(string(req.Key))
		if !ok {
			return resp.Response{Kind: resp.KindNilBulk}
		}
		return resp.Response{Kind: resp.KindBulk, Bulk: v}

	case resp.CmdSet:
		reg.CmdSet.Add(1)
		e.Set(string(req.Key), req.Value, 0, 0)
		return resp.Response{Kind: resp.KindSimple, Simple: "OK"}

	case resp.CmdPing:
		if req.Message != nil {
			return resp.Response{Kind: resp.KindBulk, Bulk: req.Message}
		}
		return resp.Response{Kind: resp.KindSimple, Simple: "PONG"}

	default:
		return resp.Response{Kind: resp.KindError, ErrMsg: "ERR unknown command"}
	}
}
