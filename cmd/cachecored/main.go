package main

import (
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/cachecored/cachecored/internal/adminserver"
	"github.com/cachecored/cachecored/internal/config"
	"github.com/cachecored/cachecored/internal/epoll"
	"github.com/cachecored/cachecored/internal/listener"
	"github.com/cachecored/cachecored/internal/metrics"
	"github.com/cachecored/cachecored/internal/protocol"
	"github.com/cachecored/cachecored/internal/protocol/admin"
	"github.com/cachecored/cachecored/internal/protocol/memcache"
	"github.com/cachecored/cachecored/internal/protocol/resp"
	"github.com/cachecored/cachecored/internal/queue"
	"github.com/cachecored/cachecored/internal/session"
	cachesignal "github.com/cachecored/cachecored/internal/signal"
	"github.com/cachecored/cachecored/internal/storage"
	"github.com/cachecored/cachecored/internal/worker"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "cachecored"
	myApp.Usage = "multi-threaded, event-driven cache server (memcache text + RESP)"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen,l", Value: ":11211", Usage: "memcache text protocol listen address"},
		cli.StringFlag{Name: "resp-listen", Value: ":6380", Usage: "RESP protocol listen address"},
		cli.StringFlag{Name: "admin-listen", Value: ":11212", Usage: "admin protocol listen address"},
		cli.IntFlag{Name: "workers", Value: runtime.NumCPU(), Usage: "number of MultiWorker event loops per protocol family"},
		cli.IntFlag{Name: "queue-capacity", Value: queue.DefaultCapacity, Usage: "bounded capacity of every inter-thread queue"},
		cli.IntFlag{Name: "poll-timeout", Value: 100, Usage: "epoll_wait timeout in milliseconds"},
		cli.IntFlag{Name: "max-events", Value: 1024, Usage: "max events returned per epoll_wait call"},
		cli.StringFlag{Name: "admin-secret", Value: "", EnvVar: "CACHECORED_ADMIN_SECRET", Usage: "pre-shared admin passphrase; gates flush_all/quit behind the admin 'auth' verb"},
		cli.IntFlag{Name: "snappy-min-len", Value: 8192, Usage: "minimum value size in bytes before snappy compression at rest"},
		cli.StringFlag{Name: "log", Value: "", Usage: "specify a log file to output, default goes to stderr"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress per-connection log lines"},
		cli.StringFlag{Name: "c", Value: "", Usage: "config from json file, which will override the command from shell"},
	}
	myApp.Action = run
	myApp.Run(os.Args)
}

func run(c *cli.Context) error {
	cfg := config.Default()
	cfg.MemcacheListen = c.String("listen")
	cfg.RespListen = c.String("resp-listen")
	cfg.AdminListen = c.String("admin-listen")
	cfg.Workers = c.Int("workers")
	cfg.QueueCap = c.Int("queue-capacity")
	cfg.PollTimeout = c.Int("poll-timeout")
	cfg.MaxEvents = c.Int("max-events")
	cfg.AdminSecret = c.String("admin-secret")
	cfg.SnappyMinLen = c.Int("snappy-min-len")
	cfg.Log = c.String("log")
	cfg.Quiet = c.Bool("quiet")

	if c.String("c") != "" {
		if err := config.LoadJSON(&cfg, c.String("c")); err != nil {
			checkError(err)
		}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		checkError(err)
		defer f.Close()
		log.SetOutput(f)
	}

	if cfg.AdminSecret == "" {
		color.Red("admin secret is empty; flush_all/quit require no auth on this run")
	}

	logger := log.Default()
	log.Println("version:", VERSION)
	log.Println("memcache listen:", cfg.MemcacheListen)
	log.Println("resp listen:", cfg.RespListen)
	log.Println("admin listen:", cfg.AdminListen)
	log.Println("workers per family:", cfg.Workers)
	log.Println("queue capacity:", cfg.QueueCap)
	log.Println("snappy min len:", cfg.SnappyMinLen)

	reg := metrics.New()
	engine := storage.NewEngine(cfg.SnappyMinLen)
	done := make(chan struct{})

	// Workers and listeners log per connection; -quiet gives them no logger.
	connLogger := logger
	if cfg.Quiet {
		connLogger = nil
	}

	memcacheFamily, err := buildFamily[memcache.Request, memcache.Response](cfg, memcache.Codec{}, reg, connLogger, memcacheInvalidResponse)
	checkError(err)
	respFamily, err := buildFamily[resp.Request, resp.Response](cfg, resp.Codec{}, reg, connLogger, nil)
	checkError(err)
	adminFamily, err := buildFamily[admin.Request, admin.Response](singleWorker(cfg), admin.Codec{}, reg, connLogger, nil)
	checkError(err)

	memcacheListener, err := listener.New(cfg.MemcacheListen, memcacheFamily.sessionQs, connLogger)
	checkError(err)
	respListener, err := listener.New(cfg.RespListen, respFamily.sessionQs, connLogger)
	checkError(err)
	adminListener, err := listener.New(cfg.AdminListen, adminFamily.sessionQs, connLogger)
	checkError(err)

	broadcaster := &adminserver.Broadcaster{
		WorkerSignals: append(append([]*worker.SignalQueue{}, memcacheFamily.signalQs...), respFamily.signalQs...),
		Engine:        engine,
		Metrics:       reg,
		AdminSecret:   cfg.AdminSecret,
	}

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() { defer wg.Done(); fn() }()
	}

	for _, w := range memcacheFamily.workers {
		spawn(func() {
			if err := w.Run(); err != nil {
				logger.Printf("memcache worker exited: %v", err)
			}
		})
	}
	for _, w := range respFamily.workers {
		spawn(func() {
			if err := w.Run(); err != nil {
				logger.Printf("resp worker exited: %v", err)
			}
		})
	}
	for _, w := range adminFamily.workers {
		spawn(func() {
			if err := w.Run(); err != nil {
				logger.Printf("admin worker exited: %v", err)
			}
		})
	}

	spawn(func() { storage.RunMemcache(memcacheFamily.dataQs, engine, reg, done) })
	spawn(func() { storage.RunResp(respFamily.dataQs, engine, reg, done) })
	spawn(func() { adminserver.Run(adminFamily.dataQs[0], broadcaster, done) })

	spawn(func() { _ = memcacheListener.AcceptLoop(done) })
	spawn(func() { memcacheListener.ReclaimLoop(done) })
	spawn(func() { _ = respListener.AcceptLoop(done) })
	spawn(func() { respListener.ReclaimLoop(done) })
	spawn(func() { _ = adminListener.AcceptLoop(done) })
	spawn(func() { adminListener.ReclaimLoop(done) })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutdown signal received")
	broadcaster.BroadcastShutdown()
	for _, sq := range adminFamily.signalQs {
		_ = sq.Send(cachesignal.Shutdown)
	}
	close(done)
	_ = memcacheListener.Close()
	_ = respListener.Close()
	_ = adminListener.Close()
	wg.Wait()
	return nil
}

// singleWorker runs exactly one admin worker regardless of -workers: the
// admin protocol is low-volume single-session traffic, so spec.md §1's
// "variant of the same worker shape over a simpler protocol" needs no pool.
func singleWorker(cfg config.Config) config.Config {
	out := cfg
	out.Workers = 1
	return out
}

func memcacheInvalidResponse(err error) (memcache.Response, bool) {
	return memcache.Response{Kind: memcache.ClientError, Message: err.Error()}, true
}

// family bundles one protocol family's worker pool with the queues that
// wire it to the listener (sessionQs), to storage (dataQs), and to the
// admin broadcaster (signalQs).
type family[Req, Resp any] struct {
	workers   []*worker.MultiWorker[Req, Resp]
	sessionQs []*worker.SessionQueue
	dataQs    []*worker.DataQueue[Req, Resp]
	signalQs  []*worker.SignalQueue
}

// buildFamily constructs cfg.Workers MultiWorker instances sharing one
// codec, each on its own epoll.Poller and waker, per spec.md §5's
// thread-per-worker-pool wiring.
func buildFamily[Req, Resp any](
	cfg config.Config,
	codec protocol.Codec[Req, Resp],
	reg *metrics.Registry,
	logger *log.Logger,
	invalid func(error) (Resp, bool),
) (*family[Req, Resp], error) {
	f := &family[Req, Resp]{}
	for i := 0; i < cfg.Workers; i++ {
		poller, err := epoll.New()
		if err != nil {
			return nil, err
		}
		waker, err := epoll.NewWaker(poller)
		if err != nil {
			return nil, err
		}

		sessionQ := queue.New[*session.Session, *session.Session](cfg.QueueCap, 1, waker)
		dataQ := queue.New[worker.DataRequest[Req], worker.DataResponse[Req, Resp]](cfg.QueueCap, 1, waker)
		signalQ := queue.New[struct{}, cachesignal.Signal](cfg.QueueCap, 1, waker)

		w := worker.New[Req, Resp](i, worker.Config{NumEvents: cfg.MaxEvents, Timeout: time.Duration(cfg.PollTimeout) * time.Millisecond},
			poller, waker, dataQ, sessionQ, signalQ, reg, codec.Clone(), logger)
		w.InvalidResponse = invalid

		f.workers = append(f.workers, w)
		f.sessionQs = append(f.sessionQs, sessionQ)
		f.dataQs = append(f.dataQs, dataQ)
		f.signalQs = append(f.signalQs, signalQ)
	}
	return f, nil
}

func checkError(err error) {
	if err != nil {
		log.Printf("%+v\n", err)
		os.Exit(-1)
	}
}
