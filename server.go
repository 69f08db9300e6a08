// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package streamhttp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/linkdata/streamhttp/ringbuf"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server polls the inbound channels reported by its Watcher and serves
// the requests arriving on them with the handlers its Resolver finds.
type Server struct {
	Config       Config
	Transport    Transport
	Watcher      Watcher
	Resolver     Resolver
	Logger       *zap.Logger
	Stats        StatsCollector // also receives every statistic, may be nil
	ErrorHandler func(error)    // called from the polling goroutines, may be nil
	Clock        clock.Clock    // nil means the wall clock

	id            xid.ID
	ids           IDAllocator
	bytesWritten  int64
	bytesRead     int64
	exchanges     int64
	mu            sync.Mutex
	serveErrorsMu sync.Mutex
	serveErrors   map[string]int
	doneChan      chan struct{}
	serving       bool
	workers       []*worker
}

// NewServer returns a Server with a new instance id.
func NewServer(cfg Config, transport Transport, watcher Watcher, resolver Resolver, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := xid.New()
	return &Server{
		Config:    cfg,
		Transport: transport,
		Watcher:   watcher,
		Resolver:  resolver,
		Logger:    logger.With(zap.Stringer("server", id)),
		id:        id,
	}
}

// ID returns the instance id of the server.
func (srv *Server) ID() xid.ID {
	return srv.id
}

func (srv *Server) logger() *zap.Logger {
	if srv.Logger == nil {
		srv.Logger = zap.NewNop()
	}
	return srv.Logger
}

// Serve polls until ctx is done or Close is called. It returns
// ErrServerClosed after Close and the context error otherwise.
func (srv *Server) Serve(ctx context.Context) error {
	if err := srv.Config.Validate(); err != nil {
		return err
	}
	if srv.Transport == nil || srv.Watcher == nil || srv.Resolver == nil {
		return errors.New("server: missing Transport, Watcher or Resolver")
	}
	logger := srv.logger()

	srv.mu.Lock()
	done := srv.getDoneChanLocked()
	select {
	case <-done:
		srv.mu.Unlock()
		return errors.WithStack(ErrServerClosed)
	default:
	}
	if srv.serving {
		srv.mu.Unlock()
		return errors.New("server: already serving")
	}
	srv.serving = true
	workers := make([]*worker, srv.Config.Workers)
	for i := range workers {
		workers[i] = newWorker(srv, i)
	}
	srv.workers = workers
	srv.mu.Unlock()

	srv.serveErrorsMu.Lock()
	srv.serveErrors = make(map[string]int)
	srv.serveErrorsMu.Unlock()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
		return nil
	})
	for _, w := range workers {
		w := w
		eg.Go(func() error { return w.run(ctx) })
	}
	eg.Go(func() error { return srv.discover(ctx, workers) })

	logger.Info("serving", zap.String("name", srv.Config.Name), zap.Int("workers", len(workers)))
	err := eg.Wait()

	srv.mu.Lock()
	srv.serving = false
	srv.mu.Unlock()

	select {
	case <-done:
		err = errors.WithStack(ErrServerClosed)
	default:
		if err == nil {
			err = parent.Err()
		}
	}
	logger.Info("stopped", zap.Error(err))
	return err
}

func (srv *Server) newIdleStrategy() IdleStrategy {
	return NewBackoffIdleStrategy(srv.Config, srv.Clock)
}

// discover hands watcher events to the worker owning their source.
func (srv *Server) discover(ctx context.Context, workers []*worker) error {
	idle := srv.newIdleStrategy()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n := srv.Watcher.Poll(func(ev ringbuf.Event) {
			source, err := SourceName(ev.Name)
			if err != nil {
				srv.reportError(err)
				return
			}
			w := workers[murmur3.Sum32([]byte(source))%uint32(len(workers))]
			select {
			case w.events <- ev:
			case <-ctx.Done():
			}
		})
		idle.Idle(n)
	}
}

func (srv *Server) reportError(err error) {
	srv.serveErrorsMu.Lock()
	if srv.serveErrors == nil {
		srv.serveErrors = make(map[string]int)
	}
	srv.serveErrors[err.Error()]++
	srv.serveErrorsMu.Unlock()
	if IsMalformed(err) {
		srv.logger().Warn("malformed frame", zap.Error(err))
	} else {
		srv.logger().Error("serve error", zap.Error(err))
	}
	if srv.ErrorHandler != nil {
		srv.ErrorHandler(err)
	}
}

// ServeErrors returns a copy of the serve errors map
func (srv *Server) ServeErrors() map[string]int {
	srv.serveErrorsMu.Lock()
	defer srv.serveErrorsMu.Unlock()
	m := make(map[string]int)
	for k, v := range srv.serveErrors {
		m[k] = v
	}
	return m
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Close stops Serve. The groups are closed by their workers as they exit.
func (srv *Server) Close() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.closeDoneChanLocked()
	return nil
}

// ActiveGroups returns the number of channel groups being served.
func (srv *Server) ActiveGroups() (n int) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, w := range srv.workers {
		n += int(atomic.LoadInt64(&w.groups))
	}
	return
}

// Exchanges returns the number of live exchanges.
func (srv *Server) Exchanges() int64 {
	return atomic.LoadInt64(&srv.exchanges)
}

// AddBytesWritten adds n to the number of bytes written statistic.
func (srv *Server) AddBytesWritten(n int64) {
	atomic.AddInt64(&srv.bytesWritten, n)
	if srv.Stats != nil {
		srv.Stats.AddBytesWritten(n)
	}
}

// BytesWritten returns the current number of bytes written.
func (srv *Server) BytesWritten() int64 {
	return atomic.LoadInt64(&srv.bytesWritten)
}

// AddBytesRead adds n to the number of bytes read statistic.
func (srv *Server) AddBytesRead(n int64) {
	atomic.AddInt64(&srv.bytesRead, n)
	if srv.Stats != nil {
		srv.Stats.AddBytesRead(n)
	}
}

// BytesRead returns the current number of bytes read.
func (srv *Server) BytesRead() int64 {
	return atomic.LoadInt64(&srv.bytesRead)
}

// AddExchanges adjusts the live exchanges statistic.
func (srv *Server) AddExchanges(delta int) {
	atomic.AddInt64(&srv.exchanges, int64(delta))
	if srv.Stats != nil {
		srv.Stats.AddExchanges(delta)
	}
}

// AddRejected counts a stream answered with a reset.
func (srv *Server) AddRejected(reason string) {
	if srv.Stats != nil {
		srv.Stats.AddRejected(reason)
	}
}

// AddHandlerFault counts a panicking handler.
func (srv *Server) AddHandlerFault() {
	if srv.Stats != nil {
		srv.Stats.AddHandlerFault()
	}
}

// worker owns a Router and everything in it.
type worker struct {
	srv    *Server
	index  int
	router *Router
	events chan ringbuf.Event
	groups int64
}

func newWorker(srv *Server, index int) *worker {
	logger := srv.logger().With(zap.Int("worker", index))
	return &worker{
		srv:    srv,
		index:  index,
		router: NewRouter(srv.Config, srv.Transport, srv.Resolver, &srv.ids, srv, logger),
		events: make(chan ringbuf.Event, 64),
	}
}

func (w *worker) handleEvent(ev ringbuf.Event) {
	var err error
	switch ev.Kind {
	case ringbuf.Created:
		err = w.router.OnReadable(ev.Name)
	case ringbuf.Removed:
		err = w.router.OnExpired(ev.Name)
	}
	if err != nil {
		w.srv.reportError(err)
	}
}

func (w *worker) run(ctx context.Context) error {
	defer func() {
		if err := w.router.Close(); err != nil {
			w.srv.reportError(err)
		}
		atomic.StoreInt64(&w.groups, 0)
	}()
	idle := w.srv.newIdleStrategy()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		work := 0
		for drained := false; !drained; {
			select {
			case ev := <-w.events:
				work++
				w.handleEvent(ev)
			default:
				drained = true
			}
		}
		work += w.router.Poll(w.srv.reportError)
		atomic.StoreInt64(&w.groups, int64(w.router.Groups()))
		idle.Idle(work)
	}
}
