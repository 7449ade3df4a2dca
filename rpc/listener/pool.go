// Package listener owns the RPC listening sockets and the worker pool that
// serves accepted connections. It also owns the deferred timer scheduler, so
// embedders without sockets can still run timed callbacks in dummy mode.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rubin.dev/rpcnode/rpc/timer"
)

const (
	defaultWorkers       = 4
	defaultQueueDepth    = 16
	defaultShutdownGrace = 5 * time.Second
	limiterSweepInterval = time.Minute
	limiterSweepTimer    = "listener-limiter-sweep"
	forceCloseWait       = 50 * time.Millisecond
)

var (
	ErrAlreadyRunning = errors.New("listener pool already running")
	ErrNotRunning     = errors.New("listener pool not running")

	// ErrHandlersRunning is returned by Stop when handlers outlive the
	// shutdown grace period and the forced close.
	ErrHandlersRunning = errors.New("listener pool handlers still running")
)

// BindError reports an address that could not be bound. No listener from the
// failed Start stays open.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Handler serves one connection until it returns. ctx is canceled when the
// pool starts stopping; handlers should finish the request in flight and
// return instead of waiting for another one.
type Handler interface {
	ServeConn(ctx context.Context, c Conn)
}

type HandlerFunc func(ctx context.Context, c Conn)

func (f HandlerFunc) ServeConn(ctx context.Context, c Conn) { f(ctx, c) }

// Observer receives connection lifecycle events, typically for metrics.
type Observer interface {
	ConnOpened(t Transport)
	ConnClosed(t Transport)
	ConnRejected(reason string)
	TimerFired(name string)
}

type Config struct {
	Addresses []string
	// TLS, when set, wraps every listener.
	TLS           *tls.Config
	Workers       int
	QueueDepth    int
	ShutdownGrace time.Duration
	// Allow lists non-loopback peers that may connect. Loopback is always
	// allowed.
	Allow []netip.Prefix
	// AcceptRate limits new connections per peer host; zero disables it.
	AcceptRate  rate.Limit
	AcceptBurst int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueDepth < 0 {
		c.QueueDepth = 0
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	return c
}

type poolState int

const (
	stateStopped poolState = iota
	stateDummy
	stateRunning
	stateStopping
)

type Option func(*Pool)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Pool) { p.obs = o }
}

type Pool struct {
	cfg     Config
	handler Handler
	log     *zap.Logger
	obs     Observer

	mu        sync.Mutex
	state     poolState
	listeners []net.Listener
	queue     chan *conn
	cancel    context.CancelFunc
	timers    *timer.Scheduler
	limiter   *peerLimiter

	acceptWG sync.WaitGroup
	workerWG sync.WaitGroup
	conns    *tracker
	nextID   atomic.Uint64
}

func New(cfg Config, h Handler, opts ...Option) *Pool {
	p := &Pool{
		cfg:     cfg.withDefaults(),
		handler: h,
		log:     zap.NewNop(),
		conns:   newTracker(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start binds every configured address and launches the workers.
func (p *Pool) Start() error {
	if p == nil {
		return errors.New("nil listener pool")
	}
	if p.handler == nil {
		return errors.New("nil connection handler")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateRunning || p.state == stateStopping {
		return ErrAlreadyRunning
	}

	bound := make([]net.Listener, 0, len(p.cfg.Addresses))
	for _, addr := range p.cfg.Addresses {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range bound {
				_ = l.Close()
			}
			return &BindError{Addr: addr, Err: err}
		}
		bound = append(bound, ln)
	}

	if p.timers == nil {
		p.timers = p.newScheduler()
	}
	p.limiter = newPeerLimiter(p.cfg.AcceptRate, p.cfg.AcceptBurst)
	if p.limiter != nil {
		p.scheduleLimiterSweep()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.queue = make(chan *conn, p.cfg.QueueDepth)
	p.listeners = bound

	for i := 0; i < p.cfg.Workers; i++ {
		p.workerWG.Add(1)
		go p.worker(ctx, p.queue)
	}
	for _, ln := range bound {
		transport := Plain
		if p.cfg.TLS != nil {
			ln = tls.NewListener(ln, p.cfg.TLS)
			transport = TLS
		}
		p.acceptWG.Add(1)
		go p.acceptLoop(ctx, ln, transport, p.queue)
		p.log.Info("rpc listening", zap.String("addr", ln.Addr().String()), zap.Stringer("transport", transport))
	}
	p.state = stateRunning
	return nil
}

// StartDummy runs only the timer scheduler. It is a no-op when the pool is
// already running in either mode.
func (p *Pool) StartDummy() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateStopped {
		return
	}
	if p.timers == nil {
		p.timers = p.newScheduler()
	}
	p.state = stateDummy
	p.log.Debug("timer-only mode started")
}

// Stop closes the listeners, closes idle connections, and waits up to the
// grace period (or until ctx is done) for active ones before closing them by
// force. Handlers that have not returned shortly after the force close are
// left to finish on their own; Stop then reports ErrHandlersRunning (or the
// ctx error) and the pool stays in the stopping state until they drain.
// Pending timers are dropped once every worker has returned.
func (p *Pool) Stop(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	switch p.state {
	case stateStopped, stateStopping:
		p.mu.Unlock()
		return nil
	case stateDummy:
		timers := p.timers
		p.timers = nil
		p.state = stateStopped
		p.mu.Unlock()
		timers.Close()
		return nil
	}
	p.state = stateStopping
	p.cancel()
	for _, ln := range p.listeners {
		_ = ln.Close()
	}
	queue := p.queue
	p.mu.Unlock()

	p.acceptWG.Wait()
	close(queue)
	if n := p.conns.closeWhere(func(c *conn) bool { return c.connState() == StateIdle }); n > 0 {
		p.log.Debug("closed idle rpc connections", zap.Int("count", n))
	}

	if ctx == nil {
		ctx = context.Background()
	}
	graceCtx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownGrace)
	defer cancel()
	drained := make(chan struct{})
	go func() {
		p.workerWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		p.finishStop()
		return nil
	case <-graceCtx.Done():
	}

	n := p.conns.closeWhere(func(*conn) bool { return true })
	p.log.Warn("rpc shutdown grace expired, closing connections", zap.Int("count", n))
	err := ctx.Err()
	select {
	case <-drained:
		p.finishStop()
		return err
	case <-time.After(forceCloseWait):
	}
	p.log.Warn("rpc handlers still running after shutdown grace")
	go func() {
		<-drained
		p.finishStop()
	}()
	if err == nil {
		err = ErrHandlersRunning
	}
	return err
}

func (p *Pool) finishStop() {
	p.mu.Lock()
	timers := p.timers
	p.timers = nil
	p.listeners = nil
	p.queue = nil
	p.cancel = nil
	p.limiter = nil
	p.state = stateStopped
	p.mu.Unlock()
	timers.Close()
	p.log.Info("rpc listeners stopped")
}

func (p *Pool) IsRunning() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning
}

// Addrs returns the bound listener addresses, useful when binding port 0.
func (p *Pool) Addrs() []net.Addr {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]net.Addr, 0, len(p.listeners))
	for _, ln := range p.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

// ConnCount is the number of open connections, queued ones included.
func (p *Pool) ConnCount() int {
	if p == nil {
		return 0
	}
	return p.conns.len()
}

// Conns describes the open connections ordered by id.
func (p *Pool) Conns() []ConnInfo {
	if p == nil {
		return nil
	}
	snap := p.conns.snapshot()
	out := make([]ConnInfo, 0, len(snap))
	for _, c := range snap {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunLater schedules fn on the pool's timer scheduler under name, replacing a
// pending callback with the same name.
func (p *Pool) RunLater(name string, delay time.Duration, fn func()) error {
	if p == nil {
		return ErrNotRunning
	}
	p.mu.Lock()
	timers := p.timers
	p.mu.Unlock()
	if timers == nil {
		return ErrNotRunning
	}
	return timers.Schedule(name, delay, fn)
}

func (p *Pool) CancelTimer(name string) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	timers := p.timers
	p.mu.Unlock()
	return timers.Cancel(name)
}

func (p *Pool) newScheduler() *timer.Scheduler {
	opts := []timer.Option{timer.WithLogger(p.log.Named("timer"))}
	if p.obs != nil {
		opts = append(opts, timer.WithOnFire(p.obs.TimerFired))
	}
	return timer.New(opts...)
}

// scheduleLimiterSweep re-arms itself while the pool runs. Callers hold mu.
func (p *Pool) scheduleLimiterSweep() {
	limiter := p.limiter
	timers := p.timers
	var sweep func()
	sweep = func() {
		if n := limiter.sweep(); n > 0 {
			p.log.Debug("rate limiter sweep", zap.Int("forgotten", n))
		}
		_ = timers.Schedule(limiterSweepTimer, limiterSweepInterval, sweep)
	}
	_ = timers.Schedule(limiterSweepTimer, limiterSweepInterval, sweep)
}

func (p *Pool) acceptLoop(ctx context.Context, ln net.Listener, transport Transport, queue chan<- *conn) {
	defer p.acceptWG.Done()
	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			p.log.Warn("rpc accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		peer := nc.RemoteAddr().String()
		if !clientAllowed(peer, p.cfg.Allow) {
			p.reject(nc, peer, "forbidden")
			continue
		}
		if !p.limiter.allow(peer) {
			p.reject(nc, peer, "rate_limited")
			continue
		}
		c := &conn{
			Conn:      nc,
			id:        p.nextID.Add(1),
			peer:      peer,
			transport: transport,
			opened:    time.Now(),
			onClose:   p.connClosed,
		}
		p.conns.add(c)
		if p.obs != nil {
			p.obs.ConnOpened(transport)
		}
		select {
		case queue <- c:
		case <-ctx.Done():
			_ = c.Close()
			return
		}
	}
}

func (p *Pool) reject(nc net.Conn, peer, reason string) {
	p.log.Info("rpc connection rejected", zap.String("peer", peer), zap.String("reason", reason))
	if p.obs != nil {
		p.obs.ConnRejected(reason)
	}
	_ = nc.Close()
}

func (p *Pool) connClosed(c *conn) {
	p.conns.remove(c)
	if p.obs != nil {
		p.obs.ConnClosed(c.transport)
	}
}

func (p *Pool) worker(ctx context.Context, queue <-chan *conn) {
	defer p.workerWG.Done()
	for c := range queue {
		p.serve(ctx, c)
	}
}

func (p *Pool) serve(ctx context.Context, c *conn) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("rpc connection handler panicked", zap.Uint64("conn", c.id), zap.String("peer", c.peer), zap.Any("panic", r))
		}
		_ = c.Close()
	}()
	if ctx.Err() != nil {
		return
	}
	p.handler.ServeConn(ctx, c)
}
