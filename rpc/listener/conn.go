package listener

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type Transport int

const (
	Plain Transport = iota
	TLS
)

func (t Transport) String() string {
	if t == TLS {
		return "tls"
	}
	return "plain"
}

// ConnState is what a worker is doing with a connection. Stop closes idle
// connections at once and gives active ones the grace period.
type ConnState int32

const (
	StateActive ConnState = iota
	StateIdle
)

// Conn is an accepted connection as seen by request handlers. Plain and TLS
// connections are interchangeable behind it.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	ID() uint64
	PeerAddr() string
	Transport() Transport
	SetState(ConnState)
	SetWriteDeadline(t time.Time) error
}

type conn struct {
	net.Conn
	id        uint64
	peer      string
	transport Transport
	state     atomic.Int32
	opened    time.Time

	closeOnce sync.Once
	closeErr  error
	onClose   func(*conn)
}

func (c *conn) ID() uint64           { return c.id }
func (c *conn) PeerAddr() string     { return c.peer }
func (c *conn) Transport() Transport { return c.transport }
func (c *conn) SetState(s ConnState) { c.state.Store(int32(s)) }
func (c *conn) connState() ConnState { return ConnState(c.state.Load()) }

func (c *conn) info() ConnInfo {
	return ConnInfo{
		ID:        c.id,
		PeerAddr:  c.peer,
		Transport: c.transport,
		Idle:      c.connState() == StateIdle,
		Opened:    c.opened,
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return c.closeErr
}

// ConnInfo describes an open connection for status output.
type ConnInfo struct {
	ID        uint64
	PeerAddr  string
	Transport Transport
	Idle      bool
	Opened    time.Time
}

type tracker struct {
	mu    sync.RWMutex
	conns map[uint64]*conn
}

func newTracker() *tracker {
	return &tracker{conns: make(map[uint64]*conn)}
}

func (t *tracker) add(c *conn) {
	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()
}

func (t *tracker) remove(c *conn) {
	t.mu.Lock()
	delete(t.conns, c.id)
	t.mu.Unlock()
}

func (t *tracker) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

func (t *tracker) snapshot() []*conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

// closeWhere closes every tracked connection for which match is true and
// returns how many it closed.
func (t *tracker) closeWhere(match func(*conn) bool) int {
	n := 0
	for _, c := range t.snapshot() {
		if match(c) {
			_ = c.Close()
			n++
		}
	}
	return n
}
