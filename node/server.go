package node

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"rubin.dev/rpcnode/rpc"
	"rubin.dev/rpcnode/rpc/listener"
	"rubin.dev/rpcnode/rpc/readiness"
)

const defaultMaxBodyBytes = 4 << 20

// Timers is the deferred timer surface of the listener pool.
type Timers interface {
	RunLater(name string, delay time.Duration, fn func()) error
	CancelTimer(name string) bool
}

// RESTObserver receives one event per answered REST request.
type RESTObserver interface {
	ObserveREST(resource string, status int)
}

type ServerConfig struct {
	Network        string
	User           string
	Password       string
	REST           bool
	RequestTimeout time.Duration
	IdleTimeout    time.Duration
	MaxBodyBytes   int64
	AuthFailDelay  time.Duration
}

type ServerOption func(*Server)

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func WithRESTObserver(o RESTObserver) ServerOption {
	return func(s *Server) { s.rest = o }
}

// Server frames HTTP/1.x requests on pool connections and routes them to the
// JSON-RPC endpoint or the REST resources. It implements listener.Handler.
type Server struct {
	cfg    ServerConfig
	exec   Executor
	state  *readiness.State
	chain  atomic.Pointer[BlockStore]
	timers Timers
	rest   RESTObserver
	log    *zap.Logger
	router *mux.Router
}

func NewServer(cfg ServerConfig, exec Executor, state *readiness.State, chain *BlockStore, opts ...ServerOption) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.AuthFailDelay < 0 {
		cfg.AuthFailDelay = 0
	}
	s := &Server{
		cfg:   cfg,
		exec:  exec,
		state: state,
		log:   zap.NewNop(),
	}
	s.SetChain(chain)
	for _, opt := range opts {
		opt(s)
	}
	auth := newBasicAuth(cfg.User, cfg.Password, cfg.AuthFailDelay, s.log)
	r := mux.NewRouter()
	r.Handle("/", auth.wrap(http.HandlerFunc(s.handleJSONRPC))).Methods(http.MethodPost)
	if cfg.REST && state != nil {
		s.restRoutes(r)
	}
	s.router = r
	return s
}

// SetChain publishes the block store behind the REST resources. Until it is
// set they answer 503.
func (s *Server) SetChain(chain *BlockStore) {
	if chain != nil {
		s.chain.Store(chain)
	}
}

// UseTimers attaches the scheduler that bounds request reads and idle
// keep-alive connections. Without it those limits are not enforced.
func (s *Server) UseTimers(t Timers) {
	s.timers = t
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ServeConn serves requests on c in order until the peer closes, a request
// asks to close, a timer fires or the pool stops.
func (s *Server) ServeConn(ctx context.Context, c listener.Conn) {
	br := bufio.NewReader(c)
	idleTimer := fmt.Sprintf("conn-idle:%d", c.ID())
	readTimer := fmt.Sprintf("conn-read:%d", c.ID())
	defer s.cancel(idleTimer)
	defer s.cancel(readTimer)

	// Handlers keep running through shutdown; only the wait for the next
	// request is cut short.
	handlerCtx := context.WithoutCancel(ctx)
	for {
		c.SetState(listener.StateIdle)
		if ctx.Err() != nil {
			return
		}
		s.arm(idleTimer, s.cfg.IdleTimeout, c)
		if _, err := br.Peek(1); err != nil {
			return
		}
		s.cancel(idleTimer)
		c.SetState(listener.StateActive)

		s.arm(readTimer, s.cfg.RequestTimeout, c)
		req, err := readRequest(br, s.cfg.MaxBodyBytes)
		s.cancel(readTimer)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Debug("bad http request", zap.String("peer", c.PeerAddr()), zap.Error(err))
				_ = writeResponse(c, s.cfg.RequestTimeout, http.StatusBadRequest, nil, []byte("400 Bad Request\n"), false)
			}
			return
		}

		reqID := uuid.NewString()
		rctx := rpc.WithRequestID(rpc.WithPeer(handlerCtx, c.PeerAddr()), reqID)
		req.RemoteAddr = c.PeerAddr()
		req = req.WithContext(rctx)

		rec := newBufferedResponse()
		rec.Header().Set("X-Request-Id", reqID)
		s.router.ServeHTTP(rec, req)

		keepAlive := wantsKeepAlive(req) && ctx.Err() == nil
		if err := writeResponse(c, s.cfg.RequestTimeout, rec.status, rec.header, rec.body.Bytes(), keepAlive); err != nil {
			s.log.Debug("write response", zap.String("peer", c.PeerAddr()), zap.Error(err))
			return
		}
		if !keepAlive {
			return
		}
	}
}

func (s *Server) arm(name string, d time.Duration, c listener.Conn) {
	if s.timers == nil || d <= 0 {
		return
	}
	if err := s.timers.RunLater(name, d, func() { _ = c.Close() }); err != nil {
		s.log.Debug("arm timer", zap.String("timer", name), zap.Error(err))
	}
}

func (s *Server) cancel(name string) {
	if s.timers != nil {
		s.timers.CancelTimer(name)
	}
}

// readRequest reads one request and its whole body so the connection is
// positioned at the next request.
func readRequest(br *bufio.Reader, maxBody int64) (*http.Request, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBody+1))
	_ = req.Body.Close()
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBody)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	return req, nil
}

func wantsKeepAlive(req *http.Request) bool {
	if req.Close {
		return false
	}
	if req.ProtoAtLeast(1, 1) {
		return true
	}
	return strings.EqualFold(req.Header.Get("Connection"), "keep-alive")
}

func writeResponse(c listener.Conn, timeout time.Duration, status int, header http.Header, body []byte, keepAlive bool) error {
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         !keepAlive,
	}
	if timeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(timeout))
	}
	bw := bufio.NewWriter(c)
	if err := resp.Write(bw); err != nil {
		return err
	}
	return bw.Flush()
}

// bufferedResponse collects a handler's reply so it can be framed with an
// exact Content-Length.
type bufferedResponse struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: http.Header{}, status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.status = status
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.body.Write(p)
}
