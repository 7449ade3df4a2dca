// Package dispatch runs one command: it resolves the name, applies the
// readiness gates, serializes commands that are not thread safe and turns
// every outcome into either a result or an *rpc.Error.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"rubin.dev/rpcnode/rpc"
	"rubin.dev/rpcnode/rpc/readiness"
	"rubin.dev/rpcnode/rpc/registry"
)

const (
	internalErrorMessage = "internal error"
	auditedCategory      = "wallet"
)

// Recorder receives per-call measurements.
type Recorder interface {
	ObserveCall(method string, code rpc.ErrorCode, elapsed time.Duration)
	ObserveLockWait(elapsed time.Duration)
}

// Auditor persists calls to commands that touch the wallet: those that need
// it unlocked and every command in the wallet category, failed unlock
// attempts included.
type Auditor interface {
	RecordCall(ctx context.Context, method, peer string, code rpc.ErrorCode) error
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

func WithAuditor(a Auditor) Option {
	return func(e *Engine) { e.audit = a }
}

type Engine struct {
	reg   *registry.Registry
	state *readiness.State
	log   *zap.Logger
	rec   Recorder
	audit Auditor

	// exclusive serializes every command registered with ThreadSafe=false.
	exclusive sync.Mutex
}

func New(reg *registry.Registry, state *readiness.State, opts ...Option) *Engine {
	e := &Engine{
		reg:   reg,
		state: state,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs method with args. The returned error is always an *rpc.Error.
func (e *Engine) Execute(ctx context.Context, method string, args rpc.Args) (any, error) {
	if e == nil || e.reg == nil {
		return nil, rpc.NewError(rpc.ErrInternal, "dispatch engine not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	spec, ok := e.reg.Lookup(method)
	if !ok {
		err := rpc.MethodNotFound(method)
		e.finish(ctx, method, registry.CommandSpec{}, start, err)
		return nil, err
	}
	if e.state != nil {
		if err := e.state.Check(spec); err != nil {
			rerr := Normalize(err)
			e.finish(ctx, method, spec, start, rerr)
			return nil, rerr
		}
	}

	result, err := e.run(ctx, spec, args)
	if err != nil {
		rerr := Normalize(err)
		e.finish(ctx, method, spec, start, rerr)
		return nil, rerr
	}
	e.finish(ctx, method, spec, start, nil)
	return result, nil
}

// ExecuteHelp returns the usage text of method. Usage is produced by the
// handler itself in help mode and skips every gate.
func (e *Engine) ExecuteHelp(ctx context.Context, method string) (string, error) {
	if e == nil || e.reg == nil {
		return "", rpc.NewError(rpc.ErrInternal, "dispatch engine not initialized")
	}
	spec, ok := e.reg.Lookup(method)
	if !ok {
		return "", rpc.MethodNotFound(method)
	}
	return usageOf(ctx, spec, e.log)
}

func (e *Engine) run(ctx context.Context, spec registry.CommandSpec, args rpc.Args) (any, error) {
	if !spec.ThreadSafe {
		waitStart := time.Now()
		e.exclusive.Lock()
		defer e.exclusive.Unlock()
		if e.rec != nil {
			e.rec.ObserveLockWait(time.Since(waitStart))
		}
	}
	return e.invoke(ctx, spec, args)
}

func (e *Engine) invoke(ctx context.Context, spec registry.CommandSpec, args rpc.Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("rpc handler panicked",
				zap.String("method", spec.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result = nil
			err = rpc.NewError(rpc.ErrMisc, internalErrorMessage)
		}
	}()
	return spec.Handler(ctx, args, false)
}

func (e *Engine) finish(ctx context.Context, method string, spec registry.CommandSpec, start time.Time, err *rpc.Error) {
	elapsed := time.Since(start)
	var code rpc.ErrorCode
	if err != nil {
		code = err.Code
	}
	if e.rec != nil {
		e.rec.ObserveCall(method, code, elapsed)
	}
	peer := rpc.PeerFrom(ctx)
	reqID := rpc.RequestIDFrom(ctx)
	if err != nil {
		e.log.Debug("rpc call failed",
			zap.String("method", method),
			zap.String("peer", peer),
			zap.String("request_id", reqID),
			zap.Int("code", int(code)),
			zap.String("message", err.Message),
			zap.Duration("duration", elapsed))
	} else {
		e.log.Debug("rpc call",
			zap.String("method", method),
			zap.String("peer", peer),
			zap.String("request_id", reqID),
			zap.Duration("duration", elapsed))
	}
	if e.audit != nil && (spec.RequiresWallet || spec.Category == auditedCategory) {
		if aerr := e.audit.RecordCall(ctx, method, peer, code); aerr != nil {
			e.log.Warn("rpc audit write failed", zap.String("method", method), zap.Error(aerr))
		}
	}
}

type rpcErrorer interface {
	RPCError() *rpc.Error
}

// Normalize maps any error to the wire form. *rpc.Error passes through, errors
// that know their wire form convert themselves and everything else becomes a
// miscellaneous error carrying its message.
func Normalize(err error) *rpc.Error {
	if err == nil {
		return nil
	}
	var rerr *rpc.Error
	if errors.As(err, &rerr) && rerr != nil {
		return rerr
	}
	var conv rpcErrorer
	if errors.As(err, &conv) {
		if out := conv.RPCError(); out != nil {
			return out
		}
	}
	return rpc.NewError(rpc.ErrMisc, err.Error())
}

func usageOf(ctx context.Context, spec registry.CommandSpec, log *zap.Logger) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("rpc help handler panicked", zap.String("method", spec.Name), zap.Any("panic", r))
			text, err = "", rpc.NewError(rpc.ErrMisc, internalErrorMessage)
		}
	}()
	out, herr := spec.Handler(ctx, nil, true)
	if herr != nil {
		var rerr *rpc.Error
		if errors.As(herr, &rerr) {
			return "", rerr
		}
		return herr.Error(), nil
	}
	switch v := out.(type) {
	case string:
		return v, nil
	case nil:
		return spec.Name, nil
	default:
		return fmt.Sprint(v), nil
	}
}
