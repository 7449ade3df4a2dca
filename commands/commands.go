// Package commands holds the built-in command handlers the daemon registers.
package commands

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"rubin.dev/rpcnode/rpc"
	"rubin.dev/rpcnode/rpc/listener"
	"rubin.dev/rpcnode/rpc/readiness"
	"rubin.dev/rpcnode/rpc/registry"
)

// lockTimer is the deferred timer that re-locks the wallet after
// walletpassphrase. Scheduling it again replaces the pending one.
const lockTimer = "lockwallet"

// Pool is the listener pool surface the handlers use.
type Pool interface {
	ConnCount() int
	Conns() []listener.ConnInfo
	RunLater(name string, delay time.Duration, fn func()) error
	CancelTimer(name string) bool
}

// Deps carries everything the handlers read or drive.
type Deps struct {
	Network  string
	State    *readiness.State
	Pool     Pool
	Backends *Backends
	Started  time.Time
	Shutdown func()
	Log      *zap.Logger
}

// Register adds every built-in command except help to reg and hooks the
// wallet into the readiness relock path. The block store and wallet may be
// published on d.Backends after reg is frozen.
func Register(reg *registry.Registry, d Deps) error {
	if reg == nil {
		return errors.New("nil registry")
	}
	if d.State == nil || d.Pool == nil {
		return errors.New("commands need readiness state and a listener pool")
	}
	if d.Backends == nil {
		d.Backends = NewBackends(d.State)
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Started.IsZero() {
		d.Started = d.State.Now()
	}
	d.State.OnRelock(d.Backends.lockLoaded)

	specs := controlCommands(d)
	specs = append(specs, blockchainCommands(d)...)
	if isTestNetwork(d.Network) {
		specs = append(specs, submitBlockCommand(d))
	}
	specs = append(specs, utilCommands()...)
	specs = append(specs, walletCommands(d)...)
	for _, spec := range specs {
		if err := reg.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// handler wraps fn with help handling and an arity check. A call with the
// wrong number of arguments fails with the usage text, so a caller sees how
// to fix it.
func handler(usage func() string, minArgs, maxArgs int, fn func(ctx context.Context, args rpc.Args) (any, error)) rpc.HandlerFunc {
	return func(ctx context.Context, args rpc.Args, help bool) (any, error) {
		if help {
			return usage(), nil
		}
		if len(args) < minArgs || len(args) > maxArgs {
			return nil, rpc.NewError(rpc.ErrMisc, usage())
		}
		return fn(ctx, args)
	}
}

func text(s string) func() string { return func() string { return s } }
