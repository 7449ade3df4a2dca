package commands

import (
	"context"
	"time"

	"rubin.dev/rpcnode/rpc"
	"rubin.dev/rpcnode/rpc/params"
	"rubin.dev/rpcnode/rpc/registry"
)

// ConnJSON is one entry of getrpcinfo's connection list.
type ConnJSON struct {
	ID        uint64 `json:"id"`
	Peer      string `json:"peer"`
	Transport string `json:"transport"`
	Idle      bool   `json:"idle"`
	Duration  int64  `json:"duration"`
}

type rpcInfo struct {
	Network     string     `json:"network"`
	Connections []ConnJSON `json:"active_connections"`
}

type safeModeInfo struct {
	SafeMode bool   `json:"safe_mode"`
	Reason   string `json:"reason,omitempty"`
}

func controlCommands(d Deps) []registry.CommandSpec {
	specs := []registry.CommandSpec{
		{
			Name: "stop", Category: "control", OKSafeMode: true, ThreadSafe: true,
			Handler: handler(text("stop\n\nRequest a graceful shutdown of the node.\n"), 0, 0,
				func(context.Context, rpc.Args) (any, error) {
					if d.Shutdown != nil {
						d.Shutdown()
					}
					return "Rubin RPC server stopping", nil
				}),
		},
		{
			Name: "uptime", Category: "control", OKSafeMode: true, ThreadSafe: true,
			Handler: handler(text("uptime\n\nReturns the total uptime of the server.\n\nResult:\nttt    (numeric) The number of seconds that the server has been running\n\nExamples:\n"+
				rpc.HelpExampleCli("uptime", "")+rpc.HelpExampleRPC("uptime", "")), 0, 0,
				func(context.Context, rpc.Args) (any, error) {
					up := d.State.Now().Sub(d.Started)
					if up < 0 {
						up = 0
					}
					return int64(up / time.Second), nil
				}),
		},
		{
			Name: "getrpcinfo", Category: "control", OKSafeMode: true, ThreadSafe: true,
			Handler: handler(text("getrpcinfo\n\nReturns details of the RPC server.\n"), 0, 0,
				func(context.Context, rpc.Args) (any, error) {
					now := time.Now()
					conns := d.Pool.Conns()
					out := rpcInfo{Network: d.Network, Connections: make([]ConnJSON, 0, len(conns))}
					for _, c := range conns {
						out.Connections = append(out.Connections, ConnJSON{
							ID:        c.ID,
							Peer:      c.PeerAddr,
							Transport: c.Transport.String(),
							Idle:      c.Idle,
							Duration:  int64(now.Sub(c.Opened) / time.Second),
						})
					}
					return out, nil
				}),
		},
		{
			Name: "getsafemode", Category: "control", OKSafeMode: true, ThreadSafe: true,
			Handler: handler(text("getsafemode\n\nReports whether the node is in safe mode and why.\n"), 0, 0,
				func(context.Context, rpc.Args) (any, error) {
					on, reason := d.State.SafeMode()
					return safeModeInfo{SafeMode: on, Reason: reason}, nil
				}),
		},
		{
			Name: "getconnectioncount", Category: "network", OKSafeMode: true, ThreadSafe: true,
			Handler: handler(text("getconnectioncount\n\nReturns the number of open RPC connections.\n\nResult:\nn          (numeric) The connection count\n\nExamples:\n"+
				rpc.HelpExampleCli("getconnectioncount", "")+rpc.HelpExampleRPC("getconnectioncount", "")), 0, 0,
				func(context.Context, rpc.Args) (any, error) {
					return d.Pool.ConnCount(), nil
				}),
		},
	}
	if isTestNetwork(d.Network) {
		specs = append(specs, mockTimeCommand(d))
	}
	return specs
}

// testNetworks get the commands that bypass normal node behavior:
// setmocktime, which moves the clock behind wallet unlock expiry and uptime,
// and submitblock, which appends blocks without validating them.
var testNetworks = map[string]struct{}{
	"regtest": {},
	"devnet":  {},
}

func isTestNetwork(network string) bool {
	_, ok := testNetworks[network]
	return ok
}

func mockTimeCommand(d Deps) registry.CommandSpec {
	return registry.CommandSpec{
		Name: "setmocktime", Category: "hidden", OKSafeMode: true, ThreadSafe: false, Hidden: true,
		Handler: handler(text("setmocktime timestamp\n\nSet the local time to given timestamp.\n\nArguments:\n"+
			"1. timestamp  (integer, required) Unix seconds time to set, or 0 to return to the system clock\n"), 1, 1,
			func(_ context.Context, args rpc.Args) (any, error) {
				if err := params.CheckPositional(args, []params.Type{params.Number}, false); err != nil {
					return nil, err
				}
				ts, err := params.ArgInt64(args, 0, 0)
				if err != nil {
					return nil, err
				}
				if ts < 0 {
					return nil, rpc.NewError(rpc.ErrInvalidParameter, "Mocktime can not be negative")
				}
				if ts == 0 {
					d.State.SetMockTime(time.Time{})
				} else {
					d.State.SetMockTime(time.Unix(ts, 0))
				}
				return nil, nil
			}),
	}
}
