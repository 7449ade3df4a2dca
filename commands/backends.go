package commands

import (
	"context"
	"sync/atomic"

	"rubin.dev/rpcnode/node"
	"rubin.dev/rpcnode/rpc"
	"rubin.dev/rpcnode/rpc/readiness"
	"rubin.dev/rpcnode/wallet"
)

// Backends holds the block store and the wallet. The daemon freezes the
// command table and starts serving before either is open, so handlers
// resolve them per call and answer with the warmup error until they are set.
type Backends struct {
	state  *readiness.State
	chain  atomic.Pointer[node.BlockStore]
	wallet atomic.Pointer[wallet.Wallet]
}

func NewBackends(state *readiness.State) *Backends {
	return &Backends{state: state}
}

func (b *Backends) SetChain(c *node.BlockStore) {
	b.chain.Store(c)
}

// SetWallet publishes w and records whether it is encrypted, which arms the
// wallet lock gate.
func (b *Backends) SetWallet(w *wallet.Wallet) {
	if w != nil && b.state != nil {
		b.state.SetWalletEncrypted(w.IsEncrypted())
	}
	b.wallet.Store(w)
}

func (b *Backends) Chain() (*node.BlockStore, error) {
	if c := b.chain.Load(); c != nil {
		return c, nil
	}
	return nil, rpc.InWarmup("Loading block index...")
}

func (b *Backends) Wallet() (*wallet.Wallet, error) {
	if w := b.wallet.Load(); w != nil {
		return w, nil
	}
	return nil, rpc.InWarmup("Loading wallet...")
}

func (b *Backends) walletEncrypted() bool {
	w := b.wallet.Load()
	return w != nil && w.IsEncrypted()
}

// lockLoaded wipes the key material of the loaded wallet, if any.
func (b *Backends) lockLoaded() {
	if w := b.wallet.Load(); w != nil {
		w.Lock()
	}
}

func onChain(b *Backends, fn func(chain *node.BlockStore, args rpc.Args) (any, error)) func(context.Context, rpc.Args) (any, error) {
	return func(_ context.Context, args rpc.Args) (any, error) {
		chain, err := b.Chain()
		if err != nil {
			return nil, err
		}
		return fn(chain, args)
	}
}

func onWallet(b *Backends, fn func(w *wallet.Wallet, args rpc.Args) (any, error)) func(context.Context, rpc.Args) (any, error) {
	return func(_ context.Context, args rpc.Args) (any, error) {
		w, err := b.Wallet()
		if err != nil {
			return nil, err
		}
		return fn(w, args)
	}
}
