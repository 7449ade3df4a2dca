package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rubin.dev/rpcnode/rpc"
)

func nopHandler(context.Context, rpc.Args, bool) (any, error) { return nil, nil }

func TestRegisterLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(CommandSpec{Name: "getblockcount", Category: "blockchain", Handler: nopHandler, OKSafeMode: true}))

	spec, ok := r.Lookup("getblockcount")
	require.True(t, ok)
	assert.Equal(t, "blockchain", spec.Category)
	assert.True(t, spec.OKSafeMode)

	_, ok = r.Lookup("nope")
	assert.False(t, ok)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(CommandSpec{Name: "stop", Category: "control", Handler: nopHandler}))
	err := r.Register(CommandSpec{Name: "stop", Category: "control", Handler: nopHandler, ThreadSafe: true})
	require.ErrorIs(t, err, ErrDuplicateCommand)

	spec, _ := r.Lookup("stop")
	assert.False(t, spec.ThreadSafe, "original entry must survive")
	assert.Equal(t, 1, r.Len())
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := New()
	require.Error(t, r.Register(CommandSpec{Handler: nopHandler}))
	require.Error(t, r.Register(CommandSpec{Name: "x"}))

	var nilReg *Registry
	require.Error(t, nilReg.Register(CommandSpec{Name: "x", Handler: nopHandler}))
	_, ok := nilReg.Lookup("x")
	assert.False(t, ok)
}

func TestFreeze(t *testing.T) {
	r := New()
	r.MustRegister(CommandSpec{Name: "a", Handler: nopHandler})
	r.Freeze()
	assert.True(t, r.Frozen())

	err := r.Register(CommandSpec{Name: "b", Handler: nopHandler})
	require.True(t, errors.Is(err, ErrRegistryFrozen))
	_, ok := r.Lookup("a")
	assert.True(t, ok)
}

func TestMustRegisterPanicsOnDuplicate(t *testing.T) {
	r := New()
	assert.Panics(t, func() {
		r.MustRegister(
			CommandSpec{Name: "a", Handler: nopHandler},
			CommandSpec{Name: "a", Handler: nopHandler},
		)
	})
}

func TestListOrdering(t *testing.T) {
	r := New()
	r.MustRegister(
		CommandSpec{Name: "walletlock", Category: "wallet", Handler: nopHandler},
		CommandSpec{Name: "stop", Category: "control", Handler: nopHandler},
		CommandSpec{Name: "getblockcount", Category: "blockchain", Handler: nopHandler},
		CommandSpec{Name: "help", Category: "control", Handler: nopHandler},
		CommandSpec{Name: "getbestblockhash", Category: "blockchain", Handler: nopHandler},
	)

	var names []string
	for _, s := range r.List() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"getblockcount", "getbestblockhash", "stop", "help", "walletlock"}, names)
	assert.Equal(t, []string{"walletlock", "stop", "getblockcount", "help", "getbestblockhash"}, r.Names())
}

func TestConcurrentLookupDuringRegister(t *testing.T) {
	r := New()
	r.MustRegister(CommandSpec{Name: "base", Handler: nopHandler})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = r.Register(CommandSpec{Name: string(rune('a'+i%26)) + string(rune('a'+i/26)), Handler: nopHandler})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if _, ok := r.Lookup("base"); !ok {
				t.Error("base missing")
				return
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, 201, r.Len())
}
