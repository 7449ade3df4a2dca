package commands

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rubin.dev/rpcnode/crypto"
	"rubin.dev/rpcnode/node"
	"rubin.dev/rpcnode/node/store"
	"rubin.dev/rpcnode/rpc"
	"rubin.dev/rpcnode/rpc/dispatch"
	"rubin.dev/rpcnode/rpc/listener"
	"rubin.dev/rpcnode/rpc/readiness"
	"rubin.dev/rpcnode/rpc/registry"
	"rubin.dev/rpcnode/wallet"
)

type fakePool struct {
	mu     sync.Mutex
	conns  []listener.ConnInfo
	timers map[string]func()
	delays map[string]time.Duration
}

func newFakePool() *fakePool {
	return &fakePool{timers: map[string]func(){}, delays: map[string]time.Duration{}}
}

func (p *fakePool) ConnCount() int { return len(p.Conns()) }

func (p *fakePool) Conns() []listener.ConnInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]listener.ConnInfo(nil), p.conns...)
}

func (p *fakePool) RunLater(name string, delay time.Duration, fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timers[name] = fn
	p.delays[name] = delay
	return nil
}

func (p *fakePool) CancelTimer(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[name]
	delete(p.timers, name)
	return ok
}

func (p *fakePool) pending(name string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[name]
	return p.delays[name], ok
}

// take removes the pending action for name without running it.
func (p *fakePool) take(name string) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn := p.timers[name]
	delete(p.timers, name)
	return fn
}

func (p *fakePool) fire(name string) bool {
	p.mu.Lock()
	fn, ok := p.timers[name]
	delete(p.timers, name)
	p.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

var (
	fastKDF = crypto.KDFParams{N: 16, R: 1, P: 1}
	epoch   = time.Unix(1_700_000_000, 0)
)

type fixture struct {
	engine   *dispatch.Engine
	reg      *registry.Registry
	state    *readiness.State
	pool     *fakePool
	chain    *node.BlockStore
	wallet   *wallet.Wallet
	stopped  int
	hashes   [][32]byte
	payloads [][]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{pool: newFakePool()}
	f.state = readiness.New(readiness.WithNow(func() time.Time { return epoch }))
	f.state.SetWarmupFinished()

	chain, err := node.OpenBlockStore(filepath.Join(t.TempDir(), "blockstore"))
	require.NoError(t, err)
	f.chain = chain

	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	f.wallet, err = wallet.Open(db, wallet.WithKDFParams(fastKDF))
	require.NoError(t, err)

	backends := NewBackends(f.state)
	backends.SetChain(f.chain)
	backends.SetWallet(f.wallet)

	f.reg = registry.New()
	require.NoError(t, Register(f.reg, Deps{
		Network:  "regtest",
		State:    f.state,
		Pool:     f.pool,
		Backends: backends,
		Started:  epoch.Add(-90 * time.Second),
		Shutdown: func() { f.stopped++ },
	}))
	f.reg.MustRegister(dispatch.HelpCommand(f.reg, nil))
	f.reg.Freeze()
	f.engine = dispatch.New(f.reg, f.state)
	return f
}

func (f *fixture) call(t *testing.T, method string, args ...any) (any, error) {
	t.Helper()
	return f.engine.Execute(context.Background(), method, rpc.Args(args))
}

func (f *fixture) mustCall(t *testing.T, method string, args ...any) any {
	t.Helper()
	out, err := f.call(t, method, args...)
	require.NoError(t, err, method)
	return out
}

func (f *fixture) wantCode(t *testing.T, code rpc.ErrorCode, method string, args ...any) {
	t.Helper()
	_, err := f.call(t, method, args...)
	require.Error(t, err, method)
	assert.Equal(t, code, rpc.CodeOf(err), "%s: %v", method, err)
}

func headerBytes(prev [32]byte, nonce uint64) []byte {
	h := make([]byte, node.HeaderSize)
	binary.LittleEndian.PutUint32(h[0:4], 1)
	copy(h[4:36], prev[:])
	binary.LittleEndian.PutUint64(h[68:76], 1_700_000_000+nonce)
	for i := 76; i < 108; i++ {
		h[i] = 0xff
	}
	binary.LittleEndian.PutUint64(h[108:116], nonce)
	return h
}

func (f *fixture) addBlocks(t *testing.T, n int) {
	t.Helper()
	var prev [32]byte
	for i := 0; i < n; i++ {
		header := headerBytes(prev, uint64(i))
		hash, err := node.BlockHash(header)
		require.NoError(t, err)
		payload := []byte("block-" + string(rune('a'+i)))
		require.NoError(t, f.chain.PutBlock(uint64(i), hash, header, payload))
		f.hashes = append(f.hashes, hash)
		f.payloads = append(f.payloads, payload)
		prev = hash
	}
}

func TestRegisterRequiresStateAndPool(t *testing.T) {
	assert.Error(t, Register(nil, Deps{}))
	assert.Error(t, Register(registry.New(), Deps{State: readiness.New()}))
}

func TestEveryCommandAnswersHelp(t *testing.T) {
	f := newFixture(t)
	for _, name := range f.reg.Names() {
		usage, err := f.engine.ExecuteHelp(context.Background(), name)
		require.NoError(t, err, name)
		assert.True(t, strings.HasPrefix(usage, name), "%s usage starts with %q", name, usage)
	}

	listing := f.mustCall(t, "help").(string)
	assert.Contains(t, listing, "== Blockchain ==")
	assert.Contains(t, listing, "getblockhash height")
	assert.NotContains(t, listing, "setmocktime")
}

func TestArityErrorCarriesUsage(t *testing.T) {
	f := newFixture(t)
	_, err := f.call(t, "getblockhash")
	require.Error(t, err)
	assert.Equal(t, rpc.ErrMisc, rpc.CodeOf(err))
	assert.Contains(t, err.Error(), "getblockhash height")

	f.wantCode(t, rpc.ErrMisc, "uptime", json.Number("1"))
}

func TestControlCommands(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, int64(90), f.mustCall(t, "uptime"))

	assert.Equal(t, "Rubin RPC server stopping", f.mustCall(t, "stop"))
	assert.Equal(t, 1, f.stopped)

	f.pool.conns = []listener.ConnInfo{{ID: 3, PeerAddr: "127.0.0.1:5000", Transport: listener.Plain, Opened: time.Now()}}
	assert.Equal(t, 1, f.mustCall(t, "getconnectioncount"))
	info := f.mustCall(t, "getrpcinfo").(rpcInfo)
	require.Len(t, info.Connections, 1)
	assert.Equal(t, "127.0.0.1:5000", info.Connections[0].Peer)
	assert.Equal(t, "regtest", info.Network)

	f.state.SetSafeMode(true, "disk nearly full")
	assert.Equal(t, safeModeInfo{SafeMode: true, Reason: "disk nearly full"}, f.mustCall(t, "getsafemode"))
}

func TestSetMockTime(t *testing.T) {
	f := newFixture(t)
	f.mustCall(t, "setmocktime", json.Number("1700000600"))
	assert.Equal(t, int64(690), f.mustCall(t, "uptime"))

	f.mustCall(t, "setmocktime", json.Number("0"))
	assert.Equal(t, int64(90), f.mustCall(t, "uptime"))

	f.wantCode(t, rpc.ErrInvalidParameter, "setmocktime", json.Number("-1"))
	f.wantCode(t, rpc.ErrType, "setmocktime", "soon")
}

func TestBlockchainCommands(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, int64(-1), f.mustCall(t, "getblockcount"))
	f.wantCode(t, rpc.ErrMisc, "getbestblockhash")

	f.addBlocks(t, 3)
	assert.Equal(t, int64(2), f.mustCall(t, "getblockcount"))
	tip := hex.EncodeToString(f.hashes[2][:])
	assert.Equal(t, tip, f.mustCall(t, "getbestblockhash"))

	h1 := hex.EncodeToString(f.hashes[1][:])
	assert.Equal(t, h1, f.mustCall(t, "getblockhash", json.Number("1")))
	f.wantCode(t, rpc.ErrInvalidParameter, "getblockhash", json.Number("3"))
	f.wantCode(t, rpc.ErrInvalidParameter, "getblockhash", json.Number("-1"))
	f.wantCode(t, rpc.ErrType, "getblockhash", "1")

	assert.Equal(t, hex.EncodeToString(f.payloads[1]), f.mustCall(t, "getblock", h1, json.Number("0")))
	assert.Equal(t, hex.EncodeToString(f.payloads[1]), f.mustCall(t, "getblock", h1, false))
	block := f.mustCall(t, "getblock", h1).(node.BlockJSON)
	assert.Equal(t, int64(1), block.Height)
	assert.Equal(t, int64(2), block.Confirmations)
	assert.Equal(t, tip, block.NextHash)
	assert.Equal(t, hex.EncodeToString(f.hashes[0][:]), block.PreviousHash)

	header := f.mustCall(t, "getblockheader", h1).(node.HeaderJSON)
	assert.Equal(t, uint64(1), header.Nonce)
	raw := f.mustCall(t, "getblockheader", h1, false).(string)
	assert.Len(t, raw, 2*node.HeaderSize)

	f.wantCode(t, rpc.ErrInvalidAddressOrKey, "getblock", strings.Repeat("00", 32))
	f.wantCode(t, rpc.ErrInvalidParameter, "getblock", "abcd")
	f.wantCode(t, rpc.ErrType, "getblockheader", h1, "yes")
}

func TestUnencryptedWalletCommands(t *testing.T) {
	f := newFixture(t)
	addr := f.mustCall(t, "getnewaddress", "label").(string)
	require.NoError(t, wallet.ValidateAddress(addr))
	key := f.mustCall(t, "dumpprivkey", addr).(string)
	assert.Len(t, key, 64)

	f.wantCode(t, rpc.ErrWalletWrongEncState, "walletpassphrase", "pw", json.Number("60"))
	f.wantCode(t, rpc.ErrWalletWrongEncState, "walletlock")
	f.wantCode(t, rpc.ErrWalletWrongEncState, "walletpassphrasechange", "a", "b")
	f.wantCode(t, rpc.ErrInvalidAddressOrKey, "dumpprivkey", "nope")
	f.wantCode(t, rpc.ErrWallet, "dumpprivkey", "rb1"+strings.Repeat("00", 20))

	info := f.mustCall(t, "getwalletinfo").(walletInfo)
	assert.False(t, info.Encrypted)
	assert.Equal(t, 1, info.KeyCount)
	assert.Nil(t, info.UnlockedUntil)
}

func TestWalletEncryptUnlockRelock(t *testing.T) {
	f := newFixture(t)
	addr := f.mustCall(t, "getnewaddress").(string)

	f.wantCode(t, rpc.ErrInvalidParameter, "encryptwallet", "")
	f.mustCall(t, "encryptwallet", "hunter2")
	f.wantCode(t, rpc.ErrWalletWrongEncState, "encryptwallet", "again")

	f.wantCode(t, rpc.ErrWalletUnlockNeeded, "getnewaddress")
	f.wantCode(t, rpc.ErrWalletUnlockNeeded, "dumpprivkey", addr)

	f.wantCode(t, rpc.ErrWalletPassphraseIncorrect, "walletpassphrase", "wrong", json.Number("60"))
	f.wantCode(t, rpc.ErrInvalidParameter, "walletpassphrase", "hunter2", json.Number("0"))
	f.mustCall(t, "walletpassphrase", "hunter2", json.Number("60"))
	delay, ok := f.pool.pending(lockTimer)
	require.True(t, ok)
	assert.Equal(t, 60*time.Second, delay)

	info := f.mustCall(t, "getwalletinfo").(walletInfo)
	assert.False(t, info.Locked)
	require.NotNil(t, info.UnlockedUntil)
	assert.Equal(t, epoch.Add(60*time.Second).Unix(), *info.UnlockedUntil)

	sig := f.mustCall(t, "signmessage", addr, "hello").(string)
	assert.Equal(t, true, f.mustCall(t, "verifymessage", addr, sig, "hello"))
	assert.Equal(t, false, f.mustCall(t, "verifymessage", addr, sig, "goodbye"))
	f.mustCall(t, "getnewaddress")

	require.True(t, f.pool.fire(lockTimer))
	assert.True(t, f.wallet.IsLocked())
	f.wantCode(t, rpc.ErrWalletUnlockNeeded, "signmessage", addr, "hello")
	info = f.mustCall(t, "getwalletinfo").(walletInfo)
	assert.True(t, info.Locked)
	assert.Equal(t, int64(0), *info.UnlockedUntil)
}

func TestWalletLockCancelsRelockTimer(t *testing.T) {
	f := newFixture(t)
	f.mustCall(t, "encryptwallet", "pw")
	f.mustCall(t, "walletpassphrase", "pw", json.Number("600"))
	f.mustCall(t, "walletlock")
	_, pending := f.pool.pending(lockTimer)
	assert.False(t, pending)
	assert.True(t, f.wallet.IsLocked())
	f.wantCode(t, rpc.ErrWalletUnlockNeeded, "getnewaddress")
}

func TestWalletUnlockExpiresWithMockTime(t *testing.T) {
	f := newFixture(t)
	f.mustCall(t, "encryptwallet", "pw")
	f.mustCall(t, "walletpassphrase", "pw", json.Number("30"))
	f.mustCall(t, "getnewaddress")

	f.mustCall(t, "setmocktime", json.Number(strconv.FormatInt(epoch.Add(31*time.Second).Unix(), 10)))
	f.wantCode(t, rpc.ErrWalletUnlockNeeded, "getnewaddress")
	assert.True(t, f.wallet.IsLocked())
}

func TestWalletPassphraseChange(t *testing.T) {
	f := newFixture(t)
	f.mustCall(t, "encryptwallet", "old")
	f.wantCode(t, rpc.ErrWalletPassphraseIncorrect, "walletpassphrasechange", "nope", "new")
	f.wantCode(t, rpc.ErrInvalidParameter, "walletpassphrasechange", "old", "")
	f.mustCall(t, "walletpassphrasechange", "old", "new")
	f.wantCode(t, rpc.ErrWalletPassphraseIncorrect, "walletpassphrase", "old", json.Number("10"))
	f.mustCall(t, "walletpassphrase", "new", json.Number("10"))
}

func TestVerifyMessageRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	f.wantCode(t, rpc.ErrType, "verifymessage", "nope", "sig", "msg")
	f.wantCode(t, rpc.ErrType, "verifymessage", "rb1"+strings.Repeat("00", 20), "!!!", "msg")
}

func TestStaleRelockKeepsNewerUnlock(t *testing.T) {
	f := newFixture(t)
	f.mustCall(t, "encryptwallet", "pw")
	f.mustCall(t, "walletpassphrase", "pw", json.Number("30"))
	stale := f.pool.take(lockTimer)
	require.NotNil(t, stale)

	f.mustCall(t, "walletpassphrase", "pw", json.Number("600"))
	stale()
	assert.False(t, f.wallet.IsLocked())
	f.mustCall(t, "getnewaddress")

	require.True(t, f.pool.fire(lockTimer))
	assert.True(t, f.wallet.IsLocked())
	f.wantCode(t, rpc.ErrWalletUnlockNeeded, "getnewaddress")
}

func TestSetMockTimeOnlyOnTestNetworks(t *testing.T) {
	for network, want := range map[string]bool{"regtest": true, "devnet": true, "testnet": false, "mainnet": false} {
		reg := registry.New()
		require.NoError(t, Register(reg, Deps{Network: network, State: readiness.New(), Pool: newFakePool()}))
		_, ok := reg.Lookup("setmocktime")
		assert.Equal(t, want, ok, network)
	}
}

func TestCommandsWaitForBackends(t *testing.T) {
	state := readiness.New()
	state.SetWarmupFinished()
	backends := NewBackends(state)
	reg := registry.New()
	require.NoError(t, Register(reg, Deps{Network: "regtest", State: state, Pool: newFakePool(), Backends: backends}))
	reg.MustRegister(dispatch.HelpCommand(reg, nil))
	reg.Freeze()
	engine := dispatch.New(reg, state)
	ctx := context.Background()

	_, err := engine.Execute(ctx, "getblockcount", nil)
	assert.Equal(t, rpc.ErrInWarmup, rpc.CodeOf(err))
	_, err = engine.Execute(ctx, "getwalletinfo", nil)
	assert.Equal(t, rpc.ErrInWarmup, rpc.CodeOf(err))
	usage, err := engine.ExecuteHelp(ctx, "getnewaddress")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(usage, "getnewaddress"))

	chain, err := node.OpenBlockStore(filepath.Join(t.TempDir(), "blockstore"))
	require.NoError(t, err)
	backends.SetChain(chain)
	out, err := engine.Execute(ctx, "getblockcount", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), out)

	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	w, err := wallet.Open(db, wallet.WithKDFParams(fastKDF))
	require.NoError(t, err)
	backends.SetWallet(w)
	info, err := engine.Execute(ctx, "getwalletinfo", nil)
	require.NoError(t, err)
	assert.False(t, info.(walletInfo).Encrypted)
}

func TestSetTxFee(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, json.Number("0.00000000"), f.mustCall(t, "getwalletinfo").(walletInfo).PayTxFee)

	assert.Equal(t, true, f.mustCall(t, "settxfee", json.Number("0.00001")))
	assert.Equal(t, json.Number("0.00001000"), f.mustCall(t, "getwalletinfo").(walletInfo).PayTxFee)

	f.wantCode(t, rpc.ErrType, "settxfee", json.Number("0.000000001"))
	f.wantCode(t, rpc.ErrType, "settxfee", json.Number("-1"))
	f.wantCode(t, rpc.ErrType, "settxfee", "0.1")
}

func TestSubmitBlock(t *testing.T) {
	f := newFixture(t)
	genesis := headerBytes([32]byte{}, 0)
	genesisHash, err := node.BlockHash(genesis)
	require.NoError(t, err)
	block := hex.EncodeToString(append(append([]byte(nil), genesis...), "body"...))

	assert.Nil(t, f.mustCall(t, "submitblock", block))
	assert.Equal(t, int64(0), f.mustCall(t, "getblockcount"))
	assert.Equal(t, hex.EncodeToString(genesisHash[:]), f.mustCall(t, "getbestblockhash"))
	assert.Equal(t, "duplicate", f.mustCall(t, "submitblock", block))

	orphan := hex.EncodeToString(headerBytes([32]byte{1}, 9))
	assert.Equal(t, "inconclusive", f.mustCall(t, "submitblock", orphan))

	next := hex.EncodeToString(headerBytes(genesisHash, 1))
	f.wantCode(t, rpc.ErrInvalidParameter, "submitblock", map[string]any{"hex": next, "prevblockhash": strings.Repeat("11", 32)})
	assert.Nil(t, f.mustCall(t, "submitblock", map[string]any{"hex": next, "prevblockhash": hex.EncodeToString(genesisHash[:])}))
	assert.Equal(t, int64(1), f.mustCall(t, "getblockcount"))

	f.wantCode(t, rpc.ErrDeserialization, "submitblock", "abcd")
	f.wantCode(t, rpc.ErrInvalidParameter, "submitblock", "zz")
	f.wantCode(t, rpc.ErrType, "submitblock", map[string]any{"hex": json.Number("1")})
	f.wantCode(t, rpc.ErrType, "submitblock", json.Number("1"))
}

func TestSubmitBlockOnlyOnTestNetworks(t *testing.T) {
	reg := registry.New()
	require.NoError(t, Register(reg, Deps{Network: "mainnet", State: readiness.New(), Pool: newFakePool()}))
	_, ok := reg.Lookup("submitblock")
	assert.False(t, ok)
}
