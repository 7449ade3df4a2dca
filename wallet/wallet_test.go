package wallet

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rubin.dev/rpcnode/crypto"
	"rubin.dev/rpcnode/node/store"
)

var fastKDF = crypto.KDFParams{N: 16, R: 1, P: 1}

func openWallet(t *testing.T, datadir string) *Wallet {
	t.Helper()
	db, err := store.Open(datadir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	w, err := Open(db, WithKDFParams(fastKDF))
	require.NoError(t, err)
	return w
}

func TestUnencryptedWallet(t *testing.T) {
	w := openWallet(t, t.TempDir())
	assert.False(t, w.IsEncrypted())
	assert.False(t, w.IsLocked())

	addr, err := w.NewAddress("first")
	require.NoError(t, err)
	require.NoError(t, ValidateAddress(addr))

	key, err := w.DumpPrivKey(addr)
	require.NoError(t, err)
	assert.Len(t, key, 64)

	_, err = w.DumpPrivKey("rb1" + hex.EncodeToString(make([]byte, 20)))
	assert.ErrorIs(t, err, ErrUnknownAddress)

	assert.ErrorIs(t, w.Unlock([]byte("pw")), ErrNotEncrypted)
	assert.ErrorIs(t, w.ChangePassphrase([]byte("a"), []byte("b")), ErrNotEncrypted)
}

func TestEncryptLockUnlock(t *testing.T) {
	w := openWallet(t, t.TempDir())
	addr, err := w.NewAddress("")
	require.NoError(t, err)
	before, err := w.DumpPrivKey(addr)
	require.NoError(t, err)

	require.ErrorIs(t, w.Encrypt(nil), ErrEmptyPassphrase)
	require.NoError(t, w.Encrypt([]byte("hunter2")))
	assert.ErrorIs(t, w.Encrypt([]byte("again")), ErrAlreadyEncrypted)
	assert.True(t, w.IsEncrypted())
	assert.True(t, w.IsLocked())

	_, err = w.DumpPrivKey(addr)
	assert.ErrorIs(t, err, ErrLocked)
	_, err = w.NewAddress("")
	assert.ErrorIs(t, err, ErrLocked)

	assert.ErrorIs(t, w.Unlock([]byte("wrong")), ErrPassphraseIncorrect)
	require.NoError(t, w.Unlock([]byte("hunter2")))
	assert.False(t, w.IsLocked())

	after, err := w.DumpPrivKey(addr)
	require.NoError(t, err)
	assert.Equal(t, before, after, "encryption must preserve seeds")

	w.Lock()
	assert.True(t, w.IsLocked())
	w.Lock()
}

func TestChangePassphrase(t *testing.T) {
	w := openWallet(t, t.TempDir())
	require.NoError(t, w.Encrypt([]byte("old")))
	require.NoError(t, w.Unlock([]byte("old")))
	addr, err := w.NewAddress("x")
	require.NoError(t, err)
	w.Lock()

	assert.ErrorIs(t, w.ChangePassphrase([]byte("nope"), []byte("new")), ErrPassphraseIncorrect)
	require.NoError(t, w.ChangePassphrase([]byte("old"), []byte("new")))
	assert.True(t, w.IsLocked(), "passphrase change keeps the lock state")

	assert.ErrorIs(t, w.Unlock([]byte("old")), ErrPassphraseIncorrect)
	require.NoError(t, w.Unlock([]byte("new")))
	_, err = w.DumpPrivKey(addr)
	require.NoError(t, err)
}

func TestReopenKeepsEncryption(t *testing.T) {
	datadir := t.TempDir()
	db, err := store.Open(datadir)
	require.NoError(t, err)
	w, err := Open(db, WithKDFParams(fastKDF))
	require.NoError(t, err)
	require.NoError(t, w.Encrypt([]byte("pw")))
	require.NoError(t, db.Close())

	w2 := openWallet(t, datadir)
	assert.True(t, w2.IsEncrypted())
	assert.True(t, w2.IsLocked())
	require.NoError(t, w2.Unlock([]byte("pw")))

	info, err := w2.Info()
	require.NoError(t, err)
	assert.Equal(t, Info{Encrypted: true, Locked: false, KeyCount: 0}, info)
}

func TestSignAndVerifyMessage(t *testing.T) {
	w := openWallet(t, t.TempDir())
	addr, err := w.NewAddress("")
	require.NoError(t, err)
	other, err := w.NewAddress("")
	require.NoError(t, err)

	sig, err := w.SignMessage(addr, "hello")
	require.NoError(t, err)

	ok, err := VerifyMessage(addr, sig, "hello")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyMessage(addr, sig, "goodbye")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = VerifyMessage(other, sig, "hello")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyMessage(addr, "!!!", "hello")
	assert.Error(t, err)
	_, err = VerifyMessage("bogus", sig, "hello")
	assert.ErrorIs(t, err, ErrMalformedAddress)

	require.NoError(t, w.Encrypt([]byte("pw")))
	_, err = w.SignMessage(addr, "hello")
	assert.ErrorIs(t, err, ErrLocked)
}

func TestTxFeePersists(t *testing.T) {
	datadir := t.TempDir()
	db, err := store.Open(datadir)
	require.NoError(t, err)
	w, err := Open(db, WithKDFParams(fastKDF))
	require.NoError(t, err)
	assert.Error(t, w.SetTxFee(-1))
	require.NoError(t, w.SetTxFee(1000))
	info, err := w.Info()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.TxFee)
	require.NoError(t, db.Close())

	info, err = openWallet(t, datadir).Info()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), info.TxFee)
}
