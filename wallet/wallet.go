// Package wallet is a small ed25519 keystore persisted in bbolt.
//
// An encrypted wallet stores a random 32-byte master key wrapped with
// AES-256-KW under a scrypt-derived key-encryption key. Each address seed is
// wrapped under the master key, so changing the passphrase rewraps one value.
// The master key is held in memory only while the wallet is unlocked.
package wallet

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rubin.dev/rpcnode/crypto"
	"rubin.dev/rpcnode/node/store"
)

const (
	metaVersion   = "version"
	metaWrapAlg   = "wrap_alg"
	metaSalt      = "kdf_salt"
	metaKDFParams = "kdf_params"
	metaMasterKey = "wrapped_master_key"
	metaTxFee     = "paytxfee"

	walletVersion = "RBWv1"
	wrapAlg       = "AES-256-KW"

	masterKeySize = 32
	addressPrefix = "rb1"
)

var (
	ErrLocked              = errors.New("wallet locked")
	ErrNotEncrypted        = errors.New("wallet is not encrypted")
	ErrAlreadyEncrypted    = errors.New("wallet is already encrypted")
	ErrPassphraseIncorrect = errors.New("wallet passphrase incorrect")
	ErrUnknownAddress      = errors.New("address not in wallet")
	ErrEmptyPassphrase     = errors.New("passphrase can not be empty")
)

type Option func(*Wallet)

func WithLogger(l *zap.Logger) Option {
	return func(w *Wallet) {
		if l != nil {
			w.log = l
		}
	}
}

// WithKDFParams sets the scrypt cost used by Encrypt and ChangePassphrase.
func WithKDFParams(p crypto.KDFParams) Option {
	return func(w *Wallet) { w.kdf = p }
}

func WithClock(now func() time.Time) Option {
	return func(w *Wallet) {
		if now != nil {
			w.now = now
		}
	}
}

type Wallet struct {
	db  *store.DB
	log *zap.Logger
	kdf crypto.KDFParams
	now func() time.Time

	mu        sync.Mutex
	encrypted bool
	master    []byte
	txFee     int64
}

// Info is the wallet summary reported by getwalletinfo.
type Info struct {
	Encrypted bool  `json:"encrypted"`
	Locked    bool  `json:"locked"`
	KeyCount  int   `json:"keycount"`
	TxFee     int64 `json:"-"`
}

func Open(db *store.DB, opts ...Option) (*Wallet, error) {
	if db == nil {
		return nil, errors.New("nil wallet store")
	}
	w := &Wallet{
		db:  db,
		log: zap.NewNop(),
		kdf: crypto.DefaultKDFParams,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	version, ok, err := db.GetMeta(metaVersion)
	if err != nil {
		return nil, fmt.Errorf("read wallet version: %w", err)
	}
	if ok && string(version) != walletVersion {
		return nil, fmt.Errorf("unsupported wallet version: %q", version)
	}
	_, w.encrypted, err = db.GetMeta(metaMasterKey)
	if err != nil {
		return nil, fmt.Errorf("read wallet master key: %w", err)
	}
	fee, hasFee, err := db.GetMeta(metaTxFee)
	if err != nil {
		return nil, fmt.Errorf("read wallet fee: %w", err)
	}
	if hasFee {
		if len(fee) != 8 {
			return nil, fmt.Errorf("corrupt wallet fee: %d bytes", len(fee))
		}
		w.txFee = int64(binary.LittleEndian.Uint64(fee)) // #nosec G115 -- written by SetTxFee from a non-negative amount.
	}
	if !ok {
		if err := db.PutMeta(map[string][]byte{metaVersion: []byte(walletVersion)}); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *Wallet) IsEncrypted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encrypted
}

// IsLocked reports whether seeds are currently unreadable. An unencrypted
// wallet is never locked.
func (w *Wallet) IsLocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encrypted && w.master == nil
}

func (w *Wallet) Info() (Info, error) {
	n, err := w.db.CountKeys()
	if err != nil {
		return Info{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return Info{Encrypted: w.encrypted, Locked: w.encrypted && w.master == nil, KeyCount: n, TxFee: w.txFee}, nil
}

// SetTxFee persists the fee rate, in base units per kilobyte, used for
// transactions the wallet creates.
func (w *Wallet) SetTxFee(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("negative fee: %d", amount)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.db.PutMeta(map[string][]byte{metaTxFee: binary.LittleEndian.AppendUint64(nil, uint64(amount))}); err != nil { // #nosec G115 -- amount >= 0.
		return err
	}
	w.txFee = amount
	return nil
}

// Encrypt protects a plaintext wallet with passphrase. Every existing seed is
// rewrapped in one transaction. The wallet is left locked.
func (w *Wallet) Encrypt(passphrase []byte) error {
	if len(passphrase) == 0 {
		return ErrEmptyPassphrase
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.encrypted {
		return ErrAlreadyEncrypted
	}
	master, err := crypto.RandomKey(masterKeySize)
	if err != nil {
		return err
	}
	defer crypto.Wipe(master)
	meta, err := w.sealMaster(master, passphrase)
	if err != nil {
		return err
	}
	err = w.db.ReplaceWalletKeys(meta, func(rec store.KeyRecord) (store.KeyRecord, error) {
		wrapped, err := crypto.WrapKey(master, rec.WrappedSeed)
		if err != nil {
			return rec, fmt.Errorf("wrap seed %s: %w", rec.Address, err)
		}
		crypto.Wipe(rec.WrappedSeed)
		rec.WrappedSeed = wrapped
		return rec, nil
	})
	if err != nil {
		return err
	}
	w.encrypted = true
	w.log.Info("wallet encrypted")
	return nil
}

// Unlock recovers the master key. The caller owns the unlock window; Lock is
// the only way the key leaves memory.
func (w *Wallet) Unlock(passphrase []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.encrypted {
		return ErrNotEncrypted
	}
	master, err := w.openMaster(passphrase)
	if err != nil {
		return err
	}
	crypto.Wipe(w.master)
	w.master = master
	return nil
}

// Lock wipes the master key. It is safe to call on a locked or unencrypted
// wallet.
func (w *Wallet) Lock() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.master == nil {
		return
	}
	crypto.Wipe(w.master)
	w.master = nil
	w.log.Debug("wallet locked")
}

// ChangePassphrase rewraps the master key under a key derived from next. The
// lock state is unchanged.
func (w *Wallet) ChangePassphrase(old, next []byte) error {
	if len(next) == 0 {
		return ErrEmptyPassphrase
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.encrypted {
		return ErrNotEncrypted
	}
	master, err := w.openMaster(old)
	if err != nil {
		return err
	}
	defer crypto.Wipe(master)
	meta, err := w.sealMaster(master, next)
	if err != nil {
		return err
	}
	return w.db.PutMeta(meta)
}

// NewAddress generates a fresh keypair and stores its seed.
func (w *Wallet) NewAddress(label string) (string, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", err
	}
	seed := priv.Seed()
	defer crypto.Wipe(seed)
	defer crypto.Wipe(priv)

	w.mu.Lock()
	defer w.mu.Unlock()
	var stored []byte
	switch {
	case !w.encrypted:
		stored = append([]byte(nil), seed...)
	case w.master == nil:
		return "", ErrLocked
	default:
		stored, err = crypto.WrapKey(w.master, seed)
		if err != nil {
			return "", err
		}
	}
	addr := AddressFromPubKey(pub)
	if err := w.db.PutKey(store.KeyRecord{
		Address:     addr,
		Label:       label,
		PubKey:      pub,
		WrappedSeed: stored,
		CreatedAt:   w.now().Unix(),
	}); err != nil {
		return "", err
	}
	return addr, nil
}

// DumpPrivKey returns the hex seed of addr.
func (w *Wallet) DumpPrivKey(addr string) (string, error) {
	seed, _, err := w.seed(addr)
	if err != nil {
		return "", err
	}
	defer crypto.Wipe(seed)
	return hex.EncodeToString(seed), nil
}

func (w *Wallet) seed(addr string) ([]byte, []byte, error) {
	rec, ok, err := w.db.GetKey(addr)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrUnknownAddress
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.encrypted {
		return rec.WrappedSeed, rec.PubKey, nil
	}
	if w.master == nil {
		return nil, nil, ErrLocked
	}
	seed, err := crypto.UnwrapKey(w.master, rec.WrappedSeed)
	if err != nil {
		return nil, nil, fmt.Errorf("unwrap seed %s: %w", addr, err)
	}
	return seed, rec.PubKey, nil
}

func (w *Wallet) sealMaster(master, passphrase []byte) (map[string][]byte, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	kek, err := crypto.DeriveKEK(passphrase, salt, w.kdf)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(kek)
	wrapped, err := crypto.WrapKey(kek, master)
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(w.kdf)
	if err != nil {
		return nil, err
	}
	return map[string][]byte{
		metaVersion:   []byte(walletVersion),
		metaWrapAlg:   []byte(wrapAlg),
		metaSalt:      salt,
		metaKDFParams: params,
		metaMasterKey: wrapped,
	}, nil
}

func (w *Wallet) openMaster(passphrase []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}
	salt, _, err := w.db.GetMeta(metaSalt)
	if err != nil {
		return nil, err
	}
	rawParams, _, err := w.db.GetMeta(metaKDFParams)
	if err != nil {
		return nil, err
	}
	wrapped, _, err := w.db.GetMeta(metaMasterKey)
	if err != nil {
		return nil, err
	}
	var params crypto.KDFParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, fmt.Errorf("decode kdf params: %w", err)
	}
	kek, err := crypto.DeriveKEK(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(kek)
	master, err := crypto.UnwrapKey(kek, wrapped)
	if errors.Is(err, crypto.ErrKeyWrapIntegrity) {
		return nil, ErrPassphraseIncorrect
	}
	return master, err
}
