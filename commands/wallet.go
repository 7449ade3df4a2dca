package commands

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"rubin.dev/rpcnode/rpc"
	"rubin.dev/rpcnode/rpc/params"
	"rubin.dev/rpcnode/rpc/registry"
	"rubin.dev/rpcnode/wallet"
)

// maxUnlockSeconds caps the walletpassphrase timeout at roughly three years.
const maxUnlockSeconds = 100_000_000

type walletInfo struct {
	wallet.Info
	PayTxFee      json.Number `json:"paytxfee"`
	UnlockedUntil *int64      `json:"unlocked_until,omitempty"`
}

// walletError maps keystore failures to their wire codes.
func walletError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, wallet.ErrLocked):
		return rpc.WalletLocked()
	case errors.Is(err, wallet.ErrPassphraseIncorrect):
		return rpc.NewError(rpc.ErrWalletPassphraseIncorrect, "Error: The wallet passphrase entered was incorrect.")
	case errors.Is(err, wallet.ErrNotEncrypted):
		return rpc.NewError(rpc.ErrWalletWrongEncState, "Error: running with an unencrypted wallet.")
	case errors.Is(err, wallet.ErrAlreadyEncrypted):
		return rpc.NewError(rpc.ErrWalletWrongEncState, "Error: running with an encrypted wallet.")
	case errors.Is(err, wallet.ErrEmptyPassphrase):
		return rpc.NewError(rpc.ErrInvalidParameter, "passphrase can not be empty")
	case errors.Is(err, wallet.ErrUnknownAddress):
		return rpc.NewError(rpc.ErrWallet, "Private key for address is not known")
	case errors.Is(err, wallet.ErrMalformedAddress):
		return rpc.NewError(rpc.ErrInvalidAddressOrKey, "Invalid address")
	default:
		return rpc.NewError(rpc.ErrWallet, err.Error())
	}
}

func stringArgs(args rpc.Args, n int) ([]string, error) {
	expected := make([]params.Type, n)
	for i := range expected {
		expected[i] = params.String
	}
	if err := params.CheckPositional(args, expected, false); err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		out[i], _ = args.Arg(i).(string)
	}
	return out, nil
}

func walletCommands(d Deps) []registry.CommandSpec {
	withPassphrase := func(s string) func() string {
		return func() string { return s + rpc.HelpRequiringPassphrase(d.Backends.walletEncrypted()) }
	}
	return []registry.CommandSpec{
		{
			Name: "encryptwallet", Category: "wallet",
			Handler: handler(text("encryptwallet \"passphrase\"\n\nEncrypts the wallet with \"passphrase\". The wallet is locked afterwards.\n\nArguments:\n"+
				"1. \"passphrase\"    (string, required) The pass phrase to encrypt the wallet with\n\nExamples:\n"+
				rpc.HelpExampleCli("encryptwallet", `"my pass phrase"`)+rpc.HelpExampleRPC("encryptwallet", `"my pass phrase"`)), 1, 1,
				onWallet(d.Backends, func(w *wallet.Wallet, args rpc.Args) (any, error) {
					s, err := stringArgs(args, 1)
					if err != nil {
						return nil, err
					}
					if w.IsEncrypted() {
						return nil, rpc.NewError(rpc.ErrWalletWrongEncState, "Error: running with an encrypted wallet, but encryptwallet was called.")
					}
					if err := w.Encrypt([]byte(s[0])); err != nil {
						if errors.Is(err, wallet.ErrEmptyPassphrase) {
							return nil, walletError(err)
						}
						d.Log.Error("encrypt wallet", zap.Error(err))
						return nil, rpc.NewError(rpc.ErrWalletEncryptionFailed, "Error: Failed to encrypt the wallet.")
					}
					d.State.SetWalletEncrypted(true)
					d.State.LockWallet()
					return "wallet encrypted; the keystore is locked until walletpassphrase is called", nil
				})),
		},
		{
			Name: "walletpassphrase", Category: "wallet",
			Handler: handler(text("walletpassphrase \"passphrase\" timeout\n\nStores the wallet decryption key in memory for 'timeout' seconds.\n\nArguments:\n"+
				"1. \"passphrase\"     (string, required) The wallet passphrase\n"+
				"2. timeout          (numeric, required) The time to keep the decryption key in seconds\n\n"+
				"Issuing the walletpassphrase command while the wallet is already unlocked will set a new unlock\ntime that overrides the old one.\n\nExamples:\n"+
				rpc.HelpExampleCli("walletpassphrase", `"my pass phrase" 60`)+rpc.HelpExampleRPC("walletpassphrase", `"my pass phrase", 60`)), 2, 2,
				onWallet(d.Backends, func(w *wallet.Wallet, args rpc.Args) (any, error) {
					if err := params.CheckPositional(args, []params.Type{params.String, params.Number}, false); err != nil {
						return nil, err
					}
					pass, _ := params.ArgString(args, 0, "")
					secs, err := params.ArgInt64(args, 1, 0)
					if err != nil {
						return nil, err
					}
					if !w.IsEncrypted() {
						return nil, rpc.NewError(rpc.ErrWalletWrongEncState, "Error: running with an unencrypted wallet, but walletpassphrase was called.")
					}
					if pass == "" {
						return nil, rpc.NewError(rpc.ErrInvalidParameter, "passphrase can not be empty")
					}
					if secs <= 0 {
						return nil, rpc.NewError(rpc.ErrInvalidParameter, "Timeout cannot be negative or zero.")
					}
					if secs > maxUnlockSeconds {
						secs = maxUnlockSeconds
					}
					if err := w.Unlock([]byte(pass)); err != nil {
						return nil, walletError(err)
					}
					timeout := time.Duration(secs) * time.Second
					deadline := d.State.Now().Add(timeout)
					d.State.UnlockWallet(deadline)
					relock := func() { d.State.LockWalletAt(deadline) }
					if err := d.Pool.RunLater(lockTimer, timeout, relock); err != nil {
						d.State.LockWallet()
						return nil, rpc.NewError(rpc.ErrInternal, "could not schedule wallet relock")
					}
					return nil, nil
				})),
		},
		{
			Name: "walletlock", Category: "wallet",
			Handler: handler(text("walletlock\n\nRemoves the wallet encryption key from memory, locking the wallet.\n\nExamples:\n"+
				rpc.HelpExampleCli("walletlock", "")+rpc.HelpExampleRPC("walletlock", "")), 0, 0,
				onWallet(d.Backends, func(w *wallet.Wallet, _ rpc.Args) (any, error) {
					if !w.IsEncrypted() {
						return nil, rpc.NewError(rpc.ErrWalletWrongEncState, "Error: running with an unencrypted wallet, but walletlock was called.")
					}
					d.Pool.CancelTimer(lockTimer)
					d.State.LockWallet()
					return nil, nil
				})),
		},
		{
			Name: "walletpassphrasechange", Category: "wallet",
			Handler: handler(text("walletpassphrasechange \"oldpassphrase\" \"newpassphrase\"\n\nChanges the wallet passphrase from 'oldpassphrase' to 'newpassphrase'.\n\nArguments:\n"+
				"1. \"oldpassphrase\"      (string, required) The current passphrase\n"+
				"2. \"newpassphrase\"      (string, required) The new passphrase\n\nExamples:\n"+
				rpc.HelpExampleCli("walletpassphrasechange", `"old one" "new one"`)+rpc.HelpExampleRPC("walletpassphrasechange", `"old one", "new one"`)), 2, 2,
				onWallet(d.Backends, func(w *wallet.Wallet, args rpc.Args) (any, error) {
					s, err := stringArgs(args, 2)
					if err != nil {
						return nil, err
					}
					if !w.IsEncrypted() {
						return nil, rpc.NewError(rpc.ErrWalletWrongEncState, "Error: running with an unencrypted wallet, but walletpassphrasechange was called.")
					}
					if s[0] == "" || s[1] == "" {
						return nil, rpc.NewError(rpc.ErrInvalidParameter, "passphrase can not be empty")
					}
					return nil, walletError(w.ChangePassphrase([]byte(s[0]), []byte(s[1])))
				})),
		},
		{
			Name: "getwalletinfo", Category: "wallet", ThreadSafe: true, OKSafeMode: true,
			Handler: handler(text("getwalletinfo\n\nReturns an object containing wallet state.\n\nResult:\n{\n"+
				"  \"encrypted\": true|false,     (boolean) whether a passphrase protects the wallet\n"+
				"  \"locked\": true|false,        (boolean) whether the keys are unreadable right now\n"+
				"  \"keycount\": xxxx,            (numeric) number of keys in the wallet\n"+
				"  \"paytxfee\": x.xxxx,          (numeric) the transaction fee setting in coins/kB\n"+
				"  \"unlocked_until\": ttt,       (numeric) unix time until which the wallet is unlocked, 0 when locked\n}\n"), 0, 0,
				onWallet(d.Backends, func(w *wallet.Wallet, _ rpc.Args) (any, error) {
					// WalletUnlocked first, so an expired unlock is wiped before Info reads it.
					unlocked := d.State.WalletUnlocked()
					info, err := w.Info()
					if err != nil {
						return nil, rpc.NewError(rpc.ErrDatabase, err.Error())
					}
					out := walletInfo{Info: info, PayTxFee: params.ValueFromAmount(info.TxFee)}
					if info.Encrypted {
						until := int64(0)
						if unlocked && !info.Locked {
							until = d.State.WalletDeadline().Unix()
						}
						out.UnlockedUntil = &until
					}
					return out, nil
				})),
		},
		{
			Name: "settxfee", Category: "wallet",
			Handler: handler(text("settxfee amount\n\nSet the transaction fee per kB for this wallet.\n\nArguments:\n"+
				"1. amount         (numeric, required) The transaction fee in coins/kB\n\nResult:\ntrue|false        (boolean) Returns true if successful\n\nExamples:\n"+
				rpc.HelpExampleCli("settxfee", "0.00001")+rpc.HelpExampleRPC("settxfee", "0.00001")), 1, 1,
				onWallet(d.Backends, func(w *wallet.Wallet, args rpc.Args) (any, error) {
					amount, err := params.AmountFromValue(args[0])
					if err != nil {
						return nil, err
					}
					if err := w.SetTxFee(amount); err != nil {
						return nil, rpc.NewError(rpc.ErrDatabase, err.Error())
					}
					return true, nil
				})),
		},
		{
			Name: "getnewaddress", Category: "wallet", RequiresWallet: true,
			Handler: handler(withPassphrase("getnewaddress ( \"label\" )\n\nReturns a new address for receiving payments.\n\nArguments:\n"+
				"1. \"label\"          (string, optional) The label name for the address\n\nResult:\n\"address\"    (string) The new address\n"), 0, 1,
				onWallet(d.Backends, func(w *wallet.Wallet, args rpc.Args) (any, error) {
					if err := params.CheckPositional(args, []params.Type{params.String}, true); err != nil {
						return nil, err
					}
					label, _ := params.ArgString(args, 0, "")
					addr, err := w.NewAddress(label)
					if err != nil {
						return nil, walletError(err)
					}
					return addr, nil
				})),
		},
		{
			Name: "dumpprivkey", Category: "wallet", RequiresWallet: true,
			Handler: handler(withPassphrase("dumpprivkey \"address\"\n\nReveals the private key seed corresponding to 'address'.\n\nArguments:\n"+
				"1. \"address\"   (string, required) The address for the private key\n\nResult:\n\"key\"         (string) The hex seed\n"), 1, 1,
				onWallet(d.Backends, func(w *wallet.Wallet, args rpc.Args) (any, error) {
					s, err := stringArgs(args, 1)
					if err != nil {
						return nil, err
					}
					if err := wallet.ValidateAddress(s[0]); err != nil {
						return nil, walletError(err)
					}
					key, err := w.DumpPrivKey(s[0])
					if err != nil {
						return nil, walletError(err)
					}
					return key, nil
				})),
		},
		{
			Name: "signmessage", Category: "wallet", RequiresWallet: true,
			Handler: handler(withPassphrase("signmessage \"address\" \"message\"\n\nSign a message with the private key of an address.\n\nArguments:\n"+
				"1. \"address\"         (string, required) The address to use for the private key\n"+
				"2. \"message\"         (string, required) The message to create a signature of\n\nResult:\n\"signature\"          (string) The signature of the message encoded in base 64\n\nExamples:\n"+
				rpc.HelpExampleCli("signmessage", `"<address>" "my message"`)+rpc.HelpExampleRPC("signmessage", `"<address>", "my message"`)), 2, 2,
				onWallet(d.Backends, func(w *wallet.Wallet, args rpc.Args) (any, error) {
					s, err := stringArgs(args, 2)
					if err != nil {
						return nil, err
					}
					if err := wallet.ValidateAddress(s[0]); err != nil {
						return nil, rpc.NewError(rpc.ErrType, "Invalid address")
					}
					sig, err := w.SignMessage(s[0], s[1])
					if errors.Is(err, wallet.ErrUnknownAddress) {
						return nil, rpc.NewError(rpc.ErrWallet, "Private key not available")
					}
					if err != nil {
						return nil, walletError(err)
					}
					return sig, nil
				})),
		},
	}
}

func utilCommands() []registry.CommandSpec {
	return []registry.CommandSpec{
		{
			Name: "verifymessage", Category: "util", OKSafeMode: true, ThreadSafe: true,
			Handler: handler(text("verifymessage \"address\" \"signature\" \"message\"\n\nVerify a signed message.\n\nArguments:\n"+
				"1. \"address\"         (string, required) The address to use for the signature\n"+
				"2. \"signature\"       (string, required) The signature provided by the signer in base 64 encoding\n"+
				"3. \"message\"         (string, required) The message that was signed\n\nResult:\ntrue|false   (boolean) If the signature is verified or not\n\nExamples:\n"+
				rpc.HelpExampleCli("verifymessage", `"<address>" "signature" "my message"`)+rpc.HelpExampleRPC("verifymessage", `"<address>", "signature", "my message"`)), 3, 3,
				func(_ context.Context, args rpc.Args) (any, error) {
					s, err := stringArgs(args, 3)
					if err != nil {
						return nil, err
					}
					if err := wallet.ValidateAddress(s[0]); err != nil {
						return nil, rpc.NewError(rpc.ErrType, "Invalid address")
					}
					ok, err := wallet.VerifyMessage(s[0], s[1], s[2])
					if err != nil {
						return nil, rpc.NewError(rpc.ErrType, err.Error())
					}
					return ok, nil
				}),
		},
	}
}
