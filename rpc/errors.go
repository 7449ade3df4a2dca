package rpc

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable numeric code carried by every error reply.
type ErrorCode int

const (
	// Standard JSON-RPC 2.0 codes.
	ErrInvalidRequest ErrorCode = -32600
	ErrMethodNotFound ErrorCode = -32601
	ErrInvalidParams  ErrorCode = -32602
	ErrInternal       ErrorCode = -32603
	ErrParse          ErrorCode = -32700

	// General application codes.
	ErrMisc                ErrorCode = -1
	ErrForbiddenBySafeMode ErrorCode = -2
	ErrType                ErrorCode = -3
	ErrInvalidAddressOrKey ErrorCode = -5
	ErrInvalidParameter    ErrorCode = -8
	ErrDatabase            ErrorCode = -20
	ErrDeserialization     ErrorCode = -22
	ErrInWarmup            ErrorCode = -28

	// Wallet codes.
	ErrWallet                    ErrorCode = -4
	ErrWalletUnlockNeeded        ErrorCode = -13
	ErrWalletPassphraseIncorrect ErrorCode = -14
	ErrWalletWrongEncState       ErrorCode = -15
	ErrWalletEncryptionFailed    ErrorCode = -16
	ErrWalletAlreadyUnlocked     ErrorCode = -17
)

// Error is the normalized failure of one request. It is also the value
// handlers return when they want a specific code on the wire.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Temporary reports whether a client may retry the same call after a delay.
// Warmup and safe mode clear on their own; everything else needs the caller
// to change something first.
func (e *Error) Temporary() bool {
	if e == nil {
		return false
	}
	return e.Code == ErrInWarmup || e.Code == ErrForbiddenBySafeMode
}

func NewError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func MethodNotFound(method string) *Error {
	return Errorf(ErrMethodNotFound, "Method not found: %s", method)
}

func InWarmup(status string) *Error {
	return NewError(ErrInWarmup, status)
}

func ForbiddenInSafeMode(reason string) *Error {
	if reason == "" {
		return NewError(ErrForbiddenBySafeMode, "Safe mode")
	}
	return Errorf(ErrForbiddenBySafeMode, "Safe mode: %s", reason)
}

func WalletLocked() *Error {
	return NewError(ErrWalletUnlockNeeded, "Error: Please enter the wallet passphrase with walletpassphrase first.")
}

// CodeOf extracts the wire code of err, defaulting to ErrMisc for errors that
// are not *Error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return 0
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return ErrMisc
}
