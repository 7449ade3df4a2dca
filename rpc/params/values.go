package params

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"rubin.dev/rpcnode/rpc"
)

const (
	// CoinUnit is the number of base units in one coin.
	CoinUnit int64 = 100_000_000
	// MaxMoney bounds every amount accepted from a caller.
	MaxMoney = 21_000_000 * CoinUnit
)

// ParseHexV decodes a hex string argument named name.
func ParseHexV(v any, name string) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, rpc.Errorf(rpc.ErrInvalidParameter, "%s must be hexadecimal string (not '%v')", name, v)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, rpc.Errorf(rpc.ErrInvalidParameter, "%s must be hexadecimal string (not '%s')", name, s)
	}
	return raw, nil
}

// ParseHashV decodes a 64-character hex hash argument.
func ParseHashV(v any, name string) ([32]byte, error) {
	var out [32]byte
	s, ok := v.(string)
	if ok && len(s) != 64 {
		return out, rpc.Errorf(rpc.ErrInvalidParameter, "%s must be of length 64 (not %d)", name, len(s))
	}
	raw, err := ParseHexV(v, name)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}

// ParseHexO is ParseHexV for a field of an object argument.
func ParseHexO(obj map[string]any, key string) ([]byte, error) {
	return ParseHexV(obj[key], key)
}

// ParseHashO is ParseHashV for a field of an object argument.
func ParseHashO(obj map[string]any, key string) ([32]byte, error) {
	return ParseHashV(obj[key], key)
}

// AmountFromValue converts a JSON number in coins to base units. At most
// eight decimal places are accepted and the result must lie in [0, MaxMoney].
func AmountFromValue(v any) (int64, error) {
	if TypeOf(v) != Number {
		return 0, rpc.NewError(rpc.ErrType, "Amount is not a number")
	}
	r, ok := new(big.Rat).SetString(fmt.Sprint(v))
	if !ok {
		return 0, rpc.NewError(rpc.ErrType, "Invalid amount")
	}
	r.Mul(r, new(big.Rat).SetInt64(CoinUnit))
	if !r.IsInt() {
		return 0, rpc.NewError(rpc.ErrType, "Invalid amount")
	}
	n := r.Num()
	if !n.IsInt64() || n.Sign() < 0 || n.Int64() > MaxMoney {
		return 0, rpc.NewError(rpc.ErrType, "Amount out of range")
	}
	return n.Int64(), nil
}

// ValueFromAmount renders base units as an exact decimal coin value.
func ValueFromAmount(amount int64) json.Number {
	sign := ""
	abs := uint64(amount)
	if amount < 0 {
		sign = "-"
		abs = uint64(-amount)
	}
	unit := uint64(CoinUnit)
	return json.Number(fmt.Sprintf("%s%d.%08d", sign, abs/unit, abs%unit))
}

// ArgInt64 returns argument i as an integer, or def when it was not supplied.
func ArgInt64(args rpc.Args, i int, def int64) (int64, error) {
	if !args.Has(i) {
		return def, nil
	}
	v := args[i]
	if n, ok := v.(json.Number); ok {
		out, err := n.Int64()
		if err != nil {
			return 0, rpc.Errorf(rpc.ErrType, "Expected integer, got %s", n)
		}
		return out, nil
	}
	if TypeOf(v) != Number {
		return 0, &TypeMismatch{Index: i, Expected: Number, Actual: TypeOf(v)}
	}
	out, err := strconv.ParseInt(fmt.Sprint(v), 10, 64)
	if err != nil {
		return 0, rpc.Errorf(rpc.ErrType, "Expected integer, got %v", v)
	}
	return out, nil
}

// ArgString returns argument i as a string, or def when it was not supplied.
func ArgString(args rpc.Args, i int, def string) (string, error) {
	if !args.Has(i) {
		return def, nil
	}
	s, ok := args[i].(string)
	if !ok {
		return "", &TypeMismatch{Index: i, Expected: String, Actual: TypeOf(args[i])}
	}
	return s, nil
}

// ArgBool returns argument i as a bool, or def when it was not supplied.
func ArgBool(args rpc.Args, i int, def bool) (bool, error) {
	if !args.Has(i) {
		return def, nil
	}
	b, ok := args[i].(bool)
	if !ok {
		return false, &TypeMismatch{Index: i, Expected: Bool, Actual: TypeOf(args[i])}
	}
	return b, nil
}
