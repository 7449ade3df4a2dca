// Package params type-checks loosely typed JSON argument lists.
//
// The checks only look at values that were actually supplied: arity and
// presence belong to the handler, which commonly accepts optional trailing
// parameters.
package params

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"

	"rubin.dev/rpcnode/rpc"
)

// Type is the JSON type of a runtime argument value.
type Type int

const (
	Null Type = iota
	Bool
	Number
	String
	Object
	Array
)

func (t Type) String() string {
	switch t {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Object:
		return "object"
	case Array:
		return "array"
	default:
		return "unknown"
	}
}

// TypeOf classifies a decoded JSON value. Go values that did not come from a
// JSON decoder are classified by kind so handlers can reuse the checks.
func TypeOf(v any) Type {
	switch v.(type) {
	case nil:
		return Null
	case bool:
		return Bool
	case json.Number, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return Number
	case string:
		return String
	case map[string]any:
		return Object
	case []any, rpc.Args:
		return Array
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null
		}
		return TypeOf(rv.Elem().Interface())
	case reflect.Map, reflect.Struct:
		return Object
	case reflect.Slice, reflect.Array:
		return Array
	case reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Number
	case reflect.String:
		return String
	case reflect.Bool:
		return Bool
	}
	return Null
}

// TypeMismatch reports the first argument, positional or named, whose type
// does not match the expected one.
type TypeMismatch struct {
	Index    int
	Key      string
	Expected Type
	Actual   Type
}

func (e *TypeMismatch) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("Expected type %s for %s, got %s", e.Expected, e.Key, e.Actual)
	}
	return fmt.Sprintf("Expected type %s, got %s", e.Expected, e.Actual)
}

// RPCError maps the mismatch to the wire type error.
func (e *TypeMismatch) RPCError() *rpc.Error {
	return rpc.NewError(rpc.ErrType, e.Error())
}

// CheckPositional checks every supplied argument against expected. Positions
// past the end of either list are ignored.
func CheckPositional(args rpc.Args, expected []Type, allowNull bool) error {
	for i, want := range expected {
		if i >= len(args) {
			break
		}
		got := TypeOf(args[i])
		if got == want || (allowNull && got == Null) {
			continue
		}
		return &TypeMismatch{Index: i, Expected: want, Actual: got}
	}
	return nil
}

// CheckKeys checks the named fields of obj that are present. Missing fields
// are not errors.
func CheckKeys(obj map[string]any, expected map[string]Type, allowNull bool) error {
	for _, key := range slices.Sorted(maps.Keys(expected)) {
		v, ok := obj[key]
		if !ok {
			continue
		}
		want := expected[key]
		got := TypeOf(v)
		if got == want || (allowNull && got == Null) {
			continue
		}
		return &TypeMismatch{Index: -1, Key: key, Expected: want, Actual: got}
	}
	return nil
}
