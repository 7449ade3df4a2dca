// Package rpc holds the types shared by the command dispatch engine and its
// handlers: positional arguments, the handler signature, and wire errors.
package rpc

import "context"

// Args is a positional argument list as decoded from a JSON array. Numbers are
// json.Number, objects are map[string]any and arrays are []any.
type Args []any

// Arg returns the i-th argument, or nil when fewer were supplied.
func (a Args) Arg(i int) any {
	if i < 0 || i >= len(a) {
		return nil
	}
	return a[i]
}

// Has reports whether position i was supplied with a non-null value.
func (a Args) Has(i int) bool {
	return a.Arg(i) != nil
}

// HandlerFunc executes one command. When help is true the handler must return
// its usage text and perform no side effects.
type HandlerFunc func(ctx context.Context, args Args, help bool) (any, error)

type ctxKey int

const (
	peerKey ctxKey = iota
	requestIDKey
)

// WithPeer attaches the caller's textual transport address to ctx.
func WithPeer(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, peerKey, addr)
}

// PeerFrom returns the address attached by WithPeer, if any.
func PeerFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	addr, _ := ctx.Value(peerKey).(string)
	return addr
}

// WithRequestID attaches a correlation id used in logs and audit records.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
