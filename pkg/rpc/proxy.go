package rpc

import (
	"context"
	"strings"
)

// Proxy is the peer's exposed object as seen from this side.
type Proxy struct {
	ep *Endpoint
}

// Call invokes the peer's callable at a dotted path and waits for its
// result, ctx cancellation, termination or a transport failure. If
// ctx is done first the call stays pending until its result arrives and
// is discarded.
func (p *Proxy) Call(ctx context.Context, path string, args ...any) (any, error) {
	return p.ep.call(ctx, SplitPath(path), args)
}

// Method binds a dotted path.
func (p *Proxy) Method(path string) *Method {
	return &Method{ep: p.ep, path: SplitPath(path)}
}

// Method is a bound callable on the peer.
type Method struct {
	ep   *Endpoint
	path []string
}

// Call invokes the method.
func (m *Method) Call(ctx context.Context, args ...any) (any, error) {
	return m.ep.call(ctx, m.path, args)
}

// String returns the dotted path.
func (m *Method) String() string {
	return strings.Join(m.path, ".")
}

type transferKey struct{}

// WithTransfer attaches transferables to the calls made with ctx. They are
// handed to the channel untouched; only in-memory channels carry them.
func WithTransfer(ctx context.Context, transfer ...any) context.Context {
	return context.WithValue(ctx, transferKey{}, transfer)
}

// Transfer returns the transferables attached to ctx. Inside a handler
// these are the transferables posted with the call being handled.
func Transfer(ctx context.Context) []any {
	t, _ := ctx.Value(transferKey{}).([]any)
	return t
}
