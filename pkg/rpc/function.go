package rpc

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/vango-dev/remote/pkg/protocol"
)

// Caller is anything that can be invoked with arguments and yields a
// result. Local functions, remote stand-ins and proxy methods all satisfy
// it.
type Caller interface {
	Call(ctx context.Context, args ...any) (any, error)
}

// HandlerFunc is the signature of every callable. A HandlerFunc passed as
// a value is exported under a fresh handle each time it is sent.
type HandlerFunc func(ctx context.Context, args ...any) (any, error)

// Call invokes h.
func (h HandlerFunc) Call(ctx context.Context, args ...any) (any, error) {
	return h(ctx, args...)
}

// Function gives a HandlerFunc a stable identity. Sending the same
// *Function more than once reuses its handle and increments the peer's
// reference count, so the peer sees one function rather than several.
type Function struct {
	fn HandlerFunc
}

// Func wraps fn in a Function.
func Func(fn HandlerFunc) *Function {
	return &Function{fn: fn}
}

// Call invokes the wrapped function.
func (f *Function) Call(ctx context.Context, args ...any) (any, error) {
	return f.fn(ctx, args...)
}

// RemoteFunc is a local stand-in for a function owned by the peer.
// Invoking it sends a call addressed to the function's handle.
//
// Each decoded occurrence of a function is its own stand-in holding one
// local reference. When the last reference is released, or the stand-in
// becomes unreachable, the endpoint tells the owner it may drop the
// function. A released stand-in fails every call with
// ErrReleasedFunction.
type RemoteFunc struct {
	id      string
	ep      *Endpoint
	refs    atomic.Int64
	ticket  *ticket
	cleanup runtime.Cleanup
}

// ticket detaches one stand-in from the import table exactly once. It is
// separate from the stand-in so the runtime cleanup does not keep the
// stand-in reachable.
type ticket struct {
	mem  *memory
	id   string
	once sync.Once
}

func (t *ticket) detach() {
	t.once.Do(func() { t.mem.detach(t.id) })
}

func newRemoteFunc(ep *Endpoint, id string) *RemoteFunc {
	f := &RemoteFunc{
		id:     id,
		ep:     ep,
		ticket: &ticket{mem: ep.mem, id: id},
	}
	f.refs.Store(1)
	f.cleanup = runtime.AddCleanup(f, func(t *ticket) { t.detach() }, f.ticket)
	return f
}

// ID returns the handle id assigned by the owner.
func (f *RemoteFunc) ID() string {
	return f.id
}

// Call invokes the remote function and waits for its result.
func (f *RemoteFunc) Call(ctx context.Context, args ...any) (any, error) {
	if f.Released() {
		return nil, ErrReleasedFunction
	}
	v, err := f.ep.call(ctx, []string{protocol.FunctionPath, f.id}, args)
	runtime.KeepAlive(f)
	return v, err
}

// Retain adds a local reference. Retaining a released stand-in has no
// effect; it reports whether the reference was taken.
func (f *RemoteFunc) Retain() bool {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return false
		}
		if f.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a local reference. Releasing past zero is a no-op.
func (f *RemoteFunc) Release() {
	for {
		n := f.refs.Load()
		if n <= 0 {
			return
		}
		if f.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				f.cleanup.Stop()
				f.ticket.detach()
			}
			return
		}
	}
}

// Released reports whether the last local reference is gone.
func (f *RemoteFunc) Released() bool {
	return f.refs.Load() <= 0
}

// Retain adds a reference to every stand-in reachable from v.
func Retain(v any) {
	walkFuncs(v, func(f *RemoteFunc) { f.Retain() })
}

// Release drops a reference from every stand-in reachable from v.
func Release(v any) {
	walkFuncs(v, func(f *RemoteFunc) { f.Release() })
}

// Functions returns the stand-ins reachable from v.
func Functions(v any) []*RemoteFunc {
	var out []*RemoteFunc
	walkFuncs(v, func(f *RemoteFunc) { out = append(out, f) })
	return out
}

func walkFuncs(v any, fn func(*RemoteFunc)) {
	switch v := v.(type) {
	case *RemoteFunc:
		if v != nil {
			fn(v)
		}
	case []any:
		for _, item := range v {
			walkFuncs(item, fn)
		}
	case map[string]any:
		for _, item := range v {
			walkFuncs(item, fn)
		}
	case Callable:
		for _, item := range v {
			walkFuncs(item, fn)
		}
	case protocol.Valuer:
		walkFuncs(v.ToValue(), fn)
	}
}
