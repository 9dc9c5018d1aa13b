// Package remotetest provides helpers for testing code built on remote
// endpoints.
//
// # Connected Endpoints
//
// Pair returns two endpoints joined by an in-memory pipe. Both are
// terminated when the test ends:
//
//	func TestGreeting(t *testing.T) {
//	    host, worker := remotetest.Pair(t)
//	    worker.Callable(rpc.Callable{
//	        "greet": rpc.HandlerFunc(func(ctx context.Context, args ...any) (any, error) {
//	            return "hello " + args[0].(string), nil
//	        }),
//	    })
//	    got, err := host.Proxy().Call(remotetest.Context(t), "greet", "ada")
//	    ...
//	}
//
// # Polling
//
// Releases travel asynchronously, so assertions on handle tables poll:
//
//	remotetest.Eventually(t, func() bool {
//	    return worker.Stats().Exported == 0
//	}, "worker still exports functions")
package remotetest

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/remote/pkg/channel"
	"github.com/vango-dev/remote/pkg/rpc"
)

// Timeout bounds Eventually and Context.
var Timeout = 5 * time.Second

// Pair returns two endpoints connected by channel.Pipe.
func Pair(t testing.TB, opts ...rpc.Option) (a, b *rpc.Endpoint) {
	t.Helper()
	ca, cb := channel.Pipe()
	a = rpc.NewEndpoint(ca, append([]rpc.Option{rpc.WithID("a")}, opts...)...)
	b = rpc.NewEndpoint(cb, append([]rpc.Option{rpc.WithID("b")}, opts...)...)
	t.Cleanup(func() {
		a.Terminate()
		b.Terminate()
	})
	return a, b
}

// Context returns a context canceled after Timeout or when the test ends.
func Context(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	t.Cleanup(cancel)
	return ctx
}

// Eventually polls cond until it holds, failing the test after Timeout.
// Every poll runs the garbage collector so unreachable stand-ins get a
// chance to release.
func Eventually(t testing.TB, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(Timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", Timeout, message(msgAndArgs))
		}
		runtime.GC()
		time.Sleep(5 * time.Millisecond)
	}
}

func message(msgAndArgs []any) string {
	switch len(msgAndArgs) {
	case 0:
		return "no message"
	case 1:
		return fmt.Sprint(msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprint(msgAndArgs...)
}

// Recorder is a handler that records its invocations.
type Recorder struct {
	mu     sync.Mutex
	calls  [][]any
	result any
	err    error
}

// NewRecorder returns a Recorder answering every call with result and err.
func NewRecorder(result any, err error) *Recorder {
	return &Recorder{result: result, err: err}
}

// Call records args.
func (r *Recorder) Call(ctx context.Context, args ...any) (any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()
	return r.result, r.err
}

// Calls returns the recorded argument lists.
func (r *Recorder) Calls() [][]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]any(nil), r.calls...)
}

// Count returns the number of recorded calls.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
