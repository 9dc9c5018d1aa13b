// Package rpc implements asynchronous calls between two contexts joined
// by a channel.Channel, with functions allowed anywhere in arguments and
// results.
//
// # Endpoints
//
// Each side creates an Endpoint on its end of the channel. An endpoint
// exposes a Callable to its peer and reaches the peer's Callable through
// a Proxy:
//
//	ep := rpc.NewEndpoint(ch, rpc.WithLogger(logger))
//	ep.Callable(rpc.Callable{
//	    "render": rpc.HandlerFunc(render),
//	})
//	result, err := ep.Proxy().Call(ctx, "tree.reset", 42)
//
// Calls are multiplexed: several may be in flight and results are matched
// by id, in whatever order they arrive. Incoming calls are decoded in
// arrival order and each handler runs on its own goroutine.
//
// # Functions
//
// Functions cannot be copied across the channel. When a value sent by an
// endpoint contains a function (HandlerFunc, *Function, or any other
// Caller) the endpoint exports it under a handle and the peer receives a
// *RemoteFunc stand-in that calls back across the channel.
//
// The owner counts how many times each handle was sent. Each stand-in the
// receiver decodes holds one local reference, released explicitly with
// Release or automatically when the stand-in becomes unreachable. Once
// every stand-in for a handle is gone, the receiver tells the owner how
// many references it received, and the owner drops the function when its
// count reaches zero. A *Function is exported under one handle however
// many times it is sent; a bare HandlerFunc gets a new handle each time.
//
// # Errors
//
// Values that cannot cross the channel fail the call synchronously with an
// *EncodeError. Failures reported by the peer are *RemoteError values that
// match ErrUnknownMethod, ErrReleasedFunction or ErrRateLimited with
// errors.Is where applicable. Terminate and failed replaces reject pending
// calls with ErrTerminated and ErrReplaced; transport failures with a
// *TransportError.
package rpc
