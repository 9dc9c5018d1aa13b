package rpc

import (
	"errors"
	"fmt"

	"github.com/vango-dev/remote/pkg/protocol"
)

// Sentinel errors.
var (
	// ErrTerminated is returned by calls made on, or pending at, a
	// terminated endpoint.
	ErrTerminated = errors.New("rpc: endpoint terminated")

	// ErrReplaced is returned to pending calls when a channel replace
	// fails to complete its handshake.
	ErrReplaced = errors.New("rpc: channel replace failed")

	// ErrReplaceInProgress is returned by Replace while another replace is
	// still waiting for its acknowledgement.
	ErrReplaceInProgress = errors.New("rpc: replace already in progress")

	// ErrUnknownMethod matches remote errors for paths that resolve to no
	// callable.
	ErrUnknownMethod = errors.New("rpc: unknown method")

	// ErrUnsupportedValue is returned when a value cannot cross the
	// boundary.
	ErrUnsupportedValue = errors.New("rpc: unsupported value")

	// ErrCyclicValue is returned when a value contains itself.
	ErrCyclicValue = errors.New("rpc: cyclic value")

	// ErrReleasedFunction is returned when calling a function whose last
	// reference was released.
	ErrReleasedFunction = errors.New("rpc: function released")

	// ErrRateLimited matches remote errors for calls refused by the peer's
	// rate limiter.
	ErrRateLimited = errors.New("rpc: rate limited")
)

// EncodeError is returned synchronously when arguments or a result cannot
// be encoded. Nothing is sent.
type EncodeError struct {
	Path string
	Err  error
}

func (e *EncodeError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("rpc: encode: %v", e.Err)
	}
	return fmt.Sprintf("rpc: encode %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *EncodeError) Unwrap() error {
	return e.Err
}

// RemoteError is a failure reported by the peer for one call.
type RemoteError struct {
	Path    string
	Code    protocol.ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote %s: %s: %s", e.Path, e.Code, e.Message)
}

// Is reports whether the remote code corresponds to target.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrUnknownMethod:
		return e.Code == protocol.ErrUnknownMethod
	case ErrReleasedFunction:
		return e.Code == protocol.ErrReleasedFunction
	case ErrRateLimited:
		return e.Code == protocol.ErrRateLimited
	}
	return false
}

// TransportError wraps a failure of the underlying channel. Calls in
// flight when the transport fails are rejected with it; the endpoint
// itself keeps running.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc: transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandlerError describes a panic recovered from a handler.
type HandlerError struct {
	Path  string
	Panic any
	Stack []byte
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("rpc: handler panic in %s: %v", e.Path, e.Panic)
}

// ErrorCoder is implemented by errors that choose the code reported to
// the caller. Errors without a code are reported as
// protocol.ErrApplication.
type ErrorCoder interface {
	ErrorCode() protocol.ErrorCode
}

// errorMessage converts a handler error into its wire form.
func errorMessage(err error) *protocol.ErrorMessage {
	var em *protocol.ErrorMessage
	if errors.As(err, &em) {
		return em
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return protocol.NewError(re.Code, re.Message)
	}
	var coder ErrorCoder
	if errors.As(err, &coder) {
		return protocol.NewError(coder.ErrorCode(), err.Error())
	}
	switch {
	case errors.Is(err, ErrReleasedFunction):
		return protocol.NewError(protocol.ErrReleasedFunction, err.Error())
	case errors.Is(err, ErrTerminated):
		return protocol.NewError(protocol.ErrTerminated, err.Error())
	}
	return protocol.NewError(protocol.ErrApplication, err.Error())
}
