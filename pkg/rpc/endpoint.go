package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vango-dev/remote/pkg/channel"
	"github.com/vango-dev/remote/pkg/metrics"
	"github.com/vango-dev/remote/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Endpoint is one side of an RPC session over a Channel. It exposes a
// Callable to the peer, calls the peer's Callable through a Proxy, and
// keeps the handle tables for functions crossing the channel.
type Endpoint struct {
	id      string
	config  Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
	limiter *rate.Limiter
	mem     *memory

	mu         sync.Mutex
	callable   Callable
	pending    map[uint64]*pendingCall
	nextID     uint64
	terminated bool
	replace    *replaceState

	// sendMu orders every post. While holding is set, messages are queued
	// until a replace completes.
	sendMu  sync.Mutex
	ch      channel.Channel
	holding bool
	queue   []outgoing

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type pendingCall struct {
	path      string
	start     time.Time
	result    chan callResult
	abandoned bool
}

type callResult struct {
	value any
	err   error
}

type outgoing struct {
	msg      *protocol.Message
	transfer []any
}

type replaceState struct {
	ch  channel.Channel
	ack chan *protocol.Message
}

// NewEndpoint creates an endpoint listening on ch. The endpoint owns ch
// and closes it on Terminate.
func NewEndpoint(ch channel.Channel, opts ...Option) *Endpoint {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	config.resolve()

	e := &Endpoint{
		id:      config.ID,
		config:  config,
		logger:  config.Logger.With("endpoint", config.ID),
		tracer:  config.Tracer,
		metrics: config.Metrics,
		pending: make(map[uint64]*pendingCall),
		ch:      ch,
		done:    make(chan struct{}),
	}
	if config.CallRateLimit > 0 {
		e.limiter = rate.NewLimiter(config.CallRateLimit, config.CallBurst)
	}
	e.mem = newMemory(e, e.logger, e.metrics, config.ReleaseDelay)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.listen(ch)
	return e
}

// ID returns the endpoint ID.
func (e *Endpoint) ID() string {
	return e.id
}

// Callable sets the object exposed to the peer. The last call wins.
func (e *Endpoint) Callable(api Callable) {
	e.mu.Lock()
	e.callable = api
	e.mu.Unlock()
}

// Proxy returns the peer's exposed object.
func (e *Endpoint) Proxy() *Proxy {
	return &Proxy{ep: e}
}

// Done is closed when the endpoint terminates, locally or by the peer.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Stats describes an endpoint's current state.
type Stats struct {
	Pending    int
	Exported   int
	Imported   int
	Terminated bool
}

// Stats returns a snapshot of the endpoint's tables.
func (e *Endpoint) Stats() Stats {
	e.mu.Lock()
	s := Stats{Pending: len(e.pending), Terminated: e.terminated}
	e.mu.Unlock()
	s.Exported, s.Imported = e.mem.counts()
	return s
}

func (e *Endpoint) listen(ch channel.Channel) {
	ch.OnMessage(func(msg *protocol.Message, transfer []any) {
		e.handleMessage(ch, msg, transfer)
	})
	if n, ok := ch.(channel.ErrorNotifier); ok {
		n.OnError(func(err error) {
			e.transportFailed(ch, err)
		})
	}
}

func (e *Endpoint) handleMessage(from channel.Channel, msg *protocol.Message, transfer []any) {
	switch msg.Type {
	case protocol.MessageCall:
		e.dispatch(msg, transfer)
	case protocol.MessageResult:
		e.resolve(msg)
	case protocol.MessageRelease:
		for i, id := range msg.IDs {
			e.mem.releaseExport(id, msg.ReleaseCount(i))
		}
	case protocol.MessageReplace:
		e.acceptReplace(from, msg)
	case protocol.MessageReplaceAck:
		e.replaceAcked(from, msg)
	case protocol.MessageTerminate:
		e.logger.Debug("peer terminated")
		e.shutdown(false)
	default:
		e.logger.Warn("unexpected message", "type", msg.Type)
	}
}

// post sends msg on the current channel, or queues it while a replace is
// in flight. Releases waiting to be coalesced go out first.
func (e *Endpoint) post(msg *protocol.Message, transfer ...any) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if msg.Type != protocol.MessageRelease && e.mem.hasReleases() {
		if rel := e.mem.takeReleases(); rel != nil {
			if err := e.postLocked(rel); err != nil {
				e.logger.Debug("release not sent", "error", err)
			} else {
				e.metrics.ReleasesSent(len(rel.IDs))
			}
		}
	}
	return e.postLocked(msg, transfer...)
}

func (e *Endpoint) postLocked(msg *protocol.Message, transfer ...any) error {
	if e.holding {
		e.queue = append(e.queue, outgoing{msg: msg, transfer: transfer})
		return nil
	}
	return e.ch.Post(msg, transfer...)
}

// call sends a call and waits for its result.
func (e *Endpoint) call(ctx context.Context, path []string, args []any) (any, error) {
	label := pathLabel(path)
	ctx, span := e.tracer.Start(ctx, "rpc.call "+label,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.endpoint", e.id),
			attribute.String("rpc.method", label),
		),
	)
	defer span.End()

	value, err := e.doCall(ctx, path, label, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return value, err
}

func (e *Endpoint) doCall(ctx context.Context, path []string, label string, args []any) (any, error) {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return nil, ErrTerminated
	}
	e.mu.Unlock()

	wire, enc, err := e.mem.encodeValues(args)
	if err != nil {
		return nil, &EncodeError{Path: label, Err: err}
	}

	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		enc.rollback()
		return nil, ErrTerminated
	}
	e.nextID++
	id := e.nextID
	pc := &pendingCall{path: label, start: time.Now(), result: make(chan callResult, 1)}
	e.pending[id] = pc
	e.mu.Unlock()
	e.metrics.AddPending(1)

	if err := e.post(protocol.NewCall(id, path, wire), Transfer(ctx)...); err != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		e.metrics.AddPending(-1)
		enc.rollback()
		e.metrics.CallSent(label, metrics.StatusError, time.Since(pc.start).Seconds())
		if errors.Is(err, protocol.ErrInvalidValue) || errors.Is(err, protocol.ErrMaxDepthExceeded) {
			return nil, &EncodeError{Path: label, Err: err}
		}
		return nil, &TransportError{Op: "post", Err: err}
	}

	select {
	case res := <-pc.result:
		return res.value, res.err
	case <-ctx.Done():
	}

	e.mu.Lock()
	if _, ok := e.pending[id]; ok {
		pc.abandoned = true
		e.mu.Unlock()
		return nil, ctx.Err()
	}
	e.mu.Unlock()
	res := <-pc.result
	return res.value, res.err
}

// resolve matches a result to its pending call. Results for unknown ids
// are dropped.
func (e *Endpoint) resolve(msg *protocol.Message) {
	value := e.mem.decode(msg.Value)

	e.mu.Lock()
	pc, ok := e.pending[msg.ID]
	if ok {
		delete(e.pending, msg.ID)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("result for unknown call", "id", msg.ID)
		Release(value)
		return
	}
	e.metrics.AddPending(-1)

	var res callResult
	status := metrics.StatusOK
	if msg.Error != nil {
		res.err = &RemoteError{Path: pc.path, Code: msg.Error.Code, Message: msg.Error.Message}
		status = metrics.StatusError
	} else {
		res.value = value
	}

	e.mu.Lock()
	abandoned := pc.abandoned
	e.mu.Unlock()
	if abandoned {
		status = metrics.StatusCanceled
		Release(value)
	} else {
		pc.result <- res
	}
	e.metrics.CallSent(pc.path, status, time.Since(pc.start).Seconds())
}

// dispatch decodes an incoming call on the delivery goroutine and runs
// its handler on its own goroutine.
func (e *Endpoint) dispatch(msg *protocol.Message, transfer []any) {
	e.mu.Lock()
	terminated := e.terminated
	api := e.callable
	e.mu.Unlock()
	if terminated {
		e.logger.Debug("call after terminate dropped", "id", msg.ID)
		return
	}

	args := make([]any, len(msg.Args))
	for i, a := range msg.Args {
		args[i] = e.mem.decode(a)
	}
	label := pathLabel(msg.Path)

	if e.limiter != nil && !e.limiter.Allow() {
		Release(args)
		e.reply(msg.ID, label, nil, protocol.NewError(protocol.ErrRateLimited, "too many calls"))
		return
	}

	fn, em := e.resolveHandler(api, msg.Path)
	if em != nil {
		Release(args)
		e.reply(msg.ID, label, nil, em)
		return
	}

	go e.run(msg.ID, label, fn, args, transfer)
}

func (e *Endpoint) resolveHandler(api Callable, path []string) (Caller, *protocol.ErrorMessage) {
	if len(path) == 2 && path[0] == functionPath {
		fn, ok := e.mem.lookup(path[1])
		if !ok {
			return nil, protocol.NewError(protocol.ErrReleasedFunction,
				fmt.Sprintf("function %s was released", path[1]))
		}
		return fn, nil
	}
	if fn, ok := api.Lookup(path); ok {
		return fn, nil
	}
	return nil, protocol.NewError(protocol.ErrUnknownMethod,
		fmt.Sprintf("no callable at %q", pathLabel(path)))
}

func (e *Endpoint) run(id uint64, label string, fn Caller, args []any, transfer []any) {
	ctx, span := e.tracer.Start(e.ctx, "rpc.handle "+label,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.endpoint", e.id),
			attribute.String("rpc.method", label),
		),
	)
	defer span.End()
	if len(transfer) > 0 {
		ctx = WithTransfer(ctx, transfer...)
	}

	value, err := e.invoke(ctx, label, fn, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var he *HandlerError
		if errors.As(err, &he) {
			e.reply(id, label, nil, protocol.NewError(protocol.ErrHandlerPanic, fmt.Sprint(he.Panic)))
			return
		}
		e.reply(id, label, nil, errorMessage(err))
		return
	}
	e.reply(id, label, value, nil)
}

// invoke runs fn, converting a panic into a *HandlerError.
func (e *Endpoint) invoke(ctx context.Context, label string, fn Caller, args []any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			e.logger.Error("handler panic", "method", label, "panic", r, "stack", string(stack))
			err = &HandlerError{Path: label, Panic: r, Stack: stack}
		}
	}()
	return fn.Call(ctx, args...)
}

// reply posts the result of an incoming call.
func (e *Endpoint) reply(id uint64, label string, value any, em *protocol.ErrorMessage) {
	var msg *protocol.Message
	var enc *encoder
	if em == nil {
		wire, valueEnc, err := e.mem.encodeValue(value)
		if err != nil {
			em = protocol.NewError(protocol.ErrApplication, (&EncodeError{Path: label, Err: err}).Error())
		} else {
			msg, enc = protocol.NewResult(id, wire), valueEnc
		}
	}
	status := metrics.StatusOK
	if em != nil {
		msg = protocol.NewErrorResult(id, em)
		status = metrics.StatusError
	}
	e.metrics.CallReceived(label, status)

	if err := e.post(msg); err != nil {
		if enc != nil {
			enc.rollback()
		}
		e.logger.Debug("result not sent", "id", id, "error", err)
	}
}

// transportFailed rejects calls in flight on ch. The endpoint keeps
// running so a replace can recover the session.
func (e *Endpoint) transportFailed(ch channel.Channel, err error) {
	e.sendMu.Lock()
	current := e.ch == ch
	e.sendMu.Unlock()
	if !current {
		return
	}
	e.logger.Error("transport failed", "error", err)
	e.rejectPending(&TransportError{Op: "receive", Err: err})
}

func (e *Endpoint) rejectPending(err error) {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[uint64]*pendingCall)
	e.mu.Unlock()

	for _, pc := range pending {
		pc.result <- callResult{err: err}
		e.metrics.AddPending(-1)
		e.metrics.CallSent(pc.path, metrics.StatusError, time.Since(pc.start).Seconds())
	}
}

// Terminate tears the endpoint down: pending calls fail with
// ErrTerminated, every handle is dropped, the peer receives one release
// for every function still held and a terminate notice, and the channel
// is closed. Later calls fail with ErrTerminated. Terminate is idempotent.
func (e *Endpoint) Terminate() {
	e.shutdown(true)
}

func (e *Endpoint) shutdown(notify bool) {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return
	}
	e.terminated = true
	rs := e.replace
	e.replace = nil
	e.mu.Unlock()

	e.rejectPending(ErrTerminated)
	e.cancel()
	release := e.mem.close()

	e.sendMu.Lock()
	e.holding = false
	e.queue = nil
	ch := e.ch
	if notify {
		if release != nil {
			if err := ch.Post(release); err != nil {
				e.logger.Debug("release not sent", "error", err)
			} else {
				e.metrics.ReleasesSent(len(release.IDs))
			}
		}
		if err := ch.Post(&protocol.Message{Type: protocol.MessageTerminate}); err != nil {
			e.logger.Debug("terminate not sent", "error", err)
		}
	}
	e.sendMu.Unlock()

	if rs != nil {
		rs.ch.Close()
	}
	if err := ch.Close(); err != nil {
		e.logger.Debug("close channel", "error", err)
	}
	close(e.done)
	e.logger.Debug("endpoint terminated")
}
