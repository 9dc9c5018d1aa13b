package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vango-dev/remote/pkg/metrics"
	"github.com/vango-dev/remote/pkg/protocol"
	"github.com/vango-dev/remote/pkg/rpc"
)

// Change describes one applied batch.
type Change struct {
	Seq uint64

	// IDs lists the nodes whose props, text or children changed, in the
	// order they were first touched. A snapshot reports only the root.
	IDs []string

	Root *Node
}

// Config holds receiver settings.
type Config struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	OnChange func(Change)
	OnError  func(error)
}

// Option configures a Receiver.
type Option func(*Config)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics records batch and mirror metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithOnChange sets the function called once after each applied batch.
// It runs before the next batch is applied and must not call Receive.
func WithOnChange(fn func(Change)) Option {
	return func(c *Config) {
		c.OnChange = fn
	}
}

// WithOnError sets the function called with every rejected batch.
func WithOnError(fn func(error)) Option {
	return func(c *Config) {
		c.OnError = fn
	}
}

// Receiver holds the host-side mirror of a remote tree.
type Receiver struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	fn      *rpc.Function

	mu    sync.RWMutex
	root  *Node
	nodes map[string]*Node

	// seqMu serializes batch application.
	seqMu    sync.Mutex
	instance string
	expected uint64
	advanced chan struct{}
}

// New creates a receiver holding an empty root.
func New(opts ...Option) *Receiver {
	var config Config
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	r := &Receiver{
		config:   config,
		logger:   config.Logger,
		metrics:  config.Metrics,
		advanced: make(chan struct{}),
	}
	r.root = &Node{r: r, id: protocol.RootID, kind: protocol.KindComponent, props: map[string]any{}}
	r.nodes = map[string]*Node{protocol.RootID: r.root}
	r.fn = rpc.Func(r.handle)
	return r
}

// Root returns the mirror's root node.
func (r *Receiver) Root() *Node {
	return r.root
}

// Get returns the mirrored node with the given id.
func (r *Receiver) Get(id string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// Len returns the number of mirrored nodes, root included.
func (r *Receiver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Snapshot serializes the whole mirror.
func (r *Receiver) Snapshot() *protocol.NodeWire {
	return r.root.Wire()
}

// Func returns the function producers call with each batch. Pass it to
// the producer, or expose it through Attach.
func (r *Receiver) Func() *rpc.Function {
	return r.fn
}

// Attach exposes the receiver to ep's peer as the callable "receive".
// It replaces ep's callable surface; hosts exposing more functions should
// include Func in their own Callable instead.
func (r *Receiver) Attach(ep *rpc.Endpoint) {
	ep.Callable(rpc.Callable{"receive": r.fn})
}

func (r *Receiver) handle(ctx context.Context, args ...any) (any, error) {
	if len(args) == 0 {
		return nil, &BatchError{Index: -1, Err: protocol.ErrMalformedBatch}
	}
	batch, ok := args[0].(*protocol.Batch)
	if !ok {
		var err error
		if batch, err = protocol.BatchFromValue(args[0]); err != nil {
			rpc.Release(args[0])
			err = &BatchError{Index: -1, Err: err}
			r.reject(err)
			return nil, err
		}
	}
	return nil, r.Receive(ctx, batch)
}

// Receive applies batch. Batches of one tree instance apply in seq order:
// a batch that arrives early waits until its predecessors are applied or
// ctx is done. A snapshot resets the mirror and the expected seq.
//
// The mirror takes ownership of the stand-ins in an applied batch and
// releases them once they are replaced or removed. A rejected batch
// releases its stand-ins immediately; its seq still counts as used.
func (r *Receiver) Receive(ctx context.Context, batch *protocol.Batch) error {
	for {
		r.seqMu.Lock()
		wait, err := r.admitLocked(batch)
		if err != nil {
			r.seqMu.Unlock()
			rpc.Release(batch)
			r.reject(err)
			return err
		}
		if wait != nil {
			r.seqMu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				rpc.Release(batch)
				return fmt.Errorf("receiver: batch %d: %w", batch.Seq, ctx.Err())
			}
		}

		change, err := r.applyLocked(batch)
		r.instance = batch.Instance
		r.expected = batch.Seq + 1
		close(r.advanced)
		r.advanced = make(chan struct{})
		if err != nil {
			r.seqMu.Unlock()
			rpc.Release(batch)
			r.reject(err)
			return err
		}
		if r.config.OnChange != nil {
			r.config.OnChange(change)
		}
		r.seqMu.Unlock()
		return nil
	}
}

// admitLocked decides whether batch applies now. A non-nil channel means
// wait for the next batch to be applied and try again.
func (r *Receiver) admitLocked(batch *protocol.Batch) (<-chan struct{}, error) {
	sameInstance := r.expected > 0 && batch.Instance == r.instance
	if batch.IsSnapshot() {
		if sameInstance && batch.Seq < r.expected {
			return nil, &BatchError{Seq: batch.Seq, Index: -1, Err: ErrStaleBatch}
		}
		return nil, nil
	}
	switch {
	case !sameInstance, batch.Seq > r.expected:
		return r.advanced, nil
	case batch.Seq < r.expected:
		return nil, &BatchError{Seq: batch.Seq, Index: -1, Err: ErrStaleBatch}
	}
	return nil, nil
}

func (r *Receiver) applyLocked(batch *protocol.Batch) (Change, error) {
	r.mu.Lock()
	before := len(r.nodes)
	var (
		change Change
		err    error
	)
	if batch.IsSnapshot() {
		change, err = r.reset(batch)
	} else {
		change, err = r.patch(batch)
	}
	delta := len(r.nodes) - before
	r.mu.Unlock()

	if err != nil {
		r.metrics.BatchRejected()
		return Change{}, err
	}
	r.metrics.BatchApplied()
	r.metrics.AddMirrorNodes(delta)
	change.Seq = batch.Seq
	change.Root = r.root
	r.logger.Debug("batch applied",
		"instance", batch.Instance,
		"seq", batch.Seq,
		"snapshot", batch.IsSnapshot(),
		"records", len(batch.Records),
		"nodes", before+delta)
	return change, nil
}

func (r *Receiver) patch(batch *protocol.Batch) (Change, error) {
	tx := newTxn(r)
	for i, rec := range batch.Records {
		if err := tx.apply(rec); err != nil {
			tx.rollback()
			return Change{}, &BatchError{Seq: batch.Seq, Index: i, Op: rec.Op, ID: rec.ID, Err: err}
		}
	}
	tx.commit()
	return Change{IDs: tx.changed}, nil
}

func (r *Receiver) reset(batch *protocol.Batch) (Change, error) {
	snap := batch.Snapshot
	if snap.Kind != protocol.KindComponent {
		return Change{}, &BatchError{Seq: batch.Seq, Index: -1, ID: snap.ID, Err: ErrWrongKind}
	}

	nodes := map[string]*Node{protocol.RootID: r.root}
	children := make([]*Node, 0, len(snap.Children))
	for _, cw := range snap.Children {
		c, err := r.build(cw, nodes)
		if err != nil {
			return Change{}, &BatchError{Seq: batch.Seq, Index: -1, ID: snap.ID, Err: err}
		}
		c.walk(func(d *Node) { nodes[d.id] = d })
		children = append(children, c)
	}

	var dropped []*rpc.RemoteFunc
	r.root.walk(func(d *Node) { dropped = append(dropped, rpc.Functions(d.props)...) })
	for _, c := range r.root.children {
		c.parent = nil
	}

	r.root.props = make(map[string]any, len(snap.Props))
	for k, v := range snap.Props {
		if v != nil {
			r.root.props[k] = v
		}
	}
	r.root.children = children
	for _, c := range children {
		c.parent = r.root
	}
	r.nodes = nodes

	for _, f := range dropped {
		f.Release()
	}
	return Change{IDs: []string{protocol.RootID}}, nil
}

func (r *Receiver) reject(err error) {
	r.logger.Warn("batch rejected", "error", err)
	if r.config.OnError != nil {
		r.config.OnError(err)
	}
}
