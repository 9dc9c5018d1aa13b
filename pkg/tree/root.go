package tree

import (
	"context"
	"log/slog"
	"maps"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/vango-dev/remote/pkg/protocol"
	"github.com/vango-dev/remote/pkg/rpc"
)

// Root is a producer-owned tree. Mutations made through it are recorded
// and sent to the receiver in batches.
type Root struct {
	receiver rpc.Caller
	instance string
	logger   *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	children childList
	attached map[string]Node
	mounted  bool
	seq      uint64
	records  []protocol.Record

	// resync is set when a batch may not have been applied; the next
	// Flush sends a snapshot instead of records.
	resync bool
}

// Option configures a Root.
type Option func(*Root)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Root) {
		r.logger = logger
	}
}

// WithInstanceID sets the tree instance id carried in batches.
// Default: a random UUID.
func WithInstanceID(id string) Option {
	return func(r *Root) {
		r.instance = id
	}
}

// NewRoot creates an empty tree whose batches are delivered by calling
// receiver with one *protocol.Batch argument. receiver is usually the
// *rpc.RemoteFunc a host passed to the producer, or an rpc.Method.
func NewRoot(receiver rpc.Caller, opts ...Option) *Root {
	r := &Root{
		receiver: receiver,
		attached: make(map[string]Node),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.instance == "" {
		r.instance = uuid.NewString()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("tree", r.instance)
	return r
}

// ID returns protocol.RootID.
func (r *Root) ID() string { return protocol.RootID }

// Instance returns the tree instance id.
func (r *Root) Instance() string { return r.instance }

// Children returns a copy of the root's children.
func (r *Root) Children() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Node(nil), r.children.nodes...)
}

func (r *Root) list() *childList { return &r.children }

// Mounted reports whether the initial snapshot was sent.
func (r *Root) Mounted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mounted
}

// Node returns the attached node with the given id.
func (r *Root) Node(id string) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.attached[id]
	if !ok {
		return nil, &NodeError{Op: "lookup", ID: id, Err: ErrUnknownNode}
	}
	return n, nil
}

// Component returns the attached component with the given id.
func (r *Root) Component(id string) (*Component, error) {
	n, err := r.Node(id)
	if err != nil {
		return nil, err
	}
	c, ok := n.(*Component)
	if !ok {
		return nil, &NodeError{Op: "lookup", ID: id, Err: ErrWrongKind}
	}
	return c, nil
}

// Text returns the attached text node with the given id.
func (r *Root) Text(id string) (*Text, error) {
	n, err := r.Node(id)
	if err != nil {
		return nil, err
	}
	t, ok := n.(*Text)
	if !ok {
		return nil, &NodeError{Op: "lookup", ID: id, Err: ErrWrongKind}
	}
	return t, nil
}

func (r *Root) newID() string {
	r.nextID++
	return strconv.FormatUint(r.nextID, 10)
}

// CreateComponent creates a detached component. Props with nil values are
// dropped. children must be detached nodes of this tree.
func (r *Root) CreateComponent(typ string, props map[string]any, children ...Node) (*Component, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[Node]bool, len(children))
	for _, child := range children {
		if err := r.checkOwned("create", child); err != nil {
			return nil, err
		}
		if child.base().parent != nil || seen[child] {
			return nil, &NodeError{Op: "create", ID: child.ID(), Err: ErrAttached}
		}
		seen[child] = true
	}

	c := &Component{
		nodeBase: nodeBase{root: r, id: r.newID()},
		typ:      typ,
		props:    make(map[string]any, len(props)),
	}
	for k, v := range props {
		if v != nil {
			c.props[k] = v
		}
	}
	for _, child := range children {
		child.base().parent = c
		c.children.nodes = append(c.children.nodes, child)
	}
	return c, nil
}

// CreateText creates a detached text node.
func (r *Root) CreateText(text string) *Text {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &Text{nodeBase: nodeBase{root: r, id: r.newID()}, text: text}
}

// AppendChild appends child to parent. A child that already has a parent
// is moved.
func (r *Root) AppendChild(parent Container, child Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkInsert("appendChild", parent, child); err != nil {
		return err
	}
	r.detach(child)
	r.insert(parent, child, len(parent.list().nodes))
	return nil
}

// InsertChildBefore inserts child into parent ahead of before. A nil
// before appends. A child that already has a parent is moved.
func (r *Root) InsertChildBefore(parent Container, child, before Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkInsert("insertChildBefore", parent, child); err != nil {
		return err
	}
	if before == nil {
		r.detach(child)
		r.insert(parent, child, len(parent.list().nodes))
		return nil
	}
	if before == child {
		return nil
	}
	if parent.list().index(before) < 0 {
		return &NodeError{Op: "insertChildBefore", ID: before.ID(), Err: ErrNotChild}
	}
	r.detach(child)
	r.insert(parent, child, parent.list().index(before))
	return nil
}

// RemoveChild removes child from parent. The child stays usable and may
// be inserted again.
func (r *Root) RemoveChild(parent Container, child Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOwned("removeChild", child); err != nil {
		return err
	}
	if err := r.checkContainer("removeChild", parent); err != nil {
		return err
	}
	if child.base().parent != parent {
		return &NodeError{Op: "removeChild", ID: child.ID(), Err: ErrNotChild}
	}
	r.detach(child)
	return nil
}

// UpdateProps merges props into c. A nil value deletes the key. A
// component removed from the mounted tree fails with ErrUnknownNode until
// it is inserted again.
func (r *Root) UpdateProps(c *Component, props map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkUpdate("updateProps", c); err != nil {
		return err
	}
	if len(props) == 0 {
		return nil
	}
	for k, v := range props {
		if v == nil {
			delete(c.props, k)
		} else {
			c.props[k] = v
		}
	}
	if r.recording(c) {
		r.records = append(r.records, protocol.UpdateProps(c.id, maps.Clone(props)))
	}
	return nil
}

// UpdateText replaces the content of t. Like UpdateProps, it fails with
// ErrUnknownNode for a node removed from the mounted tree.
func (r *Root) UpdateText(t *Text, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkUpdate("updateText", t); err != nil {
		return err
	}
	if t.text == text {
		return nil
	}
	t.text = text
	if r.recording(t) {
		r.records = append(r.records, protocol.UpdateText(t.id, text))
	}
	return nil
}

func (r *Root) checkOwned(op string, n Node) error {
	if n == nil || n.base().root != r {
		id := ""
		if n != nil {
			id = n.ID()
		}
		return &NodeError{Op: op, ID: id, Err: ErrForeignNode}
	}
	return nil
}

// checkUpdate rejects updates to nodes the receiver no longer has.
func (r *Root) checkUpdate(op string, n Node) error {
	if err := r.checkOwned(op, n); err != nil {
		return err
	}
	if n.base().orphaned {
		return &NodeError{Op: op, ID: n.ID(), Err: ErrUnknownNode}
	}
	return nil
}

func (r *Root) checkContainer(op string, parent Container) error {
	switch p := parent.(type) {
	case *Root:
		if p == r {
			return nil
		}
	case *Component:
		if p != nil && p.root == r {
			return nil
		}
	}
	return &NodeError{Op: op, Err: ErrForeignNode}
}

func (r *Root) checkInsert(op string, parent Container, child Node) error {
	if err := r.checkOwned(op, child); err != nil {
		return err
	}
	if err := r.checkContainer(op, parent); err != nil {
		return err
	}
	// child may not contain parent
	for p := parent; p != nil; {
		c, ok := p.(*Component)
		if !ok {
			break
		}
		if Node(c) == child {
			return &NodeError{Op: op, ID: child.ID(), Err: ErrCycle}
		}
		p = c.parent
	}
	return nil
}

// attachedContainer reports whether p is reachable from the root.
func (r *Root) attachedContainer(p Container) bool {
	for p != nil {
		c, ok := p.(*Component)
		if !ok {
			return p == Container(r)
		}
		p = c.parent
	}
	return false
}

// recording reports whether a mutation of n must be sent.
func (r *Root) recording(n Node) bool {
	return r.mounted && r.attachedContainer(n.base().parent)
}

func (r *Root) detach(child Node) {
	b := child.base()
	parent := b.parent
	if parent == nil {
		return
	}
	wasAttached := r.attachedContainer(parent)
	l := parent.list()
	l.remove(l.index(child))
	b.parent = nil

	if wasAttached {
		walk(child, func(n Node) {
			delete(r.attached, n.ID())
			n.base().orphaned = r.mounted
		})
		if r.mounted {
			r.records = append(r.records, protocol.RemoveChild(parent.ID(), child.ID()))
		}
	}
}

func (r *Root) insert(parent Container, child Node, index int) {
	parent.list().insert(child, index)
	child.base().parent = parent

	if r.attachedContainer(parent) {
		walk(child, func(n Node) {
			r.attached[n.ID()] = n
			n.base().orphaned = false
		})
		if r.mounted {
			r.records = append(r.records, protocol.InsertChild(parent.ID(), wire(child), index))
		}
	}
}

// Snapshot returns the tree as it is now.
func (r *Root) Snapshot() *protocol.NodeWire {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Root) snapshotLocked() *protocol.NodeWire {
	children := make([]*protocol.NodeWire, len(r.children.nodes))
	for i, c := range r.children.nodes {
		children[i] = wire(c)
	}
	return protocol.NewComponentWire(protocol.RootID, "", map[string]any{}, children...)
}

// Mount sends the first snapshot. Later calls behave like Flush.
func (r *Root) Mount(ctx context.Context) error {
	r.mu.Lock()
	if r.mounted {
		r.mu.Unlock()
		return r.Flush(ctx)
	}
	r.mounted = true
	batch := r.snapshotBatchLocked()
	r.mu.Unlock()
	return r.send(ctx, batch)
}

// Remount sends a fresh snapshot, discarding queued records. Use it when
// the receiver lost its state, for example after reconnecting.
func (r *Root) Remount(ctx context.Context) error {
	r.mu.Lock()
	r.mounted = true
	batch := r.snapshotBatchLocked()
	r.mu.Unlock()
	return r.send(ctx, batch)
}

func (r *Root) snapshotBatchLocked() *protocol.Batch {
	r.records = nil
	r.resync = false
	r.seq++
	return &protocol.Batch{Instance: r.instance, Seq: r.seq, Snapshot: r.snapshotLocked()}
}

// Flush sends queued records as one batch. It does nothing before Mount
// or when no records are queued. After a failed send, Flush sends a
// snapshot so the receiver does not wait on the lost seq.
func (r *Root) Flush(ctx context.Context) error {
	r.mu.Lock()
	if r.mounted && r.resync {
		batch := r.snapshotBatchLocked()
		r.mu.Unlock()
		return r.send(ctx, batch)
	}
	if !r.mounted || len(r.records) == 0 {
		r.mu.Unlock()
		return nil
	}
	r.seq++
	batch := &protocol.Batch{Instance: r.instance, Seq: r.seq, Records: r.records}
	r.records = nil
	r.mu.Unlock()
	return r.send(ctx, batch)
}

// Update runs fn and flushes the mutations it made as one batch.
func (r *Root) Update(ctx context.Context, fn func() error) error {
	if err := fn(); err != nil {
		return err
	}
	return r.Flush(ctx)
}

// Pending returns the number of queued records.
func (r *Root) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *Root) send(ctx context.Context, batch *protocol.Batch) error {
	if r.receiver == nil {
		return ErrNoReceiver
	}
	if _, err := r.receiver.Call(ctx, batch); err != nil {
		r.mu.Lock()
		r.resync = true
		r.mu.Unlock()
		r.logger.Warn("batch not applied", "seq", batch.Seq, "snapshot", batch.IsSnapshot(), "error", err)
		return err
	}
	r.logger.Debug("batch sent", "seq", batch.Seq, "snapshot", batch.IsSnapshot(), "records", len(batch.Records))
	return nil
}
